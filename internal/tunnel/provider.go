// ABOUTME: Tunnel provider abstraction and the output-pattern helper shared by providers
// ABOUTME: A provider knows how to spawn its CLI and where its public URL comes from

package tunnel

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidConfig is returned when a provider is missing required settings.
var ErrInvalidConfig = errors.New("invalid tunnel provider config")

// Provider describes one way of exposing the local gateway port.
type Provider interface {
	// Name is the key operators use to start and stop the provider.
	Name() string
	// Validate checks the provider's settings before anything is spawned.
	Validate() error
	// Command returns the executable and arguments to run.
	Command(localPort int) (string, []string)
	// MatchURL extracts the public URL from one line of process output.
	MatchURL(line string) (string, bool)
	// ResolveURL returns a URL known without reading process output, or "".
	ResolveURL(ctx context.Context) (string, error)
}

// urlPattern extracts the first capture group of a compiled pattern.
type urlPattern struct {
	re *regexp.Regexp
}

func (p urlPattern) MatchURL(line string) (string, bool) {
	if p.re == nil {
		return "", false
	}
	m := p.re.FindStringSubmatch(line)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return strings.TrimRight(m[1], `"',.;`), true
}

// noResolve is embedded by providers whose URL only comes from output.
type noResolve struct{}

func (noResolve) ResolveURL(context.Context) (string, error) { return "", nil }
