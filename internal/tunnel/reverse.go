// ABOUTME: Provider for a self-hosted, token-authenticated reverse tunnel binary
// ABOUTME: The public URL is read from the binary's "success ... url = ..." line

package tunnel

import (
	"fmt"
	"regexp"
	"strconv"
)

// ReverseName is the registry key of the reverse tunnel provider.
const ReverseName = "reverse"

var reversePattern = regexp.MustCompile(`(?i)success.*url\s*=\s*(\S+)`)

// ReverseConfig configures the reverse tunnel client.
type ReverseConfig struct {
	Binary string
	Server string
	Token  string
}

// Reverse runs a reverse tunnel client against a relay server we control.
type Reverse struct {
	urlPattern
	noResolve
	cfg ReverseConfig
}

// NewReverse creates the reverse tunnel provider.
func NewReverse(cfg ReverseConfig) *Reverse {
	if cfg.Binary == "" {
		cfg.Binary = "t2b-tunnel"
	}
	return &Reverse{urlPattern: urlPattern{re: reversePattern}, cfg: cfg}
}

func (p *Reverse) Name() string { return ReverseName }

func (p *Reverse) Validate() error {
	if p.cfg.Server == "" {
		return fmt.Errorf("%w: reverse.server is required", ErrInvalidConfig)
	}
	if p.cfg.Token == "" {
		return fmt.Errorf("%w: reverse.token is required", ErrInvalidConfig)
	}
	return nil
}

func (p *Reverse) Command(localPort int) (string, []string) {
	return p.cfg.Binary, []string{
		"--server", p.cfg.Server,
		"--token", p.cfg.Token,
		"--local-port", strconv.Itoa(localPort),
	}
}
