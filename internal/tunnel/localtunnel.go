// ABOUTME: Provider for the hosted localtunnel CLI
// ABOUTME: Reads the "your url is: https://..." line and can request a random subdomain

package tunnel

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// LocaltunnelName is the registry key of the localtunnel provider.
const LocaltunnelName = "localtunnel"

var localtunnelPattern = regexp.MustCompile(`(?i)url(?:\s+is)?:\s*(https://\S+)`)

// LocaltunnelConfig configures the lt CLI.
type LocaltunnelConfig struct {
	Binary          string
	Subdomain       string
	Host            string
	RandomSubdomain bool
}

// Localtunnel runs the lt CLI.
type Localtunnel struct {
	urlPattern
	noResolve
	cfg LocaltunnelConfig
}

// NewLocaltunnel creates the localtunnel provider. With RandomSubdomain
// set and no fixed subdomain, a fresh subdomain is picked per process.
func NewLocaltunnel(cfg LocaltunnelConfig) *Localtunnel {
	if cfg.Binary == "" {
		cfg.Binary = "lt"
	}
	return &Localtunnel{urlPattern: urlPattern{re: localtunnelPattern}, cfg: cfg}
}

func (p *Localtunnel) Name() string { return LocaltunnelName }

func (p *Localtunnel) Validate() error { return nil }

func (p *Localtunnel) Command(localPort int) (string, []string) {
	args := []string{"--port", strconv.Itoa(localPort)}

	sub := p.cfg.Subdomain
	if sub == "" && p.cfg.RandomSubdomain {
		sub = "t2b-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	}
	if sub != "" {
		args = append(args, "--subdomain", sub)
	}
	if p.cfg.Host != "" {
		args = append(args, "--host", p.cfg.Host)
	}
	return p.cfg.Binary, args
}
