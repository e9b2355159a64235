// ABOUTME: Provider for the tailscale mesh CLI using funnel or serve
// ABOUTME: Builds the URL from the node's DNS name, asking tailscale status when unset

package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
)

// TailscaleName is the registry key of the tailscale provider.
const TailscaleName = "tailscale"

// TailscaleConfig configures the tailscale CLI.
type TailscaleConfig struct {
	Binary        string
	DNSName       string
	DisableFunnel bool
	StatusTimeout time.Duration
}

// Tailscale exposes the port through tailscale funnel (public) or serve
// (tailnet only).
type Tailscale struct {
	cfg TailscaleConfig
}

// NewTailscale creates the tailscale provider.
func NewTailscale(cfg TailscaleConfig) *Tailscale {
	if cfg.Binary == "" {
		cfg.Binary = "tailscale"
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	return &Tailscale{cfg: cfg}
}

func (p *Tailscale) Name() string { return TailscaleName }

func (p *Tailscale) Validate() error { return nil }

func (p *Tailscale) Command(localPort int) (string, []string) {
	mode := "funnel"
	if p.cfg.DisableFunnel {
		mode = "serve"
	}
	return p.cfg.Binary, []string{mode, strconv.Itoa(localPort)}
}

// MatchURL never matches; the URL is predictable from the DNS name.
func (p *Tailscale) MatchURL(string) (string, bool) { return "", false }

// ResolveURL returns https://<dns name>, looking the name up with
// `tailscale status --json` when it is not configured.
func (p *Tailscale) ResolveURL(ctx context.Context) (string, error) {
	name := p.cfg.DNSName
	if name == "" {
		st, err := p.status(ctx)
		if err != nil {
			return "", err
		}
		if st.Self == nil || st.Self.DNSName == "" {
			return "", fmt.Errorf("tailscale status has no DNS name for this node")
		}
		name = st.Self.DNSName
	}
	return "https://" + strings.TrimSuffix(name, "."), nil
}

func (p *Tailscale) status(ctx context.Context) (*ipnstate.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StatusTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.cfg.Binary, "status", "--json")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running tailscale status: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeStatus(stdout.Bytes())
}

func decodeStatus(raw []byte) (*ipnstate.Status, error) {
	var st ipnstate.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding tailscale status: %w", err)
	}
	if st.BackendState != "" && st.BackendState != "Running" {
		return nil, fmt.Errorf("tailscale backend is %s", st.BackendState)
	}
	return &st, nil
}
