// ABOUTME: Operator commands that talk to a running gateway over HTTP
// ABOUTME: Implements health, status and tunnel control against the admin endpoints

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/2389/tunnels2bots/internal/gateway"
	"github.com/2389/tunnels2bots/internal/tunnel"
)

// envAdminToken supplies the admin token to operator commands.
const envAdminToken = "T2B_ADMIN_TOKEN"

// clientFlags are shared by commands that call a running gateway.
type clientFlags struct {
	fs         *flag.FlagSet
	gatewayURL *string
	configPath *string
	adminToken *string
}

func newClientFlags(name string) *clientFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &clientFlags{
		fs:         fs,
		gatewayURL: fs.String("gateway", "", "Gateway base URL (default: derived from config)"),
		configPath: fs.String("config", "", "Config file path"),
		adminToken: fs.String("admin-token", os.Getenv(envAdminToken), "Admin token"),
	}
}

// baseURL returns the gateway URL from -gateway or the configured address.
func (f *clientFlags) baseURL() string {
	if *f.gatewayURL != "" {
		return strings.TrimSuffix(*f.gatewayURL, "/")
	}
	addr := "127.0.0.1:8080"
	if cfg, _, err := loadConfig(*f.configPath); err == nil {
		addr = cfg.Server.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func (f *clientFlags) do(ctx context.Context, method, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL()+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if *f.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+*f.adminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// errorMessage extracts the error field of a JSON error body.
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	f := newClientFlags("health")
	if err := f.fs.Parse(args); err != nil {
		return err
	}

	resp, err := f.do(ctx, http.MethodGet, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	resp, err = f.do(ctx, http.MethodGet, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: %s", strings.TrimSpace(string(body)))
	}

	fmt.Fprintf(out, "healthy: %s\n", strings.TrimSpace(string(body)))
	return nil
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	f := newClientFlags("status")
	asJSON := f.fs.Bool("json", false, "Print the raw JSON response")
	if err := f.fs.Parse(args); err != nil {
		return err
	}

	resp, err := f.do(ctx, http.MethodGet, "/admin/status")
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %d %s", resp.StatusCode, errorMessage(resp))
	}

	var st gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(out, st)
	return nil
}

func printStatus(out io.Writer, st gateway.StatusResponse) {
	fmt.Fprintln(out, "  Gateway")
	fmt.Fprintln(out, "  -------")
	fmt.Fprintf(out, "  Uptime:       %s\n", st.Uptime)
	if st.PublicURL != "" {
		fmt.Fprintf(out, "  Public URL:   %s\n", st.PublicURL)
	}
	fmt.Fprintf(out, "  Connections:  %d (%d authenticated)\n", st.Connections.Total, st.Connections.Authenticated)
	fmt.Fprintf(out, "  Users:        %d\n", st.Users)
	fmt.Fprintf(out, "  Sessions:     %d\n", st.Sessions)
	fmt.Fprintf(out, "  Bots:         %d (%d linked, %d frames pending)\n", st.Bots.Total, st.BotLinks.Connected, st.BotLinks.Pending)
	fmt.Fprintf(out, "  Tasks:        %d\n", st.Tasks)

	if len(st.Tunnels) > 0 {
		fmt.Fprintln(out)
		printTunnels(out, st.Tunnels)
	}

	if st.Detail != nil && len(st.Detail.Sessions) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Sessions")
		fmt.Fprintln(out, "  --------")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  USER\tCONNECTIONS\tBOTS\tLAST ACTIVITY")
		for _, s := range st.Detail.Sessions {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%s\n", s.UserID, s.Connections, s.Bots, s.LastActivityAt.Format(time.RFC3339))
		}
		w.Flush()
	}
}

func printTunnels(out io.Writer, tunnels []tunnel.Status) {
	fmt.Fprintln(out, "  Tunnels")
	fmt.Fprintln(out, "  -------")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PROVIDER\tSTATE\tURL\tRESTARTS\tLAST ERROR")
	for _, t := range tunnels {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", t.Provider, t.State, t.PublicURL, t.Restarts, t.LastError)
	}
	w.Flush()
}

func runTunnel(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: tunnel start|stop|restart PROVIDER")
	}
	action, provider := args[0], args[1]
	switch action {
	case "start", "stop", "restart":
	default:
		return fmt.Errorf("unknown tunnel action: %s", action)
	}

	f := newClientFlags("tunnel " + action)
	if err := f.fs.Parse(args[2:]); err != nil {
		return err
	}
	if *f.adminToken == "" {
		return fmt.Errorf("tunnel control requires -admin-token or $%s", envAdminToken)
	}

	resp, err := f.do(ctx, http.MethodPost, "/admin/tunnels/"+provider+"/"+action)
	if err != nil {
		return fmt.Errorf("tunnel %s failed: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tunnel %s failed: %d %s", action, resp.StatusCode, errorMessage(resp))
	}

	var st tunnel.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding tunnel status: %w", err)
	}
	printTunnels(out, []tunnel.Status{st})
	return nil
}
