// ABOUTME: Entry point for t2b-gateway, the multi-tenant bot gateway server
// ABOUTME: Serves the gateway and issues credentials and admin tokens

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tunnels2bots/internal/auth"
	"github.com/2389/tunnels2bots/internal/config"
	"github.com/2389/tunnels2bots/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _   ____  _                       _
| |_|___ \| |__         __ _  __ _| |_ _____      ____ _ _   _
| __| __) | '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_ / __/| |_) |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__|_____|_.__/       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                       |___/                             |___/
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: t2b-gateway <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Start the gateway server")
	fmt.Fprintln(w, "  issue key USER                 Print a signed API key for USER")
	fmt.Fprintln(w, "  issue token USER [-ttl 24h]    Print a signed bearer token for USER")
	fmt.Fprintln(w, "  issue admin                    Generate an admin token and its config hash")
	fmt.Fprintln(w, "  health                         Check gateway health")
	fmt.Fprintln(w, "  status                         Show gateway status")
	fmt.Fprintln(w, "  tunnel start|stop|restart NAME Control a tunnel provider")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every command accepts -config PATH.")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches one CLI command.
func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "serve":
		return runServe(ctx, args)
	case "issue":
		return runIssue(args, out)
	case "health":
		return runHealth(ctx, args, out)
	case "status":
		return runStatus(ctx, args, out)
	case "tunnel":
		return runTunnel(ctx, args, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// loadConfig resolves and loads the configuration. Without a file the
// gateway runs on defaults plus environment overrides.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.Resolve(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, "", fmt.Errorf("no config file found and environment incomplete: %w", err)
		}
		return cfg, "(environment)", nil
	}
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Clients:   %s\n", cfg.Server.WSPath)
	green.Print("    ▶ ")
	fmt.Printf("Bots:      %s\n", cfg.Server.BotPath)
	if cfg.Database.Path == "" {
		green.Print("    ▶ ")
		fmt.Print("Tasks:     ")
		yellow.Println("in memory")
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Tasks:     %s\n", cfg.Database.Path)
	}

	if cfg.Tunnel.Provider != "" {
		green.Print("    ▶ ")
		fmt.Print("Tunnel:    ")
		cyan.Print(cfg.Tunnel.Provider)
		if cfg.Tunnel.AutoStart {
			yellow.Print(" [auto-start]")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting t2b-gateway",
		"config", source,
		"addr", cfg.Server.Addr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runIssue(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("issue requires a kind: key, token or admin")
	}
	kind := args[0]

	fs := flag.NewFlagSet("issue "+kind, flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if kind == "admin" {
		return issueAdmin(out)
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("issue %s requires exactly one user id", kind)
	}
	userID := fs.Arg(0)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	v, err := auth.NewValidator(auth.ValidatorConfig{
		Secret:          []byte(cfg.Auth.Secret),
		KeyPrefix:       cfg.Auth.KeyPrefix,
		SignatureLength: cfg.Auth.SignatureLength,
	})
	if err != nil {
		return fmt.Errorf("creating credential validator: %w", err)
	}

	var credential string
	switch kind {
	case "key":
		credential, err = v.IssueKey(userID)
	case "token":
		credential, err = v.IssueToken(userID, *ttl)
	default:
		return fmt.Errorf("unknown credential kind: %s", kind)
	}
	if err != nil {
		return fmt.Errorf("issuing %s: %w", kind, err)
	}

	fmt.Fprintln(out, credential)
	return nil
}

// issueAdmin prints a fresh admin token and the bcrypt hash to put in
// auth.admin_token_hash.
func issueAdmin(out io.Writer) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating admin token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := auth.HashAdminToken(token)
	if err != nil {
		return fmt.Errorf("hashing admin token: %w", err)
	}

	fmt.Fprintf(out, "admin token:     %s\n", token)
	fmt.Fprintf(out, "admin_token_hash: %q\n", hash)
	return nil
}
