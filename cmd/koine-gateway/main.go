// ABOUTME: Entry point for koine-gateway, the HTTP front for the agent CLI
// ABOUTME: Subcommands: serve, init, health, status, ask, token

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/koine-gateway/internal/auth"
	"github.com/2389/koine-gateway/internal/client"
	"github.com/2389/koine-gateway/internal/config"
	"github.com/2389/koine-gateway/internal/gateway"
	"github.com/2389/koine-gateway/internal/telemetry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _         _                               _
 | | _____ (_)_ __   ___        __ _  __ _| |_ _____      ____ _ _   _
 | |/ / _ \| | '_ \ / _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 |   < (_) | | | | |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|\_\___/|_|_| |_|\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                               |___/                             |___/
`

// envGatewayURL overrides the URL the client subcommands talk to.
const envGatewayURL = "KOINE_URL"

func usage() {
	fmt.Println("Usage: koine-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the gateway server")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  health                        Check gateway health")
	fmt.Println("  status                        Show CLI availability and pool occupancy")
	fmt.Println("  ask PROMPT                    Stream a completion to stdout")
	fmt.Println("  token --subject NAME [--ttl]  Mint a JWT signed with auth.jwt_secret")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "ask":
		err = runAsk(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("CLI:       %s", cfg.Claude.Binary)
	gray.Printf(" (timeout %s)\n", cfg.Claude.Timeout)
	green.Print("    ▶ ")
	fmt.Printf("Pools:     %d streaming, %d non-streaming\n", cfg.Concurrency.MaxStreaming, cfg.Concurrency.MaxNonStreaming)
	if cfg.Database.Path == "" {
		yellow.Print("    ▶ ")
		fmt.Println("Ledger:    disabled")
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	logger.Info("starting koine-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// gatewayURL derives the base URL of a locally configured gateway.
func gatewayURL(cfg *config.Config) string {
	if u := os.Getenv(envGatewayURL); u != "" {
		return u
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// newClient loads the config and builds a client for the local gateway.
func newClient() (*client.Client, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return client.New(client.Config{
		BaseURL:    gatewayURL(cfg),
		AuthKey:    cfg.Auth.APIKey,
		Model:      cfg.Claude.Model,
		Timeout:    cfg.Claude.Timeout + 10*time.Second,
		HTTPClient: telemetry.InstrumentClient(&http.Client{}),
	})
}

func runHealth(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	h, err := c.Health(ctx)
	if err != nil {
		if h != nil {
			return fmt.Errorf("%s: claude CLI available=%t", h.Status, h.CLIAvailable)
		}
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println(h.Status)
	return nil
}

func runStatus(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	h, err := c.Health(ctx)
	if h == nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	status := color.GreenString(h.Status)
	if h.Status != "healthy" {
		status = color.RedString(h.Status)
	}
	fmt.Printf("Status:        %s\n", status)
	fmt.Printf("Claude CLI:    %t\n", h.CLIAvailable)
	fmt.Printf("Streaming:     %d/%d\n", h.Streaming.Active, h.Streaming.Max)
	fmt.Printf("Non-streaming: %d/%d\n", h.NonStreaming.Active, h.NonStreaming.Max)
	fmt.Printf("As of:         %s\n", h.Timestamp)
	return nil
}

func runAsk(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	system := fs.String("system", "", "system prompt")
	session := fs.String("session", "", "session to resume")
	model := fs.String("model", "", "model alias")
	tools := fs.String("tools", "", "comma-separated allowed tools")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" {
		return errors.New("ask requires a prompt")
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	req := client.Request{Prompt: prompt, System: *system, SessionID: *session, Model: *model}
	if *tools != "" {
		req.AllowedTools = strings.Split(*tools, ",")
	}

	res, err := c.StreamText(ctx, req)
	if err != nil {
		return err
	}
	defer res.Close()

	for chunk := range res.TextStream() {
		fmt.Print(chunk)
	}
	fmt.Println()
	if err := res.Err(); err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	if id, err := res.SessionID(ctx); err == nil {
		gray.Printf("session: %s\n", id)
	}
	if u, err := res.Usage(ctx); err == nil {
		gray.Printf("tokens:  %d in, %d out\n", u.InputTokens, u.OutputTokens)
	}
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewTokens([]byte(cfg.Auth.JWTSecret)).Issue(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
