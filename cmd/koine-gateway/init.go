// ABOUTME: Interactive "init" subcommand that writes a starter config file
// ABOUTME: Generates a random API key and keeps the ledger under the XDG data dir

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/koine-gateway/internal/config"
)

// getDataPath returns the path to the koine data directory.
// Priority: XDG_DATA_HOME/koine > ~/.local/share/koine
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "koine")
}

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr        string
	GRPCAddr        string
	APIKey          string
	Binary          string
	Model           string
	Timeout         string
	MaxStreaming    string
	MaxNonStreaming string
	DBPath          string
	Tailscale       bool
	TSHostname      string
	TSEphemeral     bool
	LogLevel        string
	LogFormat       string
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	return initConfig(bufio.NewReader(os.Stdin), os.Stdout)
}

func initConfig(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "koine-gateway configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	key, err := generateAPIKey()
	if err != nil {
		return err
	}

	var a initAnswers
	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "127.0.0.1:3100")
	a.GRPCAddr = prompt(reader, out, "gRPC health address (empty to disable)", "")
	a.APIKey = prompt(reader, out, "API key", key)

	fmt.Fprintln(out, "\n--- Claude CLI ---")
	a.Binary = prompt(reader, out, "CLI binary", "claude")
	a.Model = prompt(reader, out, "Default model (empty for CLI default)", "")
	a.Timeout = prompt(reader, out, "Per-request timeout", "5m")
	a.MaxStreaming = prompt(reader, out, "Max concurrent streams", "3")
	a.MaxNonStreaming = prompt(reader, out, "Max concurrent non-streaming requests", "5")

	fmt.Fprintln(out, "\n--- Usage Ledger ---")
	a.DBPath = prompt(reader, out, "SQLite database path (empty to disable)", filepath.Join(getDataPath(), "usage.db"))

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "koine")
		a.TSEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	data := renderConfig(a)
	if _, err := config.Parse([]byte(data), "yaml"); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(data), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if a.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  koine-gateway serve")
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# koine-gateway configuration\n")
	b.WriteString("# Generated by koine-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	if a.GRPCAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", a.GRPCAddr)
	}
	b.WriteString("\n")

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  api_key: %q\n", a.APIKey)
	b.WriteString("\n")

	b.WriteString("claude:\n")
	fmt.Fprintf(&b, "  binary: %q\n", a.Binary)
	fmt.Fprintf(&b, "  timeout: %q\n", a.Timeout)
	if a.Model != "" {
		fmt.Fprintf(&b, "  model: %q\n", a.Model)
	}
	b.WriteString("\n")

	b.WriteString("concurrency:\n")
	fmt.Fprintf(&b, "  max_streaming: %s\n", a.MaxStreaming)
	fmt.Fprintf(&b, "  max_non_streaming: %s\n", a.MaxNonStreaming)
	b.WriteString("\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n", a.DBPath)
	b.WriteString("\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		b.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		fmt.Fprintf(&b, "  ephemeral: %t\n", a.TSEphemeral)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	b.WriteString("\n")

	b.WriteString("telemetry:\n")
	b.WriteString("  enabled: false\n")
	return b.String()
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
