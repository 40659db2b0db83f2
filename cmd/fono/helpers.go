package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	fono "github.com/fono-app/fono-go"
)

// getClient creates a fono client from the stored config.
func getClient() *fono.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'fono login <token>' first.")
		os.Exit(1)
	}

	return clientFromConfig(cfg)
}

func clientFromConfig(cfg *Config) *fono.Client {
	opts := []fono.ClientOption{
		fono.WithLogger(cliLogger()),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, fono.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Audience != "" {
		opts = append(opts, fono.WithAudience(cfg.Default.Audience))
	}

	tokens := fono.NewStaticTokenProvider(cfg.Auth.Token, cfg.Auth.Subject)
	return fono.NewClient(tokens, opts...)
}

// getTransport creates a broker transport authorized by the client.
// The realtime URL falls back to <base_url host>/ws when not configured.
func getTransport(cfg *Config, client *fono.Client) *fono.WSTransport {
	url := cfg.Default.RealtimeURL
	if url == "" {
		base := cfg.Default.BaseURL
		if base == "" {
			base = fono.DefaultBaseURL
		}
		url = deriveWSURL(base)
	}

	return fono.NewWSTransport(&fono.TransportConfig{
		URL:           url,
		Authorizer:    client,
		Logger:        cliLogger(),
		AutoReconnect: true,
	})
}

func deriveWSURL(baseURL string) string {
	url := strings.Replace(baseURL, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	if i := strings.Index(url, "://"); i > 0 {
		rest := url[i+3:]
		if j := strings.Index(rest, "/"); j > 0 {
			url = url[:i+3+j]
		}
	}
	return url + "/ws"
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("FONO_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
