package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bazaarly/marketchat"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection and delivery details to stderr")
}

// getClient builds a client from the config file and environment.
func getClient() *marketchat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'marketchat login <token>' first.")
		os.Exit(1)
	}

	return marketchat.New(marketchat.Config{
		BaseURL:   cfg.Default.BaseURL,
		SocketURL: cfg.Default.SocketURL,
		UserID:    cfg.Auth.UserID,
	}, marketchat.StaticCredential(cfg.Auth.Token), marketchat.WithLogger(newLogger(cfg.Default.Env)))
}

// newLogger writes colored output for dev and local, JSON otherwise.
func newLogger(env string) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	writer := os.Stderr
	if env == "dev" || env == "local" {
		return slog.New(tint.NewHandler(writer, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	}
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}))
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
