// Command nanobot-remote is the on-host agent: a loopback WebSocket
// server staged into /tmp by the gateway and started by the launcher
// script. It keeps zero configuration on disk; everything arrives as
// flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nanobot-ai/nanobot/internal/agent"
)

func main() {
	var (
		listen     = flag.String("listen", "127.0.0.1:8765", "address to listen on (loopback only)")
		token      = flag.String("token", "", "shared auth token; empty disables auth")
		noTmux     = flag.Bool("no-tmux", false, "run each command in a fresh subprocess instead of a tmux session")
		sessionDir = flag.String("session-dir", "", "session directory (tmux socket, pid file); defaults to the binary's directory")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(log)

	dir := strings.TrimSpace(*sessionDir)
	if dir == "" {
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Dir(exe)
		} else {
			dir = "/tmp"
		}
	}

	srv := agent.New(agent.Config{
		Listen:     *listen,
		Token:      *token,
		SessionDir: dir,
		NoTmux:     *noTmux,
	}, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "nanobot-remote: %v\n", err)
		os.Exit(1)
	}
	log.Info("exiting")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
