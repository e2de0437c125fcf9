package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/backend"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var (
		hostName string
		cwd      string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec [--host NAME] [--cwd DIR] [--timeout DUR] -- <command...>",
		Short: "Run a shell command locally or on a registered host",
		Long: "On a registered host whose agent runs tmux, the command goes through " +
			"a persistent shell session, so working directory and environment " +
			"changes survive between calls. Locally, and on agents started with " +
			"--no-tmux, each command runs in a fresh shell. " +
			"The process exit status mirrors the command's exit code.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			be, err := opts.router.Resolve(ctx, opts.resolveHost(hostName))
			if err != nil {
				return err
			}
			command := shellJoin(args)
			res, err := be.Exec(ctx, command, backend.ExecOptions{
				WorkingDir: cwd,
				Timeout:    timeout,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Output)
			if !res.Success {
				if res.ExitCode > 0 {
					os.Exit(res.ExitCode)
				}
				return fmt.Errorf("command failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hostName, "host", "", "registered host to run on (empty means local)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the command")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-command deadline (default 60s)")
	return cmd
}

// shellJoin rebuilds a single shell command from argv. A lone
// argument is passed through verbatim so pipelines survive; multiple
// arguments are quoted individually.
func shellJoin(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		if needsQuoting(a) {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}

func needsQuoting(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' || r == '@':
		default:
			return true
		}
	}
	return s == ""
}
