// Command nanobot is the gateway CLI: it keeps the host registry,
// deploys and talks to remote agents, and runs commands or file
// operations locally or on a named host.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/backend"
	cliconfig "github.com/nanobot-ai/nanobot/internal/cli/config"
	"github.com/nanobot-ai/nanobot/internal/host"
	"github.com/nanobot-ai/nanobot/internal/hostreg"
	"github.com/nanobot-ai/nanobot/internal/telemetry"
)

type rootOptions struct {
	configPath  string
	logLevel    string
	logFile     string
	agentBinary string
	noTmux      bool

	config *cliconfig.Config
	log    *logrus.Logger

	registry *hostreg.Registry
	manager  *host.Manager
	router   *backend.Router
}

// prepare loads the YAML config, builds the logger, and opens the
// host registry. Runs once per invocation before any subcommand.
func (r *rootOptions) prepare() error {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	if r.logLevel == "" {
		r.logLevel = cfg.LogLevel
	}
	if r.logFile == "" {
		r.logFile = cfg.LogFile
	}
	if r.agentBinary == "" {
		r.agentBinary = cfg.AgentBinary
	}
	if cfg.NoTmux {
		r.noTmux = true
	}
	r.log = telemetry.NewLogger(r.logLevel, r.logFile)

	reg, err := hostreg.Load(hostreg.DefaultPath(), r.log)
	if err != nil {
		return err
	}
	r.registry = reg
	r.manager = host.NewManager(reg, host.Options{
		AgentBinary: r.agentBinary,
		EnableTmux:  !r.noTmux,
	}, r.log)
	r.router = backend.NewRouter(r.manager)
	return nil
}

// resolveHost applies the config file's default host when the flag
// was left empty.
func (r *rootOptions) resolveHost(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return r.config.DefaultHost
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "nanobot",
		Short:         "Run commands and file operations on remote hosts as if they were local",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to the gateway config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "structured log level (debug, info, warning, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "also write structured logs to this rotating file")
	rootCmd.PersistentFlags().StringVar(&opts.agentBinary, "agent-binary", "", "path to the nanobot-remote binary to stage on hosts")
	rootCmd.PersistentFlags().BoolVar(&opts.noTmux, "no-tmux", false, "run remote agents without a terminal multiplexer (no session state)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newHostsCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newFSCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[nanobot] error: %v\n", err)
		os.Exit(1)
	}
}
