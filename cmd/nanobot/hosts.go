package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/hostreg"
	"github.com/nanobot-ai/nanobot/internal/telemetry"
)

func newHostsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage the registry of remote hosts",
	}
	cmd.AddCommand(newHostsAddCmd(opts))
	cmd.AddCommand(newHostsRemoveCmd(opts))
	cmd.AddCommand(newHostsListCmd(opts))
	cmd.AddCommand(newHostsConnectCmd(opts))
	cmd.AddCommand(newHostsDisconnectCmd(opts))
	return cmd
}

func newHostsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		sshPort    int
		sshKey     string
		remotePort int
		token      string
		workspace  string
	)
	cmd := &cobra.Command{
		Use:   "add <name> <user@host>",
		Short: "Register a host without connecting to it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := opts.manager.AddHost(hostreg.HostConfig{
				Name:       args[0],
				SSHTarget:  args[1],
				SSHPort:    sshPort,
				SSHKeyPath: sshKey,
				RemotePort: remotePort,
				AuthToken:  token,
				Workspace:  workspace,
			})
			if err != nil {
				return err
			}
			telemetry.Infof("registered host %s (%s)", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().IntVar(&sshPort, "ssh-port", hostreg.DefaultSSHPort, "SSH port on the target")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "private key path (defaults to the ssh-agent)")
	cmd.Flags().IntVar(&remotePort, "remote-port", hostreg.DefaultRemotePort, "loopback port the remote agent binds on")
	cmd.Flags().StringVar(&token, "token", "", "shared auth token for the agent")
	cmd.Flags().StringVar(&workspace, "workspace", "", "default working directory for commands on this host")
	return cmd
}

func newHostsRemoveCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Disconnect a host and drop it from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := opts.manager.RemoveHost(ctx, args[0], force); err != nil {
				return err
			}
			telemetry.Infof("removed host %s", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the registry entry even when teardown fails")
	return cmd
}

func newHostsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show every registered host and its connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTARGET\tPORT\tSESSION\tSTATE")
			for _, st := range opts.manager.List() {
				session := "-"
				if st.Config.ActiveSession != nil {
					session = st.Config.ActiveSession.SessionID
				}
				state := "registered"
				if st.Connected {
					state = "connected"
				} else if st.Config.ActiveSession != nil {
					state = "resumable"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					st.Config.Name, st.Config.SSHTarget, st.Config.RemotePort, session, state)
			}
			return w.Flush()
		},
	}
}

func newHostsConnectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <name>",
		Short: "Connect to a host, resuming a recorded session when possible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			_, result, err := opts.manager.Connect(ctx, args[0])
			if err != nil {
				return err
			}
			telemetry.Infof("%s: %s", args[0], result)
			return nil
		},
	}
}

func newHostsDisconnectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <name>",
		Short: "Tear down the remote agent and close the tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := opts.manager.Disconnect(ctx, args[0]); err != nil {
				return err
			}
			telemetry.Infof("disconnected %s", args[0])
			return nil
		},
	}
}
