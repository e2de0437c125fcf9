package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/telemetry"
)

func newFSCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Structured file operations, local or on a registered host",
		Long: "These RPCs exist so callers never have to build ad-hoc shell " +
			"pipelines for file access; writes are atomic and edits require a " +
			"unique match.",
	}
	cmd.AddCommand(newFSReadCmd(opts))
	cmd.AddCommand(newFSWriteCmd(opts))
	cmd.AddCommand(newFSEditCmd(opts))
	cmd.AddCommand(newFSLsCmd(opts))
	cmd.AddCommand(newFSCompareCmd(opts))
	return cmd
}

func newFSReadCmd(opts *rootOptions) *cobra.Command {
	var hostName string
	cmd := &cobra.Command{
		Use:   "read <path>",
		Short: "Print a UTF-8 file (size-capped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			be, err := opts.router.Resolve(ctx, opts.resolveHost(hostName))
			if err != nil {
				return err
			}
			content, err := be.ReadFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), content)
			return nil
		},
	}
	cmd.Flags().StringVar(&hostName, "host", "", "registered host (empty means local)")
	return cmd
}

func newFSWriteCmd(opts *rootOptions) *cobra.Command {
	var (
		hostName string
		fromFile string
	)
	cmd := &cobra.Command{
		Use:   "write <path> [content]",
		Short: "Atomically write a file, creating parents",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var content string
			switch {
			case fromFile != "":
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				content = string(data)
			case len(args) == 2:
				content = args[1]
			default:
				return fmt.Errorf("provide inline content or --from-file")
			}

			be, err := opts.router.Resolve(ctx, opts.resolveHost(hostName))
			if err != nil {
				return err
			}
			n, err := be.WriteFile(ctx, args[0], content)
			if err != nil {
				return err
			}
			telemetry.Infof("wrote %d bytes to %s", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&hostName, "host", "", "registered host (empty means local)")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "read content from this local file")
	return cmd
}

func newFSEditCmd(opts *rootOptions) *cobra.Command {
	var hostName string
	cmd := &cobra.Command{
		Use:   "edit <path> <old-text> <new-text>",
		Short: "Replace old-text with new-text; old-text must occur exactly once",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			be, err := opts.router.Resolve(ctx, opts.resolveHost(hostName))
			if err != nil {
				return err
			}
			if err := be.EditFile(ctx, args[0], args[1], args[2]); err != nil {
				return err
			}
			telemetry.Infof("edited %s", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&hostName, "host", "", "registered host (empty means local)")
	return cmd
}

func newFSLsCmd(opts *rootOptions) *cobra.Command {
	var hostName string
	cmd := &cobra.Command{
		Use:   "ls <path>",
		Short: "List a directory (non-recursive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			be, err := opts.router.Resolve(ctx, opts.resolveHost(hostName))
			if err != nil {
				return err
			}
			entries, err := be.ListDir(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tMODIFIED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					e.Name, e.Type, e.Size, time.Unix(e.MTime, 0).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&hostName, "host", "", "registered host (empty means local)")
	return cmd
}

func newFSCompareCmd(opts *rootOptions) *cobra.Command {
	var hostName string
	cmd := &cobra.Command{
		Use:   "compare <path> <sha256>",
		Short: "Check a file against an expected SHA-256 without downloading it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			be, err := opts.router.Resolve(ctx, opts.resolveHost(hostName))
			if err != nil {
				return err
			}
			match, actual, err := be.CompareFile(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if match {
				telemetry.Infof("%s matches", args[0])
				return nil
			}
			return fmt.Errorf("%s differs: actual sha256 %s", args[0], actual)
		},
	}
	cmd.Flags().StringVar(&hostName, "host", "", "registered host (empty means local)")
	return cmd
}
