package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/chainguard-dev/testcontainers"
	"github.com/chainguard-dev/testcontainers/internal/config"
	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/o11y"
	"github.com/chainguard-dev/testcontainers/internal/provider"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		debug    bool
		shutdown func(context.Context) error
	)

	root := &cobra.Command{
		Use:          "tcdoctor",
		Short:        "Diagnose container runtime discovery for tests",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			ctx := setupLog(cmd.Context(), level)

			var err error
			if shutdown, err = o11y.SetupTracing(ctx); err != nil {
				return err
			}
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(context.WithoutCancel(cmd.Context()))
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newProvidersCmd(), newRunCmd())
	return root
}

func newProvidersCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List runtime providers in the order they are tried",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			providers := provider.Defaults(cfg)
			slices.SortStableFunc(providers, func(a, b provider.Provider) int {
				return b.Priority() - a.Priority()
			})

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPRIORITY\tAPPLICABLE\tREACHABLE\tENDPOINT")
			for _, p := range providers {
				reachable := "-"
				if probe && p.Applicable() {
					reachable = strconv.FormatBool(p.Test(cmd.Context()))
				}
				fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n", p.Name(), p.Priority(), p.Applicable(), reachable, p.Endpoint())
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&probe, "test", false, "ping every applicable provider")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		ports   []int
		env     map[string]string
		timeout time.Duration
		exec    string
	)

	cmd := &cobra.Command{
		Use:   "run IMAGE",
		Short: "Start a container, print how to reach it, then remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			argv, err := execArgs(exec)
			if err != nil {
				return err
			}

			s, err := testcontainers.NewSession(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(context.WithoutCancel(ctx)); err != nil {
					log.Error(ctx, "cleanup failed", "error", err)
				}
			}()

			spec := testcontainers.Spec{
				Image:        args[0],
				ExposedPorts: ports,
				Env:          env,
			}
			if len(ports) > 0 {
				spec.Wait = &wait.ExposedPorts{Timeout: timeout}
			}

			c, err := s.Run(ctx, spec)
			if err != nil {
				return err
			}

			host, err := c.Host(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "container %s (%s) on %s\n", c.ID(), c.Image(), host)
			for _, p := range c.ExposedPorts() {
				mapped, err := c.MappedPort(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %d/tcp -> %s:%d\n", p, host, mapped)
			}

			if len(argv) > 0 {
				res, err := c.Exec(ctx, argv...)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "exec exited %d\n%s", res.ExitCode, res.Combined())
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVarP(&ports, "port", "p", nil, "container port to publish and wait for")
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "environment variable KEY=VALUE")
	cmd.Flags().DurationVar(&timeout, "timeout", wait.DefaultTimeout, "how long to wait for published ports")
	cmd.Flags().StringVar(&exec, "exec", "", "shell-quoted command to run in the container once it is ready")
	return cmd
}

// execArgs splits a command line the way a POSIX shell would, without
// expanding anything.
func execArgs(s string) ([]string, error) {
	argv, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parsing --exec: %w", err)
	}
	return argv, nil
}
