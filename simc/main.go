package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/davidbalbert/routesim/api"
	"github.com/davidbalbert/routesim/config"
)

var flags struct {
	socket  string
	timeout time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "simc",
	Short: "Control a running simd",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Don't print usage for errors that come back from simd.
		cmd.SilenceUsage = true
	},
}

// withClient connects to simd and calls f with a context bounded by the
// timeout flag.
func withClient(f func(ctx context.Context, c *api.Client) error) error {
	client, err := api.NewClient(flags.socket)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	return f(ctx, client)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the simd version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			v, err := c.GetVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "v%s\n", v)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the clock state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.GetState(ctx)
			if err != nil {
				return err
			}
			renderState(cmd.OutOrStdout(), st)
			return nil
		})
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes ROUTER",
	Short: "Show a router's routing table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid router id: %q", args[0])
		}

		return withClient(func(ctx context.Context, c *api.Client) error {
			routes, err := c.GetRoutes(ctx, uint32(id))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if f, ok := w.(*os.File); ok && term.IsTerminal(int(os.Stdin.Fd())) {
				oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
				if err == nil {
					defer term.Restore(int(os.Stdin.Fd()), oldState)
					p := newPager(os.Stdin, f)
					renderRoutes(p, routes, terminalWidth(f))
					return nil
				}
			}

			renderRoutes(w, routes, terminalWidth(w))
			return nil
		})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show packet delivery metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, err := c.GetMetrics(ctx)
			if err != nil {
				return err
			}
			renderMetrics(cmd.OutOrStdout(), m)
			return nil
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start sending host traffic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.StartPacketSending(ctx)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop sending host traffic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.StopPacketSending(ctx)
		})
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Shut simd down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Shutdown(ctx)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.socket, "socket", config.DefaultSocket, "path to the simd socket")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "how long to wait for simd")

	rootCmd.AddCommand(versionCmd, statusCmd, routesCmd, metricsCmd, startCmd, stopCmd, shutdownCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
