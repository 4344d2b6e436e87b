package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/bookfinder/pkg/telemetry"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the outbox relay on its own",
	Long: `relay delivers pending outbox events to the configured push channel on a
fixed interval. With --once it runs a single cycle and reports its outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		once, _ := cmd.Flags().GetBool("once")

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
		if err != nil {
			return err
		}
		defer shutdownTelemetry(context.Background())

		a, err := buildApp(ctx, cfg, logger, wiring{relay: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if once {
			stats, err := a.relay.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d sent=%d failed=%d\n", stats.Fetched, stats.Sent, stats.Failed)
			if err != nil {
				return err
			}
			if a.archive != nil {
				n, err := a.archive.ArchiveOnce(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "archived=%d\n", n)
				return err
			}
			return nil
		}

		if a.archive != nil {
			go a.archive.Run(ctx)
		}
		a.relay.Run(ctx)
		return nil
	},
}

func init() {
	relayCmd.Flags().Bool("once", false, "run a single relay cycle and exit")
	rootCmd.AddCommand(relayCmd)
}
