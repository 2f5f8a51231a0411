package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"freightflow/sweeper"
)

func sweepCmd() *cobra.Command {
	var release bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			sw := sweeper.New(a.offers, a.contracts, log).
				WithBatch(cfg.Sweep.BatchSize).
				WithWorkers(cfg.Sweep.Workers)

			rep, err := sw.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expire: scanned=%d expired=%d skipped=%d failed=%d\n", rep.Scanned, rep.Done, rep.Skipped, rep.Failed)

			if release {
				rep, err = sw.ReleaseOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "release: scanned=%d released=%d skipped=%d failed=%d\n", rep.Scanned, rep.Done, rep.Skipped, rep.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&release, "release", false, "also retry escrow release for delivered contracts")
	return cmd
}
