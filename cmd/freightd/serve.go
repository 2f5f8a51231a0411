package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"freightflow/api"
	"freightflow/auth"
	"freightflow/matching"
	"freightflow/outbox"
	"freightflow/settlement"
	"freightflow/sweeper"
)

func serveCmd() *cobra.Command {
	var noSweeper bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, expiry sweeper and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireServe(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			matcher, err := matching.NewClient(cfg.Matching.URL, cfg.Matching.APIKey, cfg.Matching.Threshold, log)
			if err != nil {
				return err
			}

			handler := api.NewHandler(api.Deps{
				Offers:     a.offers,
				Contracts:  a.contracts,
				Accounts:   a.accounts,
				Reconciler: a.reconciler,
				Webhooks:   settlement.NewStripeVerifier(cfg.Payment.StripeWebhookSecret),
				Matcher:    matcher,
				Log:        log,
			})
			router := api.NewRouter(handler, api.Auth(auth.NewVerifier(cfg.Auth.AccessSecret)), cfg.Environment, cfg.HTTP.CORSOrigins, log)

			srv := &http.Server{
				Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", srv.Addr).Msg("starting freightd")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if !noSweeper {
				sw := sweeper.New(a.offers, a.contracts, log).
					WithInterval(cfg.Sweep.Interval).
					WithBatch(cfg.Sweep.BatchSize).
					WithWorkers(cfg.Sweep.Workers)
				g.Go(func() error { return sw.Run(gctx) })
			}

			if len(cfg.Outbox.KafkaBrokers) > 0 {
				pub := outbox.NewKafkaPublisher(cfg.Outbox.KafkaBrokers, cfg.Outbox.KafkaTopic)
				defer pub.Close()
				relay := outbox.NewRelay(a.pool, pub, log, cfg.Outbox.PollInterval, 100)
				g.Go(func() error { return relay.Run(gctx) })
			} else {
				log.Warn().Msg("KAFKA_BROKERS not set, outbox relay disabled")
			}

			err = g.Wait()
			log.Info().Msg("freightd stopped")
			return err
		},
	}

	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the sweeper in this process")
	return cmd
}
