package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"freightflow/account"
	"freightflow/commission"
	"freightflow/config"
	"freightflow/contract"
	"freightflow/db"
	"freightflow/logger"
	"freightflow/offer"
	"freightflow/payment"
	"freightflow/settlement"
)

// app holds the services every command shares.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	pool       *pgxpool.Pool
	accounts   *account.Service
	orch       *payment.Orchestrator
	offers     *offer.Service
	contracts  *contract.Service
	reconciler *settlement.Reconciler
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.New(cfg.Environment), nil
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return nil, err
	}

	calc, err := commission.NewCalculator(commission.Policy{
		CarrierPercent:  cfg.Commission.CarrierPercent,
		BrokerPercent:   cfg.Commission.BrokerPercent,
		PlatformPercent: cfg.Commission.PlatformPercent,
		MinorUnits:      payment.Exponent(cfg.Payment.Currency),
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	processor := payment.NewStripeProcessor(cfg.Payment.StripeSecretKey, cfg.Payment.RateLimit)
	accounts := account.NewService(account.NewRepository(pool))
	orch := payment.NewOrchestrator(payment.NewPGStore(pool), processor, accounts, log).
		WithCurrency(cfg.Payment.Currency).
		WithRetry(cfg.Payment.MaxRetries, cfg.Payment.Timeout)
	reconciler := settlement.NewReconciler(settlement.NewPGStore(pool), log)

	offers := offer.NewService(offer.NewPGStore(pool), orch, log).
		WithDepositPercent(cfg.Payment.DepositPercent).
		WithCurrency(cfg.Payment.Currency)
	contracts := contract.NewService(contract.NewPGStore(pool), calc, orch, orch, log).
		WithSettler(reconciler).
		WithPolicyText(contract.PolicyText{
			PaymentTerms:         cfg.Contract.PaymentTerms,
			CancellationPolicy:   cfg.Contract.CancellationPolicy,
			InsuranceRequirement: cfg.Contract.InsuranceRequirement,
		})

	return &app{
		cfg:        cfg,
		log:        log,
		pool:       pool,
		accounts:   accounts,
		orch:       orch,
		offers:     offers,
		contracts:  contracts,
		reconciler: reconciler,
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}
