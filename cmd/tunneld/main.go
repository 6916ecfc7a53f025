// Command tunneld runs the tunnel shop daemon: it provisions VPN servers
// against orders, issues peer credentials, reconciles deposits, and exposes
// the operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tunnelbay/tunnelbay/internal/billing"
	"github.com/tunnelbay/tunnelbay/internal/cache"
	"github.com/tunnelbay/tunnelbay/internal/chain"
	"github.com/tunnelbay/tunnelbay/internal/config"
	"github.com/tunnelbay/tunnelbay/internal/invoice"
	"github.com/tunnelbay/tunnelbay/internal/locks"
	"github.com/tunnelbay/tunnelbay/internal/notify"
	"github.com/tunnelbay/tunnelbay/internal/opsapi"
	"github.com/tunnelbay/tunnelbay/internal/orchestrator"
	"github.com/tunnelbay/tunnelbay/internal/procure"
	"github.com/tunnelbay/tunnelbay/internal/protocol"
	"github.com/tunnelbay/tunnelbay/internal/reconcile"
	"github.com/tunnelbay/tunnelbay/internal/remote"
	"github.com/tunnelbay/tunnelbay/internal/storage"
	"github.com/tunnelbay/tunnelbay/internal/storage/memory"
	"github.com/tunnelbay/tunnelbay/internal/storage/postgres"
	"github.com/tunnelbay/tunnelbay/internal/sweep"
	"github.com/tunnelbay/tunnelbay/internal/system"
	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config/tunneld.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tunneld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault()
	}
	if err != nil {
		return err
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	log.Info("tunneld starting")

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var sharedCache cache.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sharedCache = cache.NewRedis(rdb, cfg.Redis.KeyPrefix)
	} else {
		sharedCache = cache.NewMemory()
	}

	provider, err := procure.NewClient(procure.Config{
		BaseURL:              cfg.Provider.BaseURL,
		Token:                cfg.Provider.Token,
		RequestsPerSecond:    cfg.Provider.RequestsPerSecond,
		PollTimeout:          cfg.Provider.PollTimeout.Std(),
		CacheTTL:             cfg.Provider.CacheTTL.Std(),
		FailOpenAvailability: cfg.Provider.FailOpenAvailability,
	}, sharedCache, log.WithField("component", "procure"))
	if err != nil {
		return err
	}

	runner := remote.NewRunner(remote.Config{}, log.WithField("component", "remote"))
	protocols := protocol.NewDefaultRegistry(runner)

	billingMgr := billing.NewManager(store, billing.Config{
		BonusTiers:   bonusTiers(cfg.Billing.BonusTiers),
		ReferralRate: cfg.Billing.ReferralRate,
	}, log.WithField("component", "billing"))

	var feed reconcile.ChainFeed
	if cfg.Chain.RPCURL != "" {
		chainClient, err := chain.NewClient(chain.Config{
			RPCURL:           cfg.Chain.RPCURL,
			ReceivingAddress: cfg.Chain.ReceivingAddress,
			AssetDecimals:    cfg.Chain.AssetDecimals,
		})
		if err != nil {
			return err
		}
		feed = chainClient
	}

	var gateway reconcile.InvoiceGateway
	if cfg.Invoice.BaseURL != "" {
		invoiceClient, err := invoice.NewClient(invoice.Config{
			BaseURL:     cfg.Invoice.BaseURL,
			APIKey:      cfg.Invoice.APIKey,
			CreatePath:  cfg.Invoice.CreatePath,
			StatusPath:  cfg.Invoice.StatusPath,
			IDField:     cfg.Invoice.IDField,
			URLField:    cfg.Invoice.URLField,
			StatusField: cfg.Invoice.StatusField,
			PaidValues:  cfg.Invoice.PaidValues,
		})
		if err != nil {
			return err
		}
		gateway = invoiceClient
	}

	engine := reconcile.NewEngine(store, feed, gateway, billingMgr, reconcile.Config{
		SuffixRange:     cfg.Reconcile.SuffixRange,
		IntentTTL:       cfg.Reconcile.IntentTTL.Std(),
		ChainLookback:   cfg.Reconcile.ChainLookback.Std(),
		AccountDecimals: cfg.Reconcile.AccountDecimals,
		InvoiceCurrency: cfg.Reconcile.InvoiceCurrency,
	}, log.WithField("component", "reconcile"))

	lockRegistry := locks.NewRegistry(locks.RegistryConfig{ReapThreshold: cfg.Limits.LockReapThreshold})
	heavy := locks.NewAdmission(locks.AdmissionConfig{MaxConcurrent: cfg.Limits.MaxProvisioning})
	light := locks.NewAdmission(locks.AdmissionConfig{MaxConcurrent: cfg.Limits.MaxPeerOps})

	notifyLog := log.WithField("component", "notify")
	notifier := notify.New(&notify.LogSender{Log: notifyLog}, &notify.LogSender{Log: notifyLog}, "operators", notifyLog)

	orch := orchestrator.New(store, lockRegistry, heavy, light, provider, protocols, billingMgr, notifier, orchestrator.Config{
		BasePrice:    cfg.Orders.BasePrice,
		PricePerPeer: cfg.Orders.PricePerPeer,
		TermDays:     cfg.Orders.TermDays,
		SSHPort:      cfg.Orders.SSHPort,
	}, log.WithField("component", "orchestrator"))

	sweeper := sweep.NewRunner(sweep.Config{
		DepositSchedule: cfg.Sweep.DepositSchedule,
		ExpirySchedule:  cfg.Sweep.ExpirySchedule,
		ReapSchedule:    cfg.Sweep.ReapSchedule,
	}, lockRegistry, store, engine, orch, log.WithField("component", "sweep"))

	opsServer := opsapi.NewServer(opsapi.Config{Addr: cfg.Ops.Addr}, engine, sweeper, log.WithField("component", "opsapi"))

	manager := system.NewManager(log)
	manager.Register(system.Func("sweep",
		func(ctx context.Context) error { return sweeper.Start() },
		func(ctx context.Context) error { sweeper.Stop(); return nil },
	))
	manager.Register(system.Func("opsapi",
		func(ctx context.Context) error {
			go func() {
				if err := opsServer.Start(); err != nil {
					log.WithError(err).Error("ops API server exited")
				}
			}()
			return nil
		},
		func(ctx context.Context) error { return opsServer.Shutdown(ctx) },
	))

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	manager.Stop(shutdownCtx)
	heavy.Close()
	light.Close()
	return nil
}

func openStore(cfg *config.Config, log *logger.Logger) (storage.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using in-memory store")
		return memory.New(), func() {}, nil
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return nil, nil, err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := postgres.Connect(ctx, postgres.Config{
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func bonusTiers(tiers []config.BonusTier) []billing.BonusTier {
	out := make([]billing.BonusTier, len(tiers))
	for i, t := range tiers {
		out[i] = billing.BonusTier{Threshold: t.Threshold, FixedBonus: t.FixedBonus, Multiplier: t.Multiplier}
	}
	return out
}
