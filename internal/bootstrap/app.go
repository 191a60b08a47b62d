// Package bootstrap assembles the execution gateway from configuration:
// ledger, coordinator, broker, safety mechanisms, admission, slicing,
// modification, webhook ingestion, reconciliation, and observability.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"exec_gateway/internal/admission"
	"exec_gateway/internal/alert"
	"exec_gateway/internal/broker"
	"exec_gateway/internal/config"
	"exec_gateway/internal/coordinator"
	"exec_gateway/internal/core"
	"exec_gateway/internal/fatfinger"
	"exec_gateway/internal/gateway"
	"exec_gateway/internal/infrastructure/health"
	"exec_gateway/internal/infrastructure/metrics"
	"exec_gateway/internal/ledger"
	"exec_gateway/internal/marketdata"
	"exec_gateway/internal/mock"
	"exec_gateway/internal/modification"
	"exec_gateway/internal/reconcile"
	"exec_gateway/internal/reservation"
	"exec_gateway/internal/safety"
	"exec_gateway/internal/slicing"
	"exec_gateway/internal/webhook"
	"exec_gateway/pkg/telemetry"
)

const healthProbeTimeout = 3 * time.Second

// App owns the constructed components and their lifecycles
type App struct {
	Cfg     *config.Config
	Logger  core.ILogger
	Gateway *gateway.Gateway

	telemetry   *telemetry.Telemetry
	ledger      core.ILedger
	coordinator core.ICoordinator
	broker      core.IBrokerClient
	recovery    *safety.RecoveryManager
	reconciler  *reconcile.StartupReconciler
	scheduler   *slicing.SliceScheduler
	quotes      *marketdata.QuoteCache
	ingestor    *webhook.Ingestor
	stream      *broker.TradeStream
	metricsSrv  *metrics.Server
	health      *health.HealthManager
}

// NewApp wires every component from the validated configuration. Nothing
// starts here; Run owns the lifecycles.
func NewApp(cfg *config.Config, logger core.ILogger) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("exec_gateway")
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.telemetry = tel
	}

	led, err := buildLedger(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	a.ledger = led

	coord, err := buildCoordinator(cfg.Coordinator, logger)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	a.coordinator = coord

	a.broker = buildBroker(cfg.Broker, logger)

	alerts := alert.NewManagerFromConfig(cfg.Alerts, logger)

	killSwitch := safety.NewKillSwitch(coord, alerts, logger)
	breaker := safety.NewCircuitBreaker(coord, alerts, logger)
	resv := reservation.NewService(coord, time.Duration(cfg.Risk.ReservationTTL)*time.Second, logger)

	a.quotes = marketdata.NewQuoteCache(a.broker, time.Duration(cfg.Timing.QuotePollInterval)*time.Second, logger)
	advs := marketdata.NewADVCache()
	fatFinger := fatfinger.NewValidator(cfg.Risk, a.quotes, advs, logger)

	a.reconciler = reconcile.NewStartupReconciler(cfg.Reconciliation, cfg.Modification, reconcile.Deps{
		Ledger:      led,
		Broker:      a.broker,
		Coordinator: coord,
		Alerts:      alerts,
	}, logger)

	a.scheduler = slicing.NewSliceScheduler(slicing.SchedulerDeps{
		Ledger:      led,
		Broker:      a.broker,
		Reservation: resv,
		KillSwitch:  killSwitch,
		Breaker:     breaker,
		Coordinator: coord,
		Reconciler:  a.reconciler,
	}, cfg.Risk, cfg.Concurrency, logger)

	a.recovery = safety.NewRecoveryManager(coord, safety.Factories{
		KillSwitch:     func() core.IKillSwitch { return killSwitch },
		CircuitBreaker: func() core.ICircuitBreaker { return breaker },
		Reservation:    func() core.IReservationService { return resv },
		SliceScheduler: func() core.ISliceScheduler { return a.scheduler },
	}, logger)

	pipeline := admission.NewPipeline(cfg.App, cfg.Risk, admission.Deps{
		Ledger:      led,
		Coordinator: coord,
		Broker:      a.broker,
		KillSwitch:  killSwitch,
		Breaker:     breaker,
		Recovery:    a.recovery,
		Reconciler:  a.reconciler,
		Reservation: resv,
		FatFinger:   fatFinger,
	}, logger)

	engine := modification.NewEngine(cfg.Modification, cfg.Risk, modification.Deps{
		Ledger:      led,
		Broker:      a.broker,
		KillSwitch:  killSwitch,
		Breaker:     breaker,
		Coordinator: coord,
		Reservation: resv,
	}, logger)

	a.ingestor = webhook.NewIngestor(cfg.Webhook, cfg.Concurrency, led, coord, logger)
	a.stream = broker.NewTradeStream(cfg.Broker, cfg.Timing, a.ingestor.AsyncApply, logger)

	a.Gateway = gateway.NewGateway(cfg.App, gateway.Deps{
		Ledger:       led,
		Coordinator:  coord,
		Broker:       a.broker,
		Admission:    pipeline,
		Modification: engine,
		Slicer:       slicing.NewTwapSlicer(cfg.Slicer),
		Scheduler:    a.scheduler,
		Ingestor:     a.ingestor,
		KillSwitch:   killSwitch,
		Breaker:      breaker,
		Reconciler:   a.reconciler,
	}, logger)

	a.health = health.NewHealthManager(logger)
	a.health.Register("coordinator", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()
		return coord.Health(ctx)
	})
	a.health.Register("broker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()
		return a.broker.CheckHealth(ctx)
	})
	a.health.Register("scheduler", func() error {
		if !a.scheduler.IsRunning() {
			return fmt.Errorf("slice scheduler stopped")
		}
		return nil
	})
	if cfg.Telemetry.EnableMetrics {
		a.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, a.health, logger)
	}

	return a, nil
}

// Run starts the components and blocks until ctx is canceled or a component
// fails. Shutdown is orderly: ingress stops before the ledger closes.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	a.quotes.Start()

	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.reconciler.Start(gctx); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	if a.Cfg.Broker.StreamURL != "" {
		a.stream.Start()
	}

	// Safety components come up flagged unavailable; the first recovery pass
	// probes them and opens admission.
	if err := a.recovery.AttemptRecovery(gctx); err != nil {
		a.Logger.Warn("Initial recovery incomplete", "error", err)
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(a.Cfg.Timing.HealthPollInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				// A failed coordinator probe re-flags every coordinator-backed
				// component; the next pass re-probes and reopens admission.
				if err := a.health.Probe("coordinator"); err != nil {
					for _, component := range []string{"kill_switch", "circuit_breaker", "position_reservation"} {
						a.recovery.MarkUnavailable(component, err)
					}
				}
				if a.recovery.NeedsRecovery() {
					if err := a.recovery.AttemptRecovery(gctx); err != nil {
						a.Logger.Warn("Recovery attempt failed", "error", err)
					}
				}
			}
		}
	})

	a.Logger.Info("Execution gateway started",
		"strategy_id", a.Cfg.App.StrategyID,
		"dry_run", a.Cfg.App.DryRun,
		"broker", a.broker.GetName())

	<-gctx.Done()
	a.Logger.Info("Shutting down")
	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (a *App) shutdown() {
	if a.Cfg.Broker.StreamURL != "" {
		a.stream.Stop()
	}
	if err := a.reconciler.Stop(); err != nil {
		a.Logger.Error("Reconciler stop failed", "error", err)
	}
	if err := a.scheduler.Stop(); err != nil {
		a.Logger.Error("Scheduler stop failed", "error", err)
	}
	a.ingestor.Stop()
	a.quotes.Stop()

	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.Logger.Error("Metrics server stop failed", "error", err)
		}
		cancel()
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Error("Telemetry shutdown failed", "error", err)
		}
		cancel()
	}

	if err := a.coordinator.Close(); err != nil {
		a.Logger.Error("Coordinator close failed", "error", err)
	}
	if err := a.ledger.Close(); err != nil {
		a.Logger.Error("Ledger close failed", "error", err)
	}
}

func buildLedger(cfg config.LedgerConfig) (core.ILedger, error) {
	switch cfg.Driver {
	case "sqlite":
		return ledger.NewSQLiteLedger(cfg.Path)
	case "memory":
		return ledger.NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func buildCoordinator(cfg config.CoordinatorConfig, logger core.ILogger) (core.ICoordinator, error) {
	switch cfg.Backend {
	case "redis":
		return coordinator.NewRedisCoordinator(coordinator.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  string(cfg.RedisPassword),
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
			OpTimeout: time.Duration(cfg.OpTimeoutSeconds) * time.Second,
		}, logger)
	case "memory":
		return coordinator.NewMemoryCoordinator(), nil
	default:
		return nil, fmt.Errorf("unknown coordinator backend %q", cfg.Backend)
	}
}

func buildBroker(cfg config.BrokerConfig, logger core.ILogger) core.IBrokerClient {
	if cfg.Name == "mock" {
		return mock.NewMockBroker("mock")
	}
	return broker.NewRESTClient(cfg, logger)
}
