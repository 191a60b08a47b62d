package e2e

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec_gateway/internal/admission"
	"exec_gateway/internal/config"
	"exec_gateway/internal/coordinator"
	"exec_gateway/internal/core"
	"exec_gateway/internal/fatfinger"
	"exec_gateway/internal/gateway"
	"exec_gateway/internal/idgen"
	"exec_gateway/internal/ledger"
	"exec_gateway/internal/marketdata"
	"exec_gateway/internal/mock"
	"exec_gateway/internal/modification"
	"exec_gateway/internal/reconcile"
	"exec_gateway/internal/reservation"
	"exec_gateway/internal/safety"
	"exec_gateway/internal/slicing"
	"exec_gateway/internal/webhook"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/logging"
)

const symbol = "AAPL"

var tradeDate = time.Date(2024, 10, 17, 0, 0, 0, 0, time.UTC)

// stack is a fully wired gateway over in-memory backends and the mock broker
type stack struct {
	gw         *gateway.Gateway
	ledger     *ledger.MemoryLedger
	coord      *coordinator.MemoryCoordinator
	broker     *mock.MockBroker
	reconciler *reconcile.StartupReconciler
	scheduler  *slicing.SliceScheduler
	recovery   *safety.RecoveryManager
	ingestor   *webhook.Ingestor
}

type stackOpts struct {
	dryRun         bool
	withReconciler bool
}

func newStack(t *testing.T, opts stackOpts) *stack {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	coord := coordinator.NewMemoryCoordinator()
	led := ledger.NewMemoryLedger()
	brk := mock.NewMockBroker("mock")
	brk.SetQuote(symbol, decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.50))

	quotes := marketdata.NewQuoteCache(brk, time.Minute, logger)
	advs := marketdata.NewADVCache()
	advs.Seed(symbol, decimal.NewFromInt(50_000_000))

	appCfg := config.AppConfig{StrategyID: "alpha_baseline", DryRun: opts.dryRun}
	riskCfg := config.RiskConfig{
		MaxNotional:        10_000_000,
		MaxQty:             10000,
		MaxADVPct:          5,
		MaxPriceAgeSeconds: 30,
		MaxPositionDefault: 100000,
	}
	concCfg := config.ConcurrencyConfig{
		SchedulerPoolSize:   4,
		SchedulerPoolBuffer: 64,
		IngestPoolSize:      4,
		IngestPoolBuffer:    64,
	}

	killSwitch := safety.NewKillSwitch(coord, nil, logger)
	breaker := safety.NewCircuitBreaker(coord, nil, logger)
	resv := reservation.NewService(coord, 30*time.Second, logger)
	ff := fatfinger.NewValidator(riskCfg, quotes, advs, logger)

	var reconciler *reconcile.StartupReconciler
	if opts.withReconciler {
		reconciler = reconcile.NewStartupReconciler(
			config.ReconciliationConfig{StartupTimeoutSeconds: 60, IntervalSeconds: 300, OrderLookbackHours: 24},
			config.ModificationConfig{LockTimeoutSeconds: 5, SweepIntervalSeconds: 60, PendingAgeSeconds: 60},
			reconcile.Deps{Ledger: led, Broker: brk, Coordinator: coord},
			logger,
		)
	}

	scheduler := slicing.NewSliceScheduler(slicing.SchedulerDeps{
		Ledger:      led,
		Broker:      brk,
		Reservation: resv,
		KillSwitch:  killSwitch,
		Breaker:     breaker,
		Coordinator: coord,
	}, riskCfg, concCfg, logger)
	require.NoError(t, scheduler.Start(context.Background()))
	t.Cleanup(func() { _ = scheduler.Stop() })

	recovery := safety.NewRecoveryManager(coord, safety.Factories{
		KillSwitch:     func() core.IKillSwitch { return killSwitch },
		CircuitBreaker: func() core.ICircuitBreaker { return breaker },
		Reservation:    func() core.IReservationService { return resv },
		SliceScheduler: func() core.ISliceScheduler { return scheduler },
	}, logger)
	require.NoError(t, recovery.AttemptRecovery(context.Background()))

	deps := admission.Deps{
		Ledger:      led,
		Coordinator: coord,
		Broker:      brk,
		KillSwitch:  killSwitch,
		Breaker:     breaker,
		Recovery:    recovery,
		Reservation: resv,
		FatFinger:   ff,
	}
	if reconciler != nil {
		deps.Reconciler = reconciler
	}
	pipeline := admission.NewPipeline(appCfg, riskCfg, deps, logger)

	engine := modification.NewEngine(
		config.ModificationConfig{LockTimeoutSeconds: 5},
		riskCfg,
		modification.Deps{
			Ledger:      led,
			Broker:      brk,
			KillSwitch:  killSwitch,
			Breaker:     breaker,
			Coordinator: coord,
			Reservation: resv,
		},
		logger,
	)

	ingestor := webhook.NewIngestor(config.WebhookConfig{}, concCfg, led, coord, logger)
	t.Cleanup(ingestor.Stop)

	gwDeps := gateway.Deps{
		Ledger:       led,
		Coordinator:  coord,
		Broker:       brk,
		Admission:    pipeline,
		Modification: engine,
		Slicer: slicing.NewTwapSlicer(config.SlicerConfig{
			MinSlices:          1,
			MinSliceQty:        1,
			MinDurationMinutes: 1,
			MaxDurationMinutes: 390,
			MinIntervalSeconds: 1,
			MaxIntervalSeconds: 3600,
		}),
		Scheduler:  scheduler,
		Ingestor:   ingestor,
		KillSwitch: killSwitch,
		Breaker:    breaker,
	}
	if reconciler != nil {
		gwDeps.Reconciler = reconciler
	}

	return &stack{
		gw:         gateway.NewGateway(appCfg, gwDeps, logger),
		ledger:     led,
		coord:      coord,
		broker:     brk,
		reconciler: reconciler,
		scheduler:  scheduler,
		recovery:   recovery,
		ingestor:   ingestor,
	}
}

func auth() core.AuthContext {
	return core.AuthContext{Subject: "svc", StrategyID: "alpha_baseline"}
}

func marketOrder(side core.Side, qty int64) *core.OrderRequest {
	return &core.OrderRequest{
		Symbol:         symbol,
		Side:           side,
		Qty:            qty,
		OrderType:      core.OrderTypeMarket,
		TimeInForce:    core.TIFDay,
		ExecutionStyle: core.StyleInstant,
		StrategyID:     "alpha_baseline",
		TradeDate:      tradeDate,
	}
}

// Scenario: dry-run submissions validate, persist, and never reach the broker
func TestDryRunSubmission(t *testing.T) {
	s := newStack(t, stackOpts{dryRun: true})
	ctx := context.Background()

	req := marketOrder(core.SideBuy, 10)
	res, err := s.gw.SubmitOrder(ctx, req, auth())
	require.NoError(t, err)

	wantID := idgen.FromRequest(req, tradeDate)
	assert.Equal(t, wantID, res.Order.ClientOrderID, "id must follow the deterministic recipe")
	assert.Equal(t, core.StatusDryRun, res.Order.Status)
	assert.True(t, strings.Contains(res.Message, "dry_run"), "response must flag dry-run mode")
	assert.Equal(t, 0, s.broker.SubmitCount(), "dry-run must not touch the broker")

	reserved, err := s.coord.ActiveReservedQty(ctx, symbol)
	require.NoError(t, err)
	assert.True(t, reserved.IsZero(), "dry-run must not hold a reservation")
}

// Scenario: concurrent identical submissions collapse onto one order and
// one broker dispatch
func TestConcurrentIdenticalSubmits(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	const callers = 2
	results := make([]*core.SubmitResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.gw.SubmitOrder(ctx, marketOrder(core.SideBuy, 10), auth())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, results[0].Order.ClientOrderID, results[1].Order.ClientOrderID,
		"both callers must observe the same order")
	assert.Equal(t, 1, s.broker.SubmitCount(), "exactly one broker submission")

	reserved, err := s.coord.ActiveReservedQty(ctx, symbol)
	require.NoError(t, err)
	assert.True(t, reserved.Equal(decimal.NewFromInt(10)),
		"one confirmed reservation survives, the loser's is released")
}

// Scenario: triple submit of the same request yields one row and three
// consistent responses
func TestTripleSubmitIdempotent(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	first, err := s.gw.SubmitOrder(ctx, marketOrder(core.SideBuy, 10), auth())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		replay, err := s.gw.SubmitOrder(ctx, marketOrder(core.SideBuy, 10), auth())
		require.NoError(t, err)
		assert.True(t, replay.Idempotent)
		assert.Equal(t, first.Order.ClientOrderID, replay.Order.ClientOrderID)
	}
	assert.Equal(t, 1, s.broker.SubmitCount())
}

// Scenario: TWAP 103 over 5m at 60s intervals front-loads [21 21 21 20 20]
// and cancellation stops the untouched tail
func TestTwapSliceDistributionAndCancel(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	limit := decimal.NewFromFloat(150.00)
	req := &slicing.Request{
		OrderRequest: core.OrderRequest{
			Symbol:         symbol,
			Side:           core.SideBuy,
			Qty:            103,
			OrderType:      core.OrderTypeLimit,
			LimitPrice:     &limit,
			TimeInForce:    core.TIFDay,
			ExecutionStyle: core.StyleTWAP,
			StrategyID:     "alpha_baseline",
			TradeDate:      tradeDate,
		},
		DurationMinutes: 5,
		IntervalSeconds: 60,
	}

	plan, err := s.gw.SubmitSlicedOrder(ctx, req, auth())
	require.NoError(t, err)
	require.Equal(t, 5, plan.TotalSlices)

	wantQty := []int64{21, 21, 21, 20, 20}
	seen := make(map[string]bool)
	for i, slice := range plan.Slices {
		assert.Equal(t, wantQty[i], slice.Qty, "slice %d qty", i)
		assert.False(t, seen[slice.ClientOrderID], "slice ids must be unique")
		seen[slice.ClientOrderID] = true
		if i > 0 {
			gap := slice.ScheduledTime.Sub(plan.Slices[i-1].ScheduledTime)
			assert.Equal(t, 60*time.Second, gap, "slice %d interval", i)
		}
	}

	parent, err := s.gw.GetOrder(ctx, plan.ParentOrderID, auth())
	require.NoError(t, err)
	require.NotNil(t, parent.TotalSlices)
	assert.Equal(t, 5, *parent.TotalSlices)
	assert.Nil(t, parent.ScheduledTime, "the parent row carries no slice schedule")

	n, err := s.gw.CancelSlicesForParent(ctx, plan.ParentOrderID, auth())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3, "at least the tail slices cancel")

	children, err := s.gw.GetSlicesForParent(ctx, plan.ParentOrderID, auth())
	require.NoError(t, err)
	canceled := 0
	for _, child := range children {
		if child.Status == core.StatusCanceled {
			canceled++
		}
	}
	assert.Equal(t, n, canceled)
}

// Scenario: a late out-of-order accepted event never rolls back a fill
func TestLateAcceptedNeverRollsBackFill(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	res, err := s.gw.SubmitOrder(ctx, marketOrder(core.SideBuy, 10), auth())
	require.NoError(t, err)
	id := res.Order.ClientOrderID

	fillAt := time.Date(2024, 10, 17, 15, 0, 0, 0, time.UTC)
	avg := decimal.NewFromFloat(150.25)
	require.NoError(t, s.ingestor.Apply(ctx, &core.OrderUpdate{
		ClientOrderID:   id,
		Symbol:          symbol,
		Side:            core.SideBuy,
		Status:          core.StatusFilled,
		FilledQty:       decimal.NewFromInt(10),
		FilledAvgPrice:  &avg,
		FillID:          "f-1",
		FillQty:         decimal.NewFromInt(10),
		FillPrice:       &avg,
		BrokerUpdatedAt: fillAt,
		Source:          core.SourceWebhook,
	}))

	// Late event from 5 seconds before the fill
	require.NoError(t, s.ingestor.Apply(ctx, &core.OrderUpdate{
		ClientOrderID:   id,
		Symbol:          symbol,
		Side:            core.SideBuy,
		Status:          core.StatusAccepted,
		BrokerUpdatedAt: fillAt.Add(-5 * time.Second),
		Source:          core.SourceWebhook,
	}))

	order, err := s.gw.GetOrder(ctx, id, auth())
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.NewFromInt(10)))

	pos, err := s.ledger.GetPositionBySymbol(ctx, symbol)
	require.NoError(t, err)
	assert.True(t, pos.Qty.Equal(decimal.NewFromInt(10)), "the fill's position effect survives")
}

// Scenario: reduce-only gating while startup reconciliation is incomplete
func TestReduceOnlyDuringReconciliation(t *testing.T) {
	s := newStack(t, stackOpts{withReconciler: true})
	ctx := context.Background()

	s.broker.SetPosition(symbol, decimal.NewFromInt(100), decimal.NewFromFloat(150.00))
	require.Equal(t, core.ReconcileInProgress, s.reconciler.State())

	_, err := s.gw.SubmitOrder(ctx, marketOrder(core.SideSell, 30), auth())
	require.NoError(t, err, "risk-reducing sell must pass")

	_, err = s.gw.SubmitOrder(ctx, marketOrder(core.SideBuy, 10), auth())
	var sge *apperrors.SafetyGateError
	require.ErrorAs(t, err, &sge)
	assert.Equal(t, "reconciliation", sge.Gate)
	assert.ErrorIs(t, err, apperrors.ErrReconciliationIncomplete)

	// Broker position lookup failure fails both directions
	s.broker.SetPositionError(errors.New("position service down"))
	_, err = s.gw.SubmitOrder(ctx, marketOrder(core.SideSell, 5), auth())
	assert.Equal(t, apperrors.KindAvailability, apperrors.KindOf(err))
	_, err = s.gw.SubmitOrder(ctx, marketOrder(core.SideBuy, 5), auth())
	assert.Equal(t, apperrors.KindAvailability, apperrors.KindOf(err))
}

// Scenario: a qty fat-finger breach reports thresholds and actuals and holds
// no reservation
func TestFatFingerQtyBreach(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	_, err := s.gw.SubmitOrder(ctx, marketOrder(core.SideBuy, 10001), auth())
	var ffe *apperrors.FatFingerError
	require.ErrorAs(t, err, &ffe)
	require.Len(t, ffe.Breaches, 1)
	assert.Equal(t, "qty", ffe.Breaches[0].Check)
	assert.Equal(t, "10000", ffe.Breaches[0].Threshold)
	assert.Equal(t, "10001", ffe.Breaches[0].Actual)

	reserved, err := s.coord.ActiveReservedQty(ctx, symbol)
	require.NoError(t, err)
	assert.True(t, reserved.IsZero(), "a gate refusal must not leave a reservation behind")
}

// Admission stays closed while any safety component is flagged unavailable
func TestNoAdmissionWhileSafetyUnavailable(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	quotes := marketdata.NewQuoteCache(s.broker, time.Minute, logger)
	advs := marketdata.NewADVCache()
	advs.Seed(symbol, decimal.NewFromInt(50_000_000))
	riskCfg := config.RiskConfig{
		MaxNotional:        10_000_000,
		MaxQty:             10000,
		MaxADVPct:          5,
		MaxPriceAgeSeconds: 30,
		MaxPositionDefault: 100000,
	}
	killSwitch := safety.NewKillSwitch(s.coord, nil, logger)
	breaker := safety.NewCircuitBreaker(s.coord, nil, logger)
	resv := reservation.NewService(s.coord, 30*time.Second, logger)
	unrecovered := safety.NewRecoveryManager(s.coord, safety.Factories{
		KillSwitch:     func() core.IKillSwitch { return killSwitch },
		CircuitBreaker: func() core.ICircuitBreaker { return breaker },
		Reservation:    func() core.IReservationService { return resv },
		SliceScheduler: func() core.ISliceScheduler { return s.scheduler },
	}, logger)
	require.True(t, unrecovered.NeedsRecovery(), "components start flagged")
	guarded := admission.NewPipeline(
		config.AppConfig{StrategyID: "alpha_baseline"},
		riskCfg,
		admission.Deps{
			Ledger:      s.ledger,
			Coordinator: s.coord,
			Broker:      s.broker,
			KillSwitch:  killSwitch,
			Breaker:     breaker,
			Recovery:    unrecovered,
			Reservation: resv,
			FatFinger:   fatfinger.NewValidator(riskCfg, quotes, advs, logger),
		},
		logger,
	)

	_, err = guarded.Submit(ctx, marketOrder(core.SideBuy, 10), auth())
	assert.Equal(t, apperrors.KindAvailability, apperrors.KindOf(err))

	require.NoError(t, unrecovered.AttemptRecovery(ctx))
	_, err = guarded.Submit(ctx, marketOrder(core.SideBuy, 10), auth())
	assert.NoError(t, err, "admission opens once recovery passes")
}

// Modify with the same idempotency key twice produces exactly one replacement
func TestModifyIdempotentByKey(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	limit := decimal.NewFromFloat(150.00)
	req := marketOrder(core.SideBuy, 100)
	req.OrderType = core.OrderTypeLimit
	req.LimitPrice = &limit
	res, err := s.gw.SubmitOrder(ctx, req, auth())
	require.NoError(t, err)

	// The mock broker acknowledges instantly; promote the row so the
	// modification gate sees a working order.
	require.NoError(t, s.ingestor.Apply(ctx, &core.OrderUpdate{
		ClientOrderID:   res.Order.ClientOrderID,
		Symbol:          symbol,
		Side:            core.SideBuy,
		Status:          core.StatusAccepted,
		BrokerUpdatedAt: time.Now().UTC(),
		Source:          core.SourceWebhook,
	}))

	newPrice := decimal.NewFromFloat(149.50)
	first, err := s.gw.ModifyOrder(ctx, res.Order.ClientOrderID, &core.ReplaceParams{LimitPrice: &newPrice}, "mod-key-1", auth())
	require.NoError(t, err)
	require.Equal(t, core.ModCompleted, first.Record.Status)

	replay, err := s.gw.ModifyOrder(ctx, res.Order.ClientOrderID, &core.ReplaceParams{LimitPrice: &newPrice}, "mod-key-1", auth())
	require.NoError(t, err)
	assert.Equal(t, first.Record.ModificationID, replay.Record.ModificationID)
	assert.Equal(t, first.Replacement.ClientOrderID, replay.Replacement.ClientOrderID)

	original, err := s.gw.GetOrder(ctx, res.Order.ClientOrderID, auth())
	require.NoError(t, err)
	assert.Equal(t, core.StatusReplaced, original.Status)
}
