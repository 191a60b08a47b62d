package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/admission"
	"exec_gateway/internal/config"
	"exec_gateway/internal/coordinator"
	"exec_gateway/internal/core"
	"exec_gateway/internal/fatfinger"
	"exec_gateway/internal/ledger"
	"exec_gateway/internal/marketdata"
	"exec_gateway/internal/mock"
	"exec_gateway/internal/modification"
	"exec_gateway/internal/reservation"
	"exec_gateway/internal/safety"
	"exec_gateway/internal/slicing"
	"exec_gateway/internal/webhook"
	apperrors "exec_gateway/pkg/errors"
)

type fixture struct {
	gw        *Gateway
	ledger    *ledger.MemoryLedger
	coord     *coordinator.MemoryCoordinator
	broker    *mock.MockBroker
	scheduler *slicing.SliceScheduler
}

func newFixture(t *testing.T, dryRun bool) *fixture {
	t.Helper()
	log := &mockLogger{}
	coord := coordinator.NewMemoryCoordinator()
	led := ledger.NewMemoryLedger()
	brk := mock.NewMockBroker("mock")
	brk.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.50))

	quotes := marketdata.NewQuoteCache(brk, time.Minute, log)
	advs := marketdata.NewADVCache()
	advs.Seed("AAPL", decimal.NewFromInt(50_000_000))

	appCfg := config.AppConfig{StrategyID: "alpha_baseline", DryRun: dryRun}
	riskCfg := config.RiskConfig{
		MaxNotional:        2_000_000,
		MaxQty:             10000,
		MaxADVPct:          5,
		MaxPriceAgeSeconds: 30,
		MaxPositionDefault: 100000,
	}
	concCfg := config.ConcurrencyConfig{
		SchedulerPoolSize:   2,
		SchedulerPoolBuffer: 16,
		IngestPoolSize:      2,
		IngestPoolBuffer:    16,
	}

	ks := safety.NewKillSwitch(coord, nil, log)
	cb := safety.NewCircuitBreaker(coord, nil, log)
	resv := reservation.NewService(coord, 30*time.Second, log)
	ff := fatfinger.NewValidator(riskCfg, quotes, advs, log)

	pipeline := admission.NewPipeline(appCfg, riskCfg, admission.Deps{
		Ledger:      led,
		Coordinator: coord,
		Broker:      brk,
		KillSwitch:  ks,
		Breaker:     cb,
		Reservation: resv,
		FatFinger:   ff,
	}, log)

	engine := modification.NewEngine(
		config.ModificationConfig{LockTimeoutSeconds: 1},
		riskCfg,
		modification.Deps{
			Ledger:      led,
			Broker:      brk,
			KillSwitch:  ks,
			Breaker:     cb,
			Coordinator: coord,
			Reservation: resv,
		},
		log,
	)

	slicer := slicing.NewTwapSlicer(config.SlicerConfig{
		MinSlices:          1,
		MinSliceQty:        1,
		MinDurationMinutes: 1,
		MaxDurationMinutes: 390,
		MinIntervalSeconds: 1,
		MaxIntervalSeconds: 3600,
	})
	scheduler := slicing.NewSliceScheduler(slicing.SchedulerDeps{
		Ledger:      led,
		Broker:      brk,
		Reservation: resv,
		KillSwitch:  ks,
		Breaker:     cb,
		Coordinator: coord,
	}, riskCfg, concCfg, log)
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	t.Cleanup(func() { _ = scheduler.Stop() })

	ingestor := webhook.NewIngestor(config.WebhookConfig{}, concCfg, led, coord, log)
	t.Cleanup(ingestor.Stop)

	gw := NewGateway(appCfg, Deps{
		Ledger:       led,
		Coordinator:  coord,
		Broker:       brk,
		Admission:    pipeline,
		Modification: engine,
		Slicer:       slicer,
		Scheduler:    scheduler,
		Ingestor:     ingestor,
		KillSwitch:   ks,
		Breaker:      cb,
	}, log)

	return &fixture{gw: gw, ledger: led, coord: coord, broker: brk, scheduler: scheduler}
}

func auth() core.AuthContext {
	return core.AuthContext{Subject: "svc", StrategyID: "alpha_baseline"}
}

func marketBuy(qty int64) *core.OrderRequest {
	return &core.OrderRequest{
		Symbol:         "AAPL",
		Side:           core.SideBuy,
		Qty:            qty,
		OrderType:      core.OrderTypeMarket,
		TimeInForce:    core.TIFDay,
		ExecutionStyle: core.StyleInstant,
		StrategyID:     "alpha_baseline",
		TradeDate:      time.Date(2024, 10, 17, 0, 0, 0, 0, time.UTC),
	}
}

func twapRequest(qty int64) *slicing.Request {
	limit := decimal.NewFromFloat(150.00)
	return &slicing.Request{
		OrderRequest: core.OrderRequest{
			Symbol:         "AAPL",
			Side:           core.SideBuy,
			Qty:            qty,
			OrderType:      core.OrderTypeLimit,
			LimitPrice:     &limit,
			TimeInForce:    core.TIFDay,
			ExecutionStyle: core.StyleTWAP,
			StrategyID:     "alpha_baseline",
			TradeDate:      time.Date(2024, 10, 17, 0, 0, 0, 0, time.UTC),
		},
		DurationMinutes: 5,
		IntervalSeconds: 60,
	}
}

// seedOrder persists an order directly, bypassing admission
func seedOrder(t *testing.T, f *fixture, id string, status core.OrderStatus, brokerOrderID string) *core.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &core.Order{
		ClientOrderID:  id,
		StrategyID:     "alpha_baseline",
		Symbol:         "AAPL",
		Side:           core.SideBuy,
		Qty:            decimal.NewFromInt(100),
		OrderType:      core.OrderTypeMarket,
		TimeInForce:    core.TIFDay,
		ExecutionStyle: core.StyleInstant,
		Status:         status,
		StatusRank:     core.StatusRank(status),
		BrokerOrderID:  brokerOrderID,
		FilledQty:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.ledger.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

// seedPosition writes a ledger position row the way the fill path does
func seedPosition(t *testing.T, f *fixture, symbol string, qty, avg decimal.Decimal) {
	t.Helper()
	err := f.ledger.WithTx(context.Background(), func(tx core.ILedgerTx) error {
		pos, err := tx.GetPositionForUpdate(symbol)
		if err != nil {
			return err
		}
		pos.Qty = qty
		pos.AvgEntryPrice = avg
		pos.UpdatedAt = time.Now().UTC()
		return tx.UpdatePositionOnFill(pos)
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func TestSubmitOrderRejectsTwapStyle(t *testing.T) {
	f := newFixture(t, false)
	req := marketBuy(100)
	req.ExecutionStyle = core.StyleTWAP

	_, err := f.gw.SubmitOrder(context.Background(), req, auth())
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if ve.Field != "execution_style" {
		t.Errorf("Expected execution_style field, got %s", ve.Field)
	}
}

func TestSubmitOrderDispatches(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.gw.SubmitOrder(context.Background(), marketBuy(100), auth())
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.Order.BrokerOrderID == "" {
		t.Error("Expected a broker order id on the dispatched order")
	}
	if res.Order.Status != core.StatusPendingNew {
		t.Errorf("Expected pending_new, got %s", res.Order.Status)
	}
}

func TestGetOrderScopedToStrategy(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(t, f, "ord-scope", core.StatusAccepted, "brk-1")

	if _, err := f.gw.GetOrder(context.Background(), "ord-scope", auth()); err != nil {
		t.Fatalf("Owner lookup failed: %v", err)
	}

	foreign := core.AuthContext{Subject: "svc", StrategyID: "beta_momentum"}
	_, err := f.gw.GetOrder(context.Background(), "ord-scope", foreign)
	if !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Fatalf("Foreign strategy must see not-found, got %v", err)
	}
}

func TestCancelOrderBeforeBrokerDispatch(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(t, f, "ord-local", core.StatusPendingNew, "")

	order, err := f.gw.CancelOrder(context.Background(), "ord-local", auth())
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if order.Status != core.StatusCanceled {
		t.Errorf("Expected canceled, got %s", order.Status)
	}
}

func TestCancelOrderViaBroker(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.gw.SubmitOrder(context.Background(), marketBuy(100), auth())
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	order, err := f.gw.CancelOrder(context.Background(), res.Order.ClientOrderID, auth())
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if order.Status != core.StatusCanceled {
		t.Errorf("Expected canceled, got %s", order.Status)
	}

	bo, err := f.broker.GetOrderByClientID(context.Background(), res.Order.ClientOrderID)
	if err != nil {
		t.Fatalf("Broker lookup: %v", err)
	}
	if bo.Status != core.StatusCanceled {
		t.Errorf("Expected broker-side canceled, got %s", bo.Status)
	}
}

func TestCancelOrderTerminal(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(t, f, "ord-done", core.StatusFilled, "brk-2")

	_, err := f.gw.CancelOrder(context.Background(), "ord-done", auth())
	if !errors.Is(err, apperrors.ErrOrderTerminal) {
		t.Fatalf("Expected ErrOrderTerminal, got %v", err)
	}
}

func TestModifyOrderScopedToStrategy(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(t, f, "ord-mod", core.StatusAccepted, "brk-3")

	foreign := core.AuthContext{Subject: "svc", StrategyID: "beta_momentum"}
	qty := int64(50)
	_, err := f.gw.ModifyOrder(context.Background(), "ord-mod", &core.ReplaceParams{Qty: &qty}, "key-1", foreign)
	if !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Fatalf("Foreign strategy must see not-found, got %v", err)
	}
}

func TestSubmitSlicedOrderIdempotent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	plan, err := f.gw.SubmitSlicedOrder(ctx, twapRequest(100), auth())
	if err != nil {
		t.Fatalf("SubmitSlicedOrder: %v", err)
	}
	if plan.TotalSlices != 5 {
		t.Fatalf("Expected 5 slices for 5m/60s, got %d", plan.TotalSlices)
	}

	replay, err := f.gw.SubmitSlicedOrder(ctx, twapRequest(100), auth())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replay.ParentOrderID != plan.ParentOrderID {
		t.Errorf("Replay must map to the same plan: %s vs %s", replay.ParentOrderID, plan.ParentOrderID)
	}

	children, err := f.gw.GetSlicesForParent(ctx, plan.ParentOrderID, auth())
	if err != nil {
		t.Fatalf("GetSlicesForParent: %v", err)
	}
	if len(children) != 5 {
		t.Errorf("Expected 5 persisted children, got %d", len(children))
	}
}

func TestSubmitSlicedOrderDryRun(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	plan, err := f.gw.SubmitSlicedOrder(ctx, twapRequest(100), auth())
	if err != nil {
		t.Fatalf("SubmitSlicedOrder: %v", err)
	}
	if plan.TotalSlices != 5 {
		t.Errorf("Expected the computed plan, got %d slices", plan.TotalSlices)
	}
	if _, err := f.ledger.GetSlicingPlan(ctx, plan.ParentOrderID); err == nil {
		t.Error("Dry-run must not persist the plan")
	}
}

func TestCancelSlicesForParent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Register the rows without arming timers so the count is deterministic
	parent, children, plan, err := slicing.NewTwapSlicer(config.SlicerConfig{
		MinSlices: 1, MinSliceQty: 1,
		MinDurationMinutes: 1, MaxDurationMinutes: 390,
		MinIntervalSeconds: 1, MaxIntervalSeconds: 3600,
	}).BuildPlan(twapRequest(100), time.Now().UTC())
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if err := f.ledger.RegisterSlicingPlan(ctx, parent, children, plan); err != nil {
		t.Fatalf("RegisterSlicingPlan: %v", err)
	}

	n, err := f.gw.CancelSlicesForParent(ctx, plan.ParentOrderID, auth())
	if err != nil {
		t.Fatalf("CancelSlicesForParent: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 canceled slices, got %d", n)
	}
}

func TestCancelSlicesForParentRequiresTwapParent(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(t, f, "ord-instant", core.StatusAccepted, "brk-4")

	_, err := f.gw.CancelSlicesForParent(context.Background(), "ord-instant", auth())
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
}

func TestFlattenPositionClosesLong(t *testing.T) {
	f := newFixture(t, false)
	seedPosition(t, f, "AAPL", decimal.NewFromInt(40), decimal.NewFromFloat(150.00))

	order, err := f.gw.FlattenPosition(context.Background(), "AAPL", "ops_oncall")
	if err != nil {
		t.Fatalf("FlattenPosition: %v", err)
	}
	if order.Side != core.SideSell {
		t.Errorf("Long position must flatten with a sell, got %s", order.Side)
	}
	if !order.Qty.Equal(decimal.NewFromInt(40)) {
		t.Errorf("Expected qty 40, got %s", order.Qty.String())
	}
	if order.BrokerOrderID == "" {
		t.Error("Expected the flatten order at the broker")
	}

	replay, err := f.gw.FlattenPosition(context.Background(), "AAPL", "ops_oncall")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replay.ClientOrderID != order.ClientOrderID {
		t.Errorf("Replay must resolve to the same order: %s vs %s", replay.ClientOrderID, order.ClientOrderID)
	}

	open, err := f.broker.GetOrders(context.Background(), core.OrdersFilter{Status: "open", Limit: 10})
	if err != nil {
		t.Fatalf("Broker orders: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("Replay must not resubmit: %d broker orders", len(open))
	}
}

func TestFlattenPositionClosesShort(t *testing.T) {
	f := newFixture(t, false)
	seedPosition(t, f, "AAPL", decimal.NewFromInt(-25), decimal.NewFromFloat(150.00))

	order, err := f.gw.FlattenPosition(context.Background(), "AAPL", "ops_oncall")
	if err != nil {
		t.Fatalf("FlattenPosition: %v", err)
	}
	if order.Side != core.SideBuy {
		t.Errorf("Short position must flatten with a buy, got %s", order.Side)
	}
	if !order.Qty.Equal(decimal.NewFromInt(25)) {
		t.Errorf("Expected qty 25, got %s", order.Qty.String())
	}
}

func TestFlattenPositionNothingToClose(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.gw.FlattenPosition(context.Background(), "AAPL", "ops_oncall")
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
}

func TestKillSwitchThroughFacade(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.gw.KillSwitchEngage(ctx, "manual stop", "ops_oncall", "drill"); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	status, err := f.gw.KillSwitchStatus(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Engaged {
		t.Fatal("Expected the kill switch engaged")
	}

	_, err = f.gw.SubmitOrder(ctx, marketBuy(100), auth())
	var sge *apperrors.SafetyGateError
	if !errors.As(err, &sge) || sge.Gate != "kill_switch" {
		t.Fatalf("Expected a kill_switch refusal, got %v", err)
	}

	if err := f.gw.KillSwitchDisengage(ctx, "ops_oncall", "drill over"); err != nil {
		t.Fatalf("Disengage: %v", err)
	}
	if _, err := f.gw.SubmitOrder(ctx, marketBuy(100), auth()); err != nil {
		t.Fatalf("Submit after disengage: %v", err)
	}
}

func TestIngestWebhookThroughFacade(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(t, f, "ord-hook", core.StatusAccepted, "brk-5")

	body := []byte(`{
		"event": "fill",
		"timestamp": "2024-10-17T15:00:00Z",
		"order": {
			"client_order_id": "ord-hook",
			"id": "brk-5",
			"symbol": "AAPL",
			"side": "buy",
			"status": "filled",
			"filled_qty": "100",
			"filled_avg_price": "150.25",
			"updated_at": "2024-10-17T15:00:00Z"
		}
	}`)
	if err := f.gw.IngestWebhook(context.Background(), body, ""); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	order, err := f.gw.GetOrder(context.Background(), "ord-hook", auth())
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != core.StatusFilled {
		t.Errorf("Expected filled, got %s", order.Status)
	}
}
