package slicing

import (
	"context"
	"testing"
	"time"

	"exec_gateway/internal/config"
	"exec_gateway/internal/coordinator"
	"exec_gateway/internal/core"
	"exec_gateway/internal/ledger"
	"exec_gateway/internal/mock"
	"exec_gateway/internal/reservation"
	"exec_gateway/internal/safety"
)

type schedulerFixture struct {
	scheduler *SliceScheduler
	ledger    *ledger.MemoryLedger
	broker    *mock.MockBroker
	killSw    *safety.KillSwitch
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	log := &mockLogger{}
	coord := coordinator.NewMemoryCoordinator()
	led := ledger.NewMemoryLedger()
	brk := mock.NewMockBroker("mock")
	resv := reservation.NewService(coord, 30*time.Second, log)
	ks := safety.NewKillSwitch(coord, nil, log)
	cb := safety.NewCircuitBreaker(coord, nil, log)

	sched := NewSliceScheduler(SchedulerDeps{
		Ledger:      led,
		Broker:      brk,
		Reservation: resv,
		KillSwitch:  ks,
		Breaker:     cb,
		Coordinator: coord,
	}, config.RiskConfig{MaxPositionDefault: 100000}, config.ConcurrencyConfig{
		SchedulerPoolSize:   4,
		SchedulerPoolBuffer: 64,
	}, log)

	t.Cleanup(func() { _ = sched.Stop() })
	return &schedulerFixture{scheduler: sched, ledger: led, broker: brk, killSw: ks}
}

func registerTestPlan(t *testing.T, f *schedulerFixture, firstDelay, restDelay time.Duration) *core.SlicingPlan {
	t.Helper()
	s := NewTwapSlicer(testSlicerConfig())
	now := time.Now().UTC()
	parent, children, plan, err := s.BuildPlan(twapRequest(103, 5, 60), now)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	// Compress the schedule so the test does not wait on real TWAP pacing
	for i := range children {
		at := now.Add(restDelay)
		if i == 0 {
			at = now.Add(firstDelay)
		}
		children[i].ScheduledTime = &at
		plan.Slices[i].ScheduledTime = at
	}
	if err := f.ledger.RegisterSlicingPlan(context.Background(), parent, children, plan); err != nil {
		t.Fatalf("register plan failed: %v", err)
	}
	if err := f.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := f.scheduler.RegisterPlan(context.Background(), plan); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return plan
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestSchedulerDispatchesDueSlice(t *testing.T) {
	f := newSchedulerFixture(t)
	plan := registerTestPlan(t, f, 0, time.Hour)

	if !waitFor(t, 3*time.Second, func() bool { return f.broker.SubmitCount() == 1 }) {
		t.Fatalf("expected 1 dispatched slice, got %d", f.broker.SubmitCount())
	}

	first, err := f.ledger.GetOrderByClientID(context.Background(), plan.Slices[0].ClientOrderID)
	if err != nil {
		t.Fatalf("slice lookup failed: %v", err)
	}
	if !waitFor(t, time.Second, func() bool {
		o, _ := f.ledger.GetOrderByClientID(context.Background(), plan.Slices[0].ClientOrderID)
		return o.BrokerOrderID != ""
	}) {
		t.Fatalf("dispatched slice missing broker id: %+v", first)
	}
}

func TestSchedulerCancelRemainingSlices(t *testing.T) {
	f := newSchedulerFixture(t)
	plan := registerTestPlan(t, f, 0, time.Hour)

	if !waitFor(t, 3*time.Second, func() bool {
		o, _ := f.ledger.GetOrderByClientID(context.Background(), plan.Slices[0].ClientOrderID)
		return o != nil && o.BrokerOrderID != ""
	}) {
		t.Fatal("first slice never dispatched")
	}

	n, err := f.scheduler.CancelRemainingSlices(context.Background(), plan.ParentOrderID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 canceled slices, got %d", n)
	}

	for _, slice := range plan.Slices[1:] {
		o, err := f.ledger.GetOrderByClientID(context.Background(), slice.ClientOrderID)
		if err != nil {
			t.Fatalf("slice lookup failed: %v", err)
		}
		if o.Status != core.StatusCanceled {
			t.Fatalf("slice %d status = %s, want canceled", slice.SliceNum, o.Status)
		}
	}
}

func TestSchedulerKillSwitchBlocksDispatch(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.gateDeferDelay = 20 * time.Millisecond
	if err := f.killSw.Engage(context.Background(), "test halt", "ops", ""); err != nil {
		t.Fatalf("engage failed: %v", err)
	}

	plan := registerTestPlan(t, f, 0, time.Hour)

	// The slice defers a few times, then cancels once the budget is spent
	if !waitFor(t, 3*time.Second, func() bool {
		o, _ := f.ledger.GetOrderByClientID(context.Background(), plan.Slices[0].ClientOrderID)
		return o != nil && o.Status == core.StatusCanceled
	}) {
		t.Fatal("slice due under a sustained kill switch must eventually cancel")
	}
	if f.broker.SubmitCount() != 0 {
		t.Fatalf("no broker submission expected, got %d", f.broker.SubmitCount())
	}
}

func TestSchedulerDeferredSliceDispatchesAfterDisengage(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.gateDeferDelay = 100 * time.Millisecond
	if err := f.killSw.Engage(context.Background(), "brief halt", "ops", ""); err != nil {
		t.Fatalf("engage failed: %v", err)
	}

	plan := registerTestPlan(t, f, 0, time.Hour)

	// Let the first attempt hit the engaged switch and defer
	time.Sleep(10 * time.Millisecond)
	if err := f.killSw.Disengage(context.Background(), "ops", "resolved"); err != nil {
		t.Fatalf("disengage failed: %v", err)
	}

	if !waitFor(t, 3*time.Second, func() bool {
		o, _ := f.ledger.GetOrderByClientID(context.Background(), plan.Slices[0].ClientOrderID)
		return o != nil && o.BrokerOrderID != ""
	}) {
		t.Fatal("deferred slice must dispatch after the kill switch disengages")
	}
	if f.broker.SubmitCount() != 1 {
		t.Fatalf("expected 1 broker submission, got %d", f.broker.SubmitCount())
	}
}
