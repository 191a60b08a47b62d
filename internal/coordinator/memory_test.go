package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

func TestKillSwitchLifecycle(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	state, err := c.KillSwitchState(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Engaged {
		t.Fatal("kill switch should start disengaged")
	}

	if err := c.EngageKillSwitch(ctx, "fat finger storm", "ops_alice", "manual halt"); err != nil {
		t.Fatalf("engage failed: %v", err)
	}
	state, _ = c.KillSwitchState(ctx)
	if !state.Engaged || state.Reason != "fat finger storm" || state.Operator != "ops_alice" {
		t.Fatalf("unexpected state after engage: %+v", state)
	}

	if err := c.DisengageKillSwitch(ctx, "ops_bob", "resolved"); err != nil {
		t.Fatalf("disengage failed: %v", err)
	}
	state, _ = c.KillSwitchState(ctx)
	if state.Engaged {
		t.Fatal("kill switch should be disengaged")
	}

	history, err := c.KillSwitchHistory(ctx, 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(history))
	}
	if !history[0].Engaged || history[1].Engaged {
		t.Fatal("history should be chronological: engage then disengage")
	}
}

func TestKillSwitchHistoryBounded(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	for i := 0; i < killSwitchHistoryCap+20; i++ {
		_ = c.EngageKillSwitch(ctx, "r", "op", "")
	}
	history, _ := c.KillSwitchHistory(ctx, 0)
	if len(history) != killSwitchHistoryCap {
		t.Fatalf("history should be capped at %d, got %d", killSwitchHistoryCap, len(history))
	}
}

func TestQuarantineTTL(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	now := time.Now()
	c.SetClock(func() time.Time { return now })

	if err := c.QuarantineSymbol(ctx, "AAPL", 5*time.Minute); err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}
	blocked, _ := c.IsSymbolQuarantined(ctx, "AAPL")
	if !blocked {
		t.Fatal("AAPL should be quarantined")
	}

	now = now.Add(6 * time.Minute)
	blocked, _ = c.IsSymbolQuarantined(ctx, "AAPL")
	if blocked {
		t.Fatal("quarantine should have expired")
	}
}

func TestReservationLimitArithmetic(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()
	limit := decimal.NewFromInt(100)
	current := decimal.NewFromInt(50)
	ttl := time.Minute

	// 50 current + 30 reserved = 80, within 100
	res, err := c.ReservePosition(ctx, "AAPL", "tok1", core.SideBuy, decimal.NewFromInt(30), limit, current, ttl)
	if err != nil {
		t.Fatalf("first reserve should succeed: %v", err)
	}
	if !res.NewPosition.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected new position 80, got %s", res.NewPosition)
	}

	// 80 + 30 = 110 breaches the limit
	_, err = c.ReservePosition(ctx, "AAPL", "tok2", core.SideBuy, decimal.NewFromInt(30), limit, current, ttl)
	var limErr *apperrors.PositionLimitError
	if !errors.As(err, &limErr) {
		t.Fatalf("expected PositionLimitError, got %v", err)
	}

	// Selling reduces exposure and passes
	if _, err := c.ReservePosition(ctx, "AAPL", "tok3", core.SideSell, decimal.NewFromInt(30), limit, current, ttl); err != nil {
		t.Fatalf("sell reserve should succeed: %v", err)
	}

	// Releasing tok1 frees headroom for tok2's retry
	if err := c.ReleaseReservation(ctx, "AAPL", "tok1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := c.ReservePosition(ctx, "AAPL", "tok2", core.SideBuy, decimal.NewFromInt(30), limit, current, ttl); err != nil {
		t.Fatalf("reserve after release should succeed: %v", err)
	}
}

func TestReservationShortSideUsesAbsolute(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()
	limit := decimal.NewFromInt(100)
	current := decimal.NewFromInt(-90)

	// |-90 - 20| = 110 breaches
	_, err := c.ReservePosition(ctx, "TSLA", "tok1", core.SideSell, decimal.NewFromInt(20), limit, current, time.Minute)
	var limErr *apperrors.PositionLimitError
	if !errors.As(err, &limErr) {
		t.Fatalf("expected PositionLimitError on short breach, got %v", err)
	}

	// Buying toward flat is fine
	if _, err := c.ReservePosition(ctx, "TSLA", "tok2", core.SideBuy, decimal.NewFromInt(20), limit, current, time.Minute); err != nil {
		t.Fatalf("covering buy should succeed: %v", err)
	}
}

func TestReservationTTLExpiry(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	now := time.Now()
	c.SetClock(func() time.Time { return now })

	limit := decimal.NewFromInt(50)
	if _, err := c.ReservePosition(ctx, "MSFT", "tok1", core.SideBuy, decimal.NewFromInt(50), limit, decimal.Zero, 30*time.Second); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Full limit consumed
	if _, err := c.ReservePosition(ctx, "MSFT", "tok2", core.SideBuy, decimal.NewFromInt(1), limit, decimal.Zero, 30*time.Second); err == nil {
		t.Fatal("expected refusal while tok1 live")
	}

	// Expiry restores liveness even if the holder never releases
	now = now.Add(time.Minute)
	if _, err := c.ReservePosition(ctx, "MSFT", "tok2", core.SideBuy, decimal.NewFromInt(1), limit, decimal.Zero, 30*time.Second); err != nil {
		t.Fatalf("reserve after expiry should succeed: %v", err)
	}
}

func TestConfirmKeepsRecordReleaseDeletes(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	if _, err := c.ReservePosition(ctx, "AAPL", "tok1", core.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.Zero, time.Minute); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := c.ConfirmReservation(ctx, "AAPL", "tok1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	// Confirmed records still count toward the reserved sum until TTL
	reserved, _ := c.ActiveReservedQty(ctx, "AAPL")
	if !reserved.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected reserved 10 after confirm, got %s", reserved)
	}

	if err := c.ReleaseReservation(ctx, "AAPL", "tok1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	reserved, _ = c.ActiveReservedQty(ctx, "AAPL")
	if !reserved.IsZero() {
		t.Fatalf("expected reserved 0 after release, got %s", reserved)
	}

	if err := c.ReleaseReservation(ctx, "AAPL", "tok1"); !errors.Is(err, apperrors.ErrReservationNotFound) {
		t.Fatalf("double release should report not found, got %v", err)
	}
}

func TestCacheInvalidationFanOut(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	_ = c.RegisterPerformanceCacheKey(ctx, "2024-10-17", "perf:2024-10-17:alpha")
	_ = c.RegisterPerformanceCacheKey(ctx, "2024-10-17", "perf:2024-10-17:beta")
	_ = c.RegisterPerformanceCacheKey(ctx, "2024-10-18", "perf:2024-10-18:alpha")

	if err := c.InvalidatePerformanceCache(ctx, "2024-10-17"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if c.HasCacheKey("perf:2024-10-17:alpha") || c.HasCacheKey("perf:2024-10-17:beta") {
		t.Fatal("keys for the invalidated date should be gone")
	}
	if !c.HasCacheKey("perf:2024-10-18:alpha") {
		t.Fatal("other dates must be untouched")
	}
}

func TestOverrideCapabilityTTL(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	now := time.Now()
	c.SetClock(func() time.Time { return now })

	if err := c.SetReconcileOverride(ctx, "ops_alice", "broker maintenance window", 10*time.Minute); err != nil {
		t.Fatalf("set override failed: %v", err)
	}
	ov, err := c.ReconcileOverride(ctx)
	if err != nil || ov == nil {
		t.Fatalf("expected active override, got %v %v", ov, err)
	}
	if ov.Operator != "ops_alice" {
		t.Fatalf("unexpected operator %q", ov.Operator)
	}

	now = now.Add(11 * time.Minute)
	ov, err = c.ReconcileOverride(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ov != nil {
		t.Fatal("override should have expired")
	}
}

func TestOutagePropagatesAvailabilityError(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	c.FailNext(errors.New("connection refused"))

	if _, err := c.KillSwitchState(ctx); apperrors.KindOf(err) != apperrors.KindAvailability {
		t.Fatalf("expected availability error, got %v", err)
	}
	if _, err := c.ReservePosition(ctx, "AAPL", "tok", core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(10), decimal.Zero, time.Minute); apperrors.KindOf(err) != apperrors.KindAvailability {
		t.Fatalf("expected availability error from reserve, got %v", err)
	}
	if err := c.Health(ctx); err == nil {
		t.Fatal("health should fail during outage")
	}

	c.FailNext(nil)
	if err := c.Health(ctx); err != nil {
		t.Fatalf("health should recover: %v", err)
	}
}
