package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// MemoryCoordinator keeps all shared state in-process. It honors the same
// TTL and atomicity semantics as the Redis backend so tests exercise the
// real contract.
type MemoryCoordinator struct {
	mu sync.Mutex

	killSwitch core.KillSwitchStatus
	ksHistory  []core.KillSwitchEvent

	breaker core.CircuitBreakerStatus

	quarantine map[string]time.Time // symbol -> expiry

	reservations map[string]map[string]*core.Reservation // symbol -> token -> record

	cacheKeys map[string]map[string]struct{} // date -> registered cache keys
	caches    map[string]struct{}            // live cache keys

	override *core.OverrideCapability

	// failNext simulates a coordinator outage for fail-closed tests
	failNext error

	now func() time.Time
}

// NewMemoryCoordinator builds an empty in-process coordinator
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		quarantine:   make(map[string]time.Time),
		reservations: make(map[string]map[string]*core.Reservation),
		cacheKeys:    make(map[string]map[string]struct{}),
		caches:       make(map[string]struct{}),
		now:          time.Now,
	}
}

// FailNext makes every subsequent operation return err until cleared with nil.
// Test hook for outage simulation.
func (m *MemoryCoordinator) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// SetClock overrides the time source. Test hook for TTL expiry.
func (m *MemoryCoordinator) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryCoordinator) outage() error {
	if m.failNext != nil {
		return availErr(m.failNext)
	}
	return nil
}

func (m *MemoryCoordinator) EngageKillSwitch(ctx context.Context, reason, operator, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	now := m.now()
	m.killSwitch = core.KillSwitchStatus{
		Engaged:   true,
		Reason:    reason,
		Operator:  operator,
		Details:   details,
		ChangedAt: now,
	}
	m.appendKSEvent(core.KillSwitchEvent{Engaged: true, Reason: reason, Operator: operator, Notes: details, Timestamp: now})
	return nil
}

func (m *MemoryCoordinator) DisengageKillSwitch(ctx context.Context, operator, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	now := m.now()
	m.killSwitch = core.KillSwitchStatus{Engaged: false, Operator: operator, ChangedAt: now}
	m.appendKSEvent(core.KillSwitchEvent{Engaged: false, Operator: operator, Notes: notes, Timestamp: now})
	return nil
}

func (m *MemoryCoordinator) appendKSEvent(ev core.KillSwitchEvent) {
	m.ksHistory = append(m.ksHistory, ev)
	if len(m.ksHistory) > killSwitchHistoryCap {
		m.ksHistory = m.ksHistory[len(m.ksHistory)-killSwitchHistoryCap:]
	}
}

func (m *MemoryCoordinator) KillSwitchState(ctx context.Context) (*core.KillSwitchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return nil, err
	}
	st := m.killSwitch
	return &st, nil
}

func (m *MemoryCoordinator) KillSwitchHistory(ctx context.Context, limit int) ([]core.KillSwitchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(m.ksHistory) {
		limit = len(m.ksHistory)
	}
	out := make([]core.KillSwitchEvent, limit)
	copy(out, m.ksHistory[len(m.ksHistory)-limit:])
	return out, nil
}

func (m *MemoryCoordinator) TripBreaker(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	m.breaker = core.CircuitBreakerStatus{Tripped: true, Reason: reason, ChangedAt: m.now()}
	return nil
}

func (m *MemoryCoordinator) ResetBreaker(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	m.breaker = core.CircuitBreakerStatus{Tripped: false, ChangedAt: m.now()}
	return nil
}

func (m *MemoryCoordinator) BreakerState(ctx context.Context) (*core.CircuitBreakerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return nil, err
	}
	st := m.breaker
	return &st, nil
}

func (m *MemoryCoordinator) IsSymbolQuarantined(ctx context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return false, err
	}
	expiry, ok := m.quarantine[symbol]
	if !ok {
		return false, nil
	}
	if m.now().After(expiry) {
		delete(m.quarantine, symbol)
		return false, nil
	}
	return true, nil
}

func (m *MemoryCoordinator) QuarantineSymbol(ctx context.Context, symbol string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	m.quarantine[symbol] = m.now().Add(ttl)
	return nil
}

// ReservePosition checks |current + reserved + delta| against the limit and
// records the token while still holding the lock, so racing callers cannot
// jointly exceed the limit.
func (m *MemoryCoordinator) ReservePosition(ctx context.Context, symbol, token string, side core.Side, qty, maxLimit, currentPosition decimal.Decimal, ttl time.Duration) (*core.ReserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return nil, err
	}

	now := m.now()
	reserved := m.activeReservedLocked(symbol, now)

	delta := qty
	if side == core.SideSell {
		delta = qty.Neg()
	}
	effective := currentPosition.Add(reserved)
	proposed := effective.Add(delta)
	if proposed.Abs().GreaterThan(maxLimit) {
		return nil, &apperrors.PositionLimitError{
			Symbol:   symbol,
			Side:     string(side),
			Qty:      qty.String(),
			Current:  currentPosition.String(),
			Reserved: reserved.String(),
			Limit:    maxLimit.String(),
		}
	}

	if m.reservations[symbol] == nil {
		m.reservations[symbol] = make(map[string]*core.Reservation)
	}
	m.reservations[symbol][token] = &core.Reservation{
		Token:     token,
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	return &core.ReserveResult{Token: token, PreviousPosition: effective, NewPosition: proposed}, nil
}

// activeReservedLocked sums live reservation deltas for a symbol, reaping
// expired records along the way. Caller holds m.mu.
func (m *MemoryCoordinator) activeReservedLocked(symbol string, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for token, r := range m.reservations[symbol] {
		if now.After(r.ExpiresAt) {
			delete(m.reservations[symbol], token)
			continue
		}
		if r.Side == core.SideSell {
			total = total.Sub(r.Qty)
		} else {
			total = total.Add(r.Qty)
		}
	}
	return total
}

// ConfirmReservation marks the token confirmed. The record keeps counting
// toward the reserved sum until its TTL expires; the authoritative position
// catches up through the webhook path.
func (m *MemoryCoordinator) ConfirmReservation(ctx context.Context, symbol, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	r, ok := m.reservations[symbol][token]
	if !ok {
		return apperrors.ErrReservationNotFound
	}
	r.Confirmed = true
	return nil
}

func (m *MemoryCoordinator) ReleaseReservation(ctx context.Context, symbol, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	if _, ok := m.reservations[symbol][token]; !ok {
		return apperrors.ErrReservationNotFound
	}
	delete(m.reservations[symbol], token)
	return nil
}

func (m *MemoryCoordinator) ActiveReservedQty(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return decimal.Zero, err
	}
	return m.activeReservedLocked(symbol, m.now()), nil
}

func (m *MemoryCoordinator) InvalidatePerformanceCache(ctx context.Context, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	for key := range m.cacheKeys[date] {
		delete(m.caches, key)
	}
	delete(m.cacheKeys, date)
	return nil
}

func (m *MemoryCoordinator) RegisterPerformanceCacheKey(ctx context.Context, date, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	if m.cacheKeys[date] == nil {
		m.cacheKeys[date] = make(map[string]struct{})
	}
	m.cacheKeys[date][key] = struct{}{}
	m.caches[key] = struct{}{}
	return nil
}

// HasCacheKey reports whether a registered cache key is still live. Test hook.
func (m *MemoryCoordinator) HasCacheKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.caches[key]
	return ok
}

func (m *MemoryCoordinator) SetReconcileOverride(ctx context.Context, operator, reason string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return err
	}
	now := m.now()
	m.override = &core.OverrideCapability{Operator: operator, Reason: reason, GrantedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryCoordinator) ReconcileOverride(ctx context.Context) (*core.OverrideCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.outage(); err != nil {
		return nil, err
	}
	if m.override == nil || m.now().After(m.override.ExpiresAt) {
		m.override = nil
		return nil, nil
	}
	cp := *m.override
	return &cp, nil
}

func (m *MemoryCoordinator) Health(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outage()
}

func (m *MemoryCoordinator) Close() error { return nil }
