package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// MemoryLedger keeps everything in maps under one mutex. WithTx holds the
// mutex for the whole callback, which gives the same serializable isolation
// the SQLite store gets from its transaction.
type MemoryLedger struct {
	mu sync.Mutex

	orders    map[string]*core.Order
	fills     map[string]map[string]core.Fill // client_order_id -> fill_id -> fill
	fillOrder map[string][]string             // preserves append order for metadata reads
	positions map[string]*core.Position
	mods      map[string]*core.ModificationRecord
	modsByKey map[string]string // idempotency_key -> modification_id
	modSeq    int64
	plans     map[string]*core.SlicingPlan
}

// NewMemoryLedger builds an empty in-process ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		orders:    make(map[string]*core.Order),
		fills:     make(map[string]map[string]core.Fill),
		fillOrder: make(map[string][]string),
		positions: make(map[string]*core.Position),
		mods:      make(map[string]*core.ModificationRecord),
		modsByKey: make(map[string]string),
		plans:     make(map[string]*core.SlicingPlan),
	}
}

func (m *MemoryLedger) CreateOrder(ctx context.Context, order *core.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertOrderLocked(order)
}

func (m *MemoryLedger) insertOrderLocked(order *core.Order) error {
	if _, exists := m.orders[order.ClientOrderID]; exists {
		return apperrors.ErrDuplicateOrder
	}
	if order.ParentOrderID != nil && order.SliceNum != nil {
		for _, existing := range m.orders {
			if existing.ParentOrderID != nil && *existing.ParentOrderID == *order.ParentOrderID &&
				existing.SliceNum != nil && *existing.SliceNum == *order.SliceNum {
				return apperrors.ErrDuplicateOrder
			}
		}
	}
	cp := *order
	m.orders[order.ClientOrderID] = &cp
	return nil
}

func (m *MemoryLedger) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrderLocked(clientOrderID)
}

func (m *MemoryLedger) getOrderLocked(clientOrderID string) (*core.Order, error) {
	order, ok := m.orders[clientOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *order
	cp.Metadata.Fills = m.synthesizeFillsLocked(clientOrderID)
	return &cp, nil
}

// synthesizeFillsLocked builds the metadata fill list from the side table
func (m *MemoryLedger) synthesizeFillsLocked(clientOrderID string) []core.Fill {
	ids := m.fillOrder[clientOrderID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]core.Fill, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.fills[clientOrderID][id])
	}
	return out
}

func (m *MemoryLedger) UpdateOrderBrokerID(ctx context.Context, clientOrderID, brokerOrderID string, submittedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	order.BrokerOrderID = brokerOrderID
	order.SubmittedAt = &submittedAt
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryLedger) UpdateOrderStatusCAS(ctx context.Context, update *core.OrderUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(update)
}

func (m *MemoryLedger) casLocked(update *core.OrderUpdate) (bool, error) {
	order, ok := m.orders[update.ClientOrderID]
	if !ok {
		return false, apperrors.ErrOrderNotFound
	}
	if !dominates(order, update) {
		return false, nil
	}
	applyUpdate(order, update, time.Now().UTC())
	return true, nil
}

func (m *MemoryLedger) InsertPendingModification(ctx context.Context, rec *core.ModificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.modsByKey[rec.IdempotencyKey]; exists {
		return apperrors.ErrDuplicateOrder
	}
	cp := *rec
	cp.Changes = copyChanges(rec.Changes)
	m.mods[rec.ModificationID] = &cp
	m.modsByKey[rec.IdempotencyKey] = rec.ModificationID
	return nil
}

func (m *MemoryLedger) UpdateModificationStatus(ctx context.Context, modificationID string, status core.ModificationStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.mods[modificationID]
	if !ok {
		return apperrors.ErrModificationNotFound
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	rec.ModifiedAt = time.Now().UTC()
	return nil
}

func (m *MemoryLedger) GetModificationByIdempotencyKey(ctx context.Context, key string) (*core.ModificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.modsByKey[key]
	if !ok {
		return nil, apperrors.ErrModificationNotFound
	}
	cp := *m.mods[id]
	cp.Changes = copyChanges(m.mods[id].Changes)
	return &cp, nil
}

func (m *MemoryLedger) GetNextModificationSeq(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modSeq++
	return m.modSeq, nil
}

func (m *MemoryLedger) GetPendingModifications(ctx context.Context, olderThan time.Time) ([]*core.ModificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.ModificationRecord
	for _, rec := range m.mods {
		if (rec.Status == core.ModPending || rec.Status == core.ModSubmittedUnconfirmed) && rec.ModifiedAt.Before(olderThan) {
			cp := *rec
			cp.Changes = copyChanges(rec.Changes)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// RegisterSlicingPlan writes the parent row, all child rows, and the plan in
// one atomic step. A parent that already exists reports ErrPlanExists so the
// caller can return the stored plan idempotently.
func (m *MemoryLedger) RegisterSlicingPlan(ctx context.Context, parent *core.Order, children []*core.Order, plan *core.SlicingPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[parent.ClientOrderID]; exists {
		return apperrors.ErrPlanExists
	}
	if err := m.insertOrderLocked(parent); err != nil {
		return err
	}
	inserted := []string{parent.ClientOrderID}
	for _, child := range children {
		if err := m.insertOrderLocked(child); err != nil {
			for _, id := range inserted {
				delete(m.orders, id)
			}
			return err
		}
		inserted = append(inserted, child.ClientOrderID)
	}
	cp := *plan
	cp.Slices = append([]core.SliceDetail(nil), plan.Slices...)
	m.plans[plan.ParentOrderID] = &cp
	return nil
}

func (m *MemoryLedger) GetSlicingPlan(ctx context.Context, parentOrderID string) (*core.SlicingPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[parentOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *plan
	cp.Slices = append([]core.SliceDetail(nil), plan.Slices...)
	// Slice statuses reflect the live child rows, not the planning snapshot
	for i := range cp.Slices {
		if child, err := m.getOrderLocked(cp.Slices[i].ClientOrderID); err == nil {
			cp.Slices[i].Status = child.Status
		}
	}
	return &cp, nil
}

func (m *MemoryLedger) GetSlicesByParentID(ctx context.Context, parentOrderID string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Order
	for id, order := range m.orders {
		if order.ParentOrderID != nil && *order.ParentOrderID == parentOrderID {
			cp, _ := m.getOrderLocked(id)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return derefInt(out[i].SliceNum) < derefInt(out[j].SliceNum)
	})
	return out, nil
}

// CancelPendingSlices cancels children that are still pending_new with no
// broker order id; already-dispatched slices are left to run their course.
func (m *MemoryLedger) CancelPendingSlices(ctx context.Context, parentOrderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, order := range m.orders {
		if order.ParentOrderID == nil || *order.ParentOrderID != parentOrderID {
			continue
		}
		if order.Status != core.StatusPendingNew || order.BrokerOrderID != "" {
			continue
		}
		order.Status = core.StatusCanceled
		order.StatusRank = core.StatusRank(core.StatusCanceled)
		order.Source = core.SourceManual
		order.UpdatedAt = now
		count++
	}
	return count, nil
}

func (m *MemoryLedger) GetPositionBySymbol(ctx context.Context, symbol string) (*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil, apperrors.ErrPositionNotFound
	}
	cp := *pos
	return &cp, nil
}

// WithTx serializes the callback against every other ledger operation
func (m *MemoryLedger) WithTx(ctx context.Context, fn func(tx core.ILedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{ledger: m})
}

func (m *MemoryLedger) Close() error { return nil }

// memoryTx operates on the ledger while the caller holds m.mu
type memoryTx struct {
	ledger *MemoryLedger
}

func (t *memoryTx) GetOrderForUpdate(clientOrderID string) (*core.Order, error) {
	return t.ledger.getOrderLocked(clientOrderID)
}

// GetPositionForUpdate creates the position row when missing, matching the
// webhook path's lock-or-create semantics
func (t *memoryTx) GetPositionForUpdate(symbol string) (*core.Position, error) {
	pos, ok := t.ledger.positions[symbol]
	if !ok {
		pos = &core.Position{Symbol: symbol, UpdatedAt: time.Now().UTC()}
		t.ledger.positions[symbol] = pos
	}
	cp := *pos
	return &cp, nil
}

func (t *memoryTx) UpdateOrderStatusCAS(update *core.OrderUpdate) (bool, error) {
	return t.ledger.casLocked(update)
}

func (t *memoryTx) UpdatePositionOnFill(pos *core.Position) error {
	cp := *pos
	t.ledger.positions[pos.Symbol] = &cp
	return nil
}

func (t *memoryTx) AppendFill(clientOrderID string, fill core.Fill) (bool, error) {
	if _, ok := t.ledger.orders[clientOrderID]; !ok {
		return false, apperrors.ErrOrderNotFound
	}
	if t.ledger.fills[clientOrderID] == nil {
		t.ledger.fills[clientOrderID] = make(map[string]core.Fill)
	}
	if _, dup := t.ledger.fills[clientOrderID][fill.FillID]; dup {
		return false, nil
	}
	t.ledger.fills[clientOrderID][fill.FillID] = fill
	t.ledger.fillOrder[clientOrderID] = append(t.ledger.fillOrder[clientOrderID], fill.FillID)
	return true, nil
}

func (t *memoryTx) InsertReplacementOrder(order *core.Order) error {
	return t.ledger.insertOrderLocked(order)
}

func (t *memoryTx) FinalizeModification(modificationID string, status core.ModificationStatus, errorMessage string) error {
	rec, ok := t.ledger.mods[modificationID]
	if !ok {
		return apperrors.ErrModificationNotFound
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	rec.ModifiedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) SetOrderMetadata(clientOrderID string, meta core.OrderMetadata) error {
	order, ok := t.ledger.orders[clientOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	// Fills are synthesized from the side table; only linkage fields persist
	order.Metadata.ReplacedBy = meta.ReplacedBy
	order.Metadata.Replaces = meta.Replaces
	order.Metadata.ReplaceReason = meta.ReplaceReason
	return nil
}

func copyChanges(changes map[string]core.FieldChange) map[string]core.FieldChange {
	if changes == nil {
		return nil
	}
	out := make(map[string]core.FieldChange, len(changes))
	for k, v := range changes {
		out[k] = v
	}
	return out
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// IsUniqueViolation reports whether err is the store's duplicate-identity
// error. Both backends normalize onto ErrDuplicateOrder; the SQLite driver
// message is matched as a fallback.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrDuplicateOrder) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
