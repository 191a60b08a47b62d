// Package ledger implements the transactional record store for orders,
// positions, modifications, and slicing plans. The SQLite implementation is
// the production store; the memory implementation backs unit tests with the
// same transaction and CAS semantics.
package ledger

import (
	"time"

	"exec_gateway/internal/core"
)

// dominates reports whether the incoming update tuple strictly dominates the
// stored order tuple under lexicographic (status_rank, broker_updated_at,
// source_priority) order. A non-dominating update is a no-op so reordered or
// duplicated broker events never roll state backwards.
func dominates(stored *core.Order, update *core.OrderUpdate) bool {
	incomingRank := core.StatusRank(update.Status)
	if incomingRank != stored.StatusRank {
		return incomingRank > stored.StatusRank
	}
	if !update.BrokerUpdatedAt.Equal(stored.BrokerUpdatedAt) {
		return update.BrokerUpdatedAt.After(stored.BrokerUpdatedAt)
	}
	return core.SourcePriority(update.Source) > core.SourcePriority(stored.Source)
}

// applyUpdate folds a dominating update into the order row. filled_qty only
// advances; a stale smaller value is kept out even when the status moves.
func applyUpdate(order *core.Order, update *core.OrderUpdate, now time.Time) {
	order.Status = update.Status
	order.StatusRank = core.StatusRank(update.Status)
	order.BrokerUpdatedAt = update.BrokerUpdatedAt
	order.Source = update.Source
	if update.BrokerOrderID != "" {
		order.BrokerOrderID = update.BrokerOrderID
	}
	if update.FilledQty.GreaterThan(order.FilledQty) {
		order.FilledQty = update.FilledQty
	}
	if update.FilledAvgPrice != nil {
		price := *update.FilledAvgPrice
		order.FilledAvgPrice = &price
	}
	if update.Status == core.StatusFilled && order.FilledAt == nil {
		at := update.BrokerUpdatedAt
		order.FilledAt = &at
	}
	order.UpdatedAt = now
}
