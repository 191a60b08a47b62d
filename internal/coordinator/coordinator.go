// Package coordinator implements the shared distributed state behind the
// kill switch, circuit breaker, symbol quarantine, position reservations,
// cache invalidation, and the reconciliation override capability. The Redis
// implementation is authoritative across processes; the memory implementation
// backs tests and single-process deployments.
package coordinator

import (
	apperrors "exec_gateway/pkg/errors"
)

// killSwitchHistoryCap bounds the append-only kill switch history
const killSwitchHistoryCap = 100

// reserveScale is the fixed decimal exponent applied before reservation
// arithmetic; submission quantities are integral so the math stays exact.
const reserveScale = 0

func availErr(err error) error {
	return &apperrors.AvailabilityError{Component: "coordinator", Err: err}
}
