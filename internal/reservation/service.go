// Package reservation implements the pre-trade soft-reserve that stops racing
// admissions from jointly exceeding a position limit.
package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	"exec_gateway/pkg/telemetry"
)

// Service issues single-use reservation tokens backed by the Coordinator.
// A reservation counts toward the effective position seen by the next
// admission until it is released or its TTL lapses; Confirm only marks the
// token so a later release of a confirmed token is refused by bookkeeping,
// not by arithmetic.
type Service struct {
	coord  core.ICoordinator
	ttl    time.Duration
	logger core.ILogger
}

// NewService builds the reservation service
func NewService(coord core.ICoordinator, ttl time.Duration, logger core.ILogger) *Service {
	return &Service{
		coord:  coord,
		ttl:    ttl,
		logger: logger.WithField("component", "reservation"),
	}
}

// Reserve attempts to hold qty of headroom for (symbol, side). The limit
// check and the record write are one atomic coordinator operation. Any
// coordinator failure surfaces as an availability error so callers fail
// closed.
func (s *Service) Reserve(ctx context.Context, symbol string, side core.Side, qty, maxLimit, currentPosition decimal.Decimal) (*core.ReserveResult, error) {
	token := uuid.NewString()
	res, err := s.coord.ReservePosition(ctx, symbol, token, side, qty, maxLimit, currentPosition, s.ttl)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Position reserved",
		"symbol", symbol,
		"side", string(side),
		"qty", qty.String(),
		"token", token,
		"previous", res.PreviousPosition.String(),
		"new", res.NewPosition.String())
	s.publishReserved(ctx, symbol)
	return res, nil
}

// Confirm marks the token's order as dispatched. The record keeps counting
// toward the reserved sum until TTL expiry, by which time the webhook path
// has folded the fill into the authoritative position.
func (s *Service) Confirm(ctx context.Context, symbol, token string) error {
	if err := s.coord.ConfirmReservation(ctx, symbol, token); err != nil {
		return err
	}
	s.logger.Debug("Reservation confirmed", "symbol", symbol, "token", token)
	return nil
}

// Release frees the headroom after a failed dispatch
func (s *Service) Release(ctx context.Context, symbol, token string) error {
	if err := s.coord.ReleaseReservation(ctx, symbol, token); err != nil {
		return err
	}
	s.logger.Debug("Reservation released", "symbol", symbol, "token", token)
	s.publishReserved(ctx, symbol)
	return nil
}

// Health is the liveness probe consulted by the recovery manager
func (s *Service) Health(ctx context.Context) error {
	return s.coord.Health(ctx)
}

func (s *Service) publishReserved(ctx context.Context, symbol string) {
	reserved, err := s.coord.ActiveReservedQty(ctx, symbol)
	if err != nil {
		return
	}
	f, _ := reserved.Float64()
	telemetry.GetGlobalMetrics().SetReservedQty(symbol, f)
}
