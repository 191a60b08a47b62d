// Package safety provides the gateway-facing kill switch, circuit breaker,
// and the recovery manager that owns their availability flags.
package safety

import (
	"context"

	"exec_gateway/internal/core"
	"exec_gateway/pkg/telemetry"
)

// KillSwitch is the operator trading halt. State lives in the Coordinator so
// every gateway process observes the same answer; this type adds logging,
// alerting, and metrics around it.
type KillSwitch struct {
	coord  core.ICoordinator
	alerts core.IAlertSink
	logger core.ILogger
}

// NewKillSwitch builds the kill switch over the shared coordinator
func NewKillSwitch(coord core.ICoordinator, alerts core.IAlertSink, logger core.ILogger) *KillSwitch {
	return &KillSwitch{
		coord:  coord,
		alerts: alerts,
		logger: logger.WithField("component", "kill_switch"),
	}
}

// Engage halts all new order flow until an operator disengages
func (k *KillSwitch) Engage(ctx context.Context, reason, operator, details string) error {
	if err := k.coord.EngageKillSwitch(ctx, reason, operator, details); err != nil {
		return err
	}
	k.logger.Warn("Kill switch engaged", "reason", reason, "operator", operator)
	telemetry.GetGlobalMetrics().SetKillSwitchEngaged("global", true)
	if k.alerts != nil {
		k.alerts.Alert(ctx, "Kill switch engaged", reason, "CRITICAL", map[string]string{
			"operator": operator,
			"details":  details,
		})
	}
	return nil
}

// Disengage resumes order flow
func (k *KillSwitch) Disengage(ctx context.Context, operator, notes string) error {
	if err := k.coord.DisengageKillSwitch(ctx, operator, notes); err != nil {
		return err
	}
	k.logger.Info("Kill switch disengaged", "operator", operator, "notes", notes)
	telemetry.GetGlobalMetrics().SetKillSwitchEngaged("global", false)
	if k.alerts != nil {
		k.alerts.Alert(ctx, "Kill switch disengaged", notes, "WARNING", map[string]string{
			"operator": operator,
		})
	}
	return nil
}

// IsEngaged doubles as the liveness probe for the recovery manager: a
// coordinator error here flags the component unavailable.
func (k *KillSwitch) IsEngaged(ctx context.Context) (bool, error) {
	state, err := k.coord.KillSwitchState(ctx)
	if err != nil {
		return false, err
	}
	return state.Engaged, nil
}

// GetStatus returns the full coordinator-held state
func (k *KillSwitch) GetStatus(ctx context.Context) (*core.KillSwitchStatus, error) {
	return k.coord.KillSwitchState(ctx)
}

// History returns the bounded engage/disengage audit trail
func (k *KillSwitch) History(ctx context.Context, limit int) ([]core.KillSwitchEvent, error) {
	return k.coord.KillSwitchHistory(ctx, limit)
}
