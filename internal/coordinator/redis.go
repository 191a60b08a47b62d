package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// RedisCoordinator stores shared state in Redis so multiple gateway processes
// agree on kill-switch, breaker, quarantine, and reservation decisions.
type RedisCoordinator struct {
	client    *redis.Client
	keyPrefix string
	opTimeout time.Duration
	logger    core.ILogger

	reserveScript *redis.Script
}

// RedisOptions configures a RedisCoordinator
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	OpTimeout time.Duration
}

// reserveLua atomically sums live reservations, reaps expired tokens, checks
// the proposed position against the limit, and records the new token. Runs
// entirely server-side so racing processes serialize on the Redis event loop.
//
// KEYS[1] = reservation hash for the symbol
// ARGV    = token, signedDelta, maxLimit, currentPosition, nowMillis, expiresMillis, qty, side
// Returns {1, previous, proposed} on success, {0, reservedSum} on refusal.
const reserveLua = `
local reserved = 0
local entries = redis.call('HGETALL', KEYS[1])
local now = tonumber(ARGV[5])
for i = 1, #entries, 2 do
  local token = entries[i]
  local parts = {}
  for part in string.gmatch(entries[i+1], '([^|]+)') do
    table.insert(parts, part)
  end
  local expires = tonumber(parts[3])
  if expires ~= nil and expires < now then
    redis.call('HDEL', KEYS[1], token)
  else
    local qty = tonumber(parts[2])
    if parts[1] == 'sell' then
      reserved = reserved - qty
    else
      reserved = reserved + qty
    end
  end
end
local current = tonumber(ARGV[4])
local delta = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local previous = current + reserved
local proposed = previous + delta
if math.abs(proposed) > limit then
  return {0, tostring(reserved)}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[8] .. '|' .. ARGV[7] .. '|' .. ARGV[6] .. '|0')
return {1, tostring(previous), tostring(proposed)}
`

// NewRedisCoordinator connects and verifies the backend before returning
func NewRedisCoordinator(opts RedisOptions, logger core.ILogger) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if opts.OpTimeout == 0 {
		opts.OpTimeout = 5 * time.Second
	}

	rc := &RedisCoordinator{
		client:        client,
		keyPrefix:     opts.KeyPrefix,
		opTimeout:     opts.OpTimeout,
		logger:        logger.WithField("component", "redis_coordinator"),
		reserveScript: redis.NewScript(reserveLua),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return rc, nil
}

func (r *RedisCoordinator) key(parts ...string) string {
	return r.keyPrefix + ":" + strings.Join(parts, ":")
}

func (r *RedisCoordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *RedisCoordinator) EngageKillSwitch(ctx context.Context, reason, operator, details string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key("killswitch"), map[string]interface{}{
		"engaged":    "1",
		"reason":     reason,
		"operator":   operator,
		"details":    details,
		"changed_at": now.Format(time.RFC3339Nano),
	})
	r.pushKSEvent(ctx, pipe, core.KillSwitchEvent{Engaged: true, Reason: reason, Operator: operator, Notes: details, Timestamp: now})
	if _, err := pipe.Exec(ctx); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) DisengageKillSwitch(ctx context.Context, operator, notes string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key("killswitch"), map[string]interface{}{
		"engaged":    "0",
		"reason":     "",
		"operator":   operator,
		"details":    "",
		"changed_at": now.Format(time.RFC3339Nano),
	})
	r.pushKSEvent(ctx, pipe, core.KillSwitchEvent{Engaged: false, Operator: operator, Notes: notes, Timestamp: now})
	if _, err := pipe.Exec(ctx); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) pushKSEvent(ctx context.Context, pipe redis.Pipeliner, ev core.KillSwitchEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	histKey := r.key("killswitch", "history")
	pipe.LPush(ctx, histKey, string(data))
	pipe.LTrim(ctx, histKey, 0, killSwitchHistoryCap-1)
}

func (r *RedisCoordinator) KillSwitchState(ctx context.Context) (*core.KillSwitchStatus, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.key("killswitch")).Result()
	if err != nil {
		return nil, availErr(err)
	}
	status := &core.KillSwitchStatus{
		Engaged:  fields["engaged"] == "1",
		Reason:   fields["reason"],
		Operator: fields["operator"],
		Details:  fields["details"],
	}
	if ts := fields["changed_at"]; ts != "" {
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			status.ChangedAt = parsed
		}
	}
	return status, nil
}

func (r *RedisCoordinator) KillSwitchHistory(ctx context.Context, limit int) ([]core.KillSwitchEvent, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > killSwitchHistoryCap {
		limit = killSwitchHistoryCap
	}
	raw, err := r.client.LRange(ctx, r.key("killswitch", "history"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, availErr(err)
	}
	events := make([]core.KillSwitchEvent, 0, len(raw))
	for _, item := range raw {
		var ev core.KillSwitchEvent
		if uerr := json.Unmarshal([]byte(item), &ev); uerr != nil {
			continue
		}
		events = append(events, ev)
	}
	// List is newest-first; callers expect chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (r *RedisCoordinator) TripBreaker(ctx context.Context, reason string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	err := r.client.HSet(ctx, r.key("breaker"), map[string]interface{}{
		"tripped":    "1",
		"reason":     reason,
		"changed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) ResetBreaker(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	err := r.client.HSet(ctx, r.key("breaker"), map[string]interface{}{
		"tripped":    "0",
		"reason":     "",
		"changed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) BreakerState(ctx context.Context) (*core.CircuitBreakerStatus, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.key("breaker")).Result()
	if err != nil {
		return nil, availErr(err)
	}
	status := &core.CircuitBreakerStatus{
		Tripped: fields["tripped"] == "1",
		Reason:  fields["reason"],
	}
	if ts := fields["changed_at"]; ts != "" {
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			status.ChangedAt = parsed
		}
	}
	return status, nil
}

func (r *RedisCoordinator) IsSymbolQuarantined(ctx context.Context, symbol string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, r.key("quarantine", symbol)).Result()
	if err != nil {
		return false, availErr(err)
	}
	return n > 0, nil
}

func (r *RedisCoordinator) QuarantineSymbol(ctx context.Context, symbol string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, r.key("quarantine", symbol), "1", ttl).Err(); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) ReservePosition(ctx context.Context, symbol, token string, side core.Side, qty, maxLimit, currentPosition decimal.Decimal, ttl time.Duration) (*core.ReserveResult, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	delta := qty
	if side == core.SideSell {
		delta = qty.Neg()
	}
	now := time.Now()
	res, err := r.reserveScript.Run(ctx, r.client,
		[]string{r.key("resv", symbol)},
		token,
		delta.String(),
		maxLimit.String(),
		currentPosition.String(),
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(ttl).UnixMilli(), 10),
		qty.String(),
		string(side),
	).Result()
	if err != nil {
		return nil, availErr(err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return nil, availErr(fmt.Errorf("unexpected reserve script reply: %v", res))
	}
	okFlag, _ := vals[0].(int64)
	if okFlag != 1 {
		reserved, _ := vals[1].(string)
		return nil, &apperrors.PositionLimitError{
			Symbol:   symbol,
			Side:     string(side),
			Qty:      qty.String(),
			Current:  currentPosition.String(),
			Reserved: reserved,
			Limit:    maxLimit.String(),
		}
	}

	prevStr, _ := vals[1].(string)
	newStr := ""
	if len(vals) > 2 {
		newStr, _ = vals[2].(string)
	}
	prev, _ := decimal.NewFromString(prevStr)
	next, _ := decimal.NewFromString(newStr)
	return &core.ReserveResult{Token: token, PreviousPosition: prev, NewPosition: next}, nil
}

func (r *RedisCoordinator) ConfirmReservation(ctx context.Context, symbol, token string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	key := r.key("resv", symbol)
	val, err := r.client.HGet(ctx, key, token).Result()
	if err == redis.Nil {
		return apperrors.ErrReservationNotFound
	}
	if err != nil {
		return availErr(err)
	}
	parts := strings.Split(val, "|")
	if len(parts) < 4 {
		return availErr(fmt.Errorf("malformed reservation record for token %s", token))
	}
	parts[3] = "1"
	if err := r.client.HSet(ctx, key, token, strings.Join(parts, "|")).Err(); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) ReleaseReservation(ctx context.Context, symbol, token string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.HDel(ctx, r.key("resv", symbol), token).Result()
	if err != nil {
		return availErr(err)
	}
	if n == 0 {
		return apperrors.ErrReservationNotFound
	}
	return nil
}

func (r *RedisCoordinator) ActiveReservedQty(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	entries, err := r.client.HGetAll(ctx, r.key("resv", symbol)).Result()
	if err != nil {
		return decimal.Zero, availErr(err)
	}
	now := time.Now().UnixMilli()
	total := decimal.Zero
	for _, val := range entries {
		parts := strings.Split(val, "|")
		if len(parts) < 3 {
			continue
		}
		expires, perr := strconv.ParseInt(parts[2], 10, 64)
		if perr == nil && expires < now {
			continue
		}
		qty, qerr := decimal.NewFromString(parts[1])
		if qerr != nil {
			continue
		}
		if parts[0] == string(core.SideSell) {
			total = total.Sub(qty)
		} else {
			total = total.Add(qty)
		}
	}
	return total, nil
}

// InvalidatePerformanceCache deletes every cache key registered under the
// date's index set. Best effort: callers log, never fail the trade path.
func (r *RedisCoordinator) InvalidatePerformanceCache(ctx context.Context, date string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	setKey := r.key("cachekeys", date)
	keys, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return availErr(err)
	}
	pipe := r.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) RegisterPerformanceCacheKey(ctx context.Context, date, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.SAdd(ctx, r.key("cachekeys", date), key).Err(); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) SetReconcileOverride(ctx context.Context, operator, reason string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	data, err := json.Marshal(core.OverrideCapability{
		Operator:  operator,
		Reason:    reason,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal override capability: %w", err)
	}
	if err := r.client.Set(ctx, r.key("reconcile", "override"), string(data), ttl).Err(); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) ReconcileOverride(ctx context.Context) (*core.OverrideCapability, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	raw, err := r.client.Get(ctx, r.key("reconcile", "override")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, availErr(err)
	}
	var capability core.OverrideCapability
	if uerr := json.Unmarshal([]byte(raw), &capability); uerr != nil {
		return nil, fmt.Errorf("failed to unmarshal override capability: %w", uerr)
	}
	return &capability, nil
}

func (r *RedisCoordinator) Health(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return availErr(err)
	}
	return nil
}

func (r *RedisCoordinator) Close() error {
	return r.client.Close()
}
