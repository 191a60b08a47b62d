package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

const timeLayout = time.RFC3339Nano

// SQLiteLedger is the production record store. Serializable transactions
// stand in for row locks: SQLite admits one writer at a time, so a
// transaction that read a row cannot be interleaved with another writer.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens the store, enables WAL, and applies the schema
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteLedger) CreateOrder(ctx context.Context, order *core.Order) error {
	return insertOrder(ctx, s.db, order)
}

func insertOrder(ctx context.Context, q execer, order *core.Order) error {
	meta, err := json.Marshal(struct {
		ReplacedBy    string `json:"replaced_by,omitempty"`
		Replaces      string `json:"replaces,omitempty"`
		ReplaceReason string `json:"replace_reason,omitempty"`
	}{order.Metadata.ReplacedBy, order.Metadata.Replaces, order.Metadata.ReplaceReason})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO orders (
			client_order_id, strategy_id, symbol, side, qty, order_type,
			limit_price, stop_price, time_in_force, execution_style, status,
			broker_order_id, retry_count, parent_order_id, slice_num,
			total_slices, scheduled_time, filled_qty, filled_avg_price,
			filled_at, status_rank, broker_updated_at, source_priority,
			metadata, created_at, updated_at, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ClientOrderID, order.StrategyID, order.Symbol, string(order.Side),
		order.Qty.String(), string(order.OrderType),
		nullDecimal(order.LimitPrice), nullDecimal(order.StopPrice),
		string(order.TimeInForce), string(order.ExecutionStyle), string(order.Status),
		order.BrokerOrderID, order.RetryCount,
		nullString(order.ParentOrderID), nullInt(order.SliceNum),
		nullInt(order.TotalSlices), nullTime(order.ScheduledTime),
		order.FilledQty.String(), nullDecimal(order.FilledAvgPrice),
		nullTime(order.FilledAt), order.StatusRank,
		formatTime(order.BrokerUpdatedAt), string(order.Source),
		string(meta), formatTime(order.CreatedAt), formatTime(order.UpdatedAt),
		nullTime(order.SubmittedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

const orderColumns = `client_order_id, strategy_id, symbol, side, qty, order_type,
	limit_price, stop_price, time_in_force, execution_style, status,
	broker_order_id, retry_count, parent_order_id, slice_num, total_slices,
	scheduled_time, filled_qty, filled_avg_price, filled_at, status_rank,
	broker_updated_at, source_priority, metadata, created_at, updated_at,
	submitted_at`

func (s *SQLiteLedger) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	return getOrder(ctx, s.db, clientOrderID)
}

func getOrder(ctx context.Context, q execer, clientOrderID string) (*core.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	fills, err := loadFills(ctx, q, clientOrderID)
	if err != nil {
		return nil, err
	}
	order.Metadata.Fills = fills
	return order, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*core.Order, error) {
	var o core.Order
	var side, orderType, tif, style, status, src string
	var qty, filledQty, metaJSON string
	var limitPrice, stopPrice, filledAvg, parentID sql.NullString
	var sliceNum, totalSlices sql.NullInt64
	var scheduledAt, filledAt, submittedAt sql.NullString
	var brokerUpdatedAt, createdAt, updatedAt sql.NullString
	err := row.Scan(&o.ClientOrderID, &o.StrategyID, &o.Symbol, &side, &qty,
		&orderType, &limitPrice, &stopPrice, &tif, &style, &status,
		&o.BrokerOrderID, &o.RetryCount, &parentID, &sliceNum, &totalSlices,
		&scheduledAt, &filledQty, &filledAvg, &filledAt, &o.StatusRank,
		&brokerUpdatedAt, &src, &metaJSON, &createdAt, &updatedAt, &submittedAt)
	if err != nil {
		return nil, err
	}

	o.Side = core.Side(side)
	o.OrderType = core.OrderType(orderType)
	o.TimeInForce = core.TimeInForce(tif)
	o.ExecutionStyle = core.ExecutionStyle(style)
	o.Status = core.OrderStatus(status)
	o.Source = core.UpdateSource(src)
	o.Qty, _ = decimal.NewFromString(qty)
	o.FilledQty, _ = decimal.NewFromString(filledQty)
	o.LimitPrice = parseDecimal(limitPrice)
	o.StopPrice = parseDecimal(stopPrice)
	o.FilledAvgPrice = parseDecimal(filledAvg)
	if parentID.Valid {
		v := parentID.String
		o.ParentOrderID = &v
	}
	if sliceNum.Valid {
		v := int(sliceNum.Int64)
		o.SliceNum = &v
	}
	if totalSlices.Valid {
		v := int(totalSlices.Int64)
		o.TotalSlices = &v
	}
	o.ScheduledTime = parseTimePtr(scheduledAt)
	o.FilledAt = parseTimePtr(filledAt)
	o.SubmittedAt = parseTimePtr(submittedAt)
	o.BrokerUpdatedAt = parseTimeVal(brokerUpdatedAt)
	o.CreatedAt = parseTimeVal(createdAt)
	o.UpdatedAt = parseTimeVal(updatedAt)

	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &o.Metadata)
	}
	o.Metadata.Fills = nil
	return &o, nil
}

func loadFills(ctx context.Context, q execer, clientOrderID string) ([]core.Fill, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT fill_id, qty, price, filled_at FROM order_fills
		WHERE client_order_id = ? ORDER BY rowid`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read fills: %w", err)
	}
	defer rows.Close()

	var fills []core.Fill
	for rows.Next() {
		var f core.Fill
		var qty, price, filledAt string
		if err := rows.Scan(&f.FillID, &qty, &price, &filledAt); err != nil {
			return nil, err
		}
		f.Qty, _ = decimal.NewFromString(qty)
		f.Price, _ = decimal.NewFromString(price)
		f.FilledAt, _ = time.Parse(timeLayout, filledAt)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *SQLiteLedger) UpdateOrderBrokerID(ctx context.Context, clientOrderID, brokerOrderID string, submittedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET broker_order_id = ?, submitted_at = ?, updated_at = ?
		WHERE client_order_id = ?`,
		brokerOrderID, formatTime(submittedAt), formatTime(time.Now().UTC()), clientOrderID)
	if err != nil {
		return fmt.Errorf("failed to update broker id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

func (s *SQLiteLedger) UpdateOrderStatusCAS(ctx context.Context, update *core.OrderUpdate) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(tx core.ILedgerTx) error {
		var err error
		applied, err = tx.UpdateOrderStatusCAS(update)
		return err
	})
	return applied, err
}

func (s *SQLiteLedger) InsertPendingModification(ctx context.Context, rec *core.ModificationRecord) error {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO modifications (
			modification_id, seq, original_client_order_id, new_client_order_id,
			idempotency_key, changes, status, error_message, modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ModificationID, rec.Seq, rec.OriginalClientOrderID,
		rec.NewClientOrderID, rec.IdempotencyKey, string(changes),
		string(rec.Status), rec.ErrorMessage, formatTime(rec.ModifiedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert modification: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) UpdateModificationStatus(ctx context.Context, modificationID string, status core.ModificationStatus, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE modifications SET status = ?, error_message = ?, modified_at = ?
		WHERE modification_id = ?`,
		string(status), errorMessage, formatTime(time.Now().UTC()), modificationID)
	if err != nil {
		return fmt.Errorf("failed to update modification: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrModificationNotFound
	}
	return nil
}

func (s *SQLiteLedger) GetModificationByIdempotencyKey(ctx context.Context, key string) (*core.ModificationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT modification_id, seq, original_client_order_id, new_client_order_id,
		       idempotency_key, changes, status, error_message, modified_at
		FROM modifications WHERE idempotency_key = ?`, key)
	rec, err := scanModification(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrModificationNotFound
	}
	return rec, err
}

func scanModification(row rowScanner) (*core.ModificationRecord, error) {
	var rec core.ModificationRecord
	var status, changesJSON, modifiedAt string
	err := row.Scan(&rec.ModificationID, &rec.Seq, &rec.OriginalClientOrderID,
		&rec.NewClientOrderID, &rec.IdempotencyKey, &changesJSON, &status,
		&rec.ErrorMessage, &modifiedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = core.ModificationStatus(status)
	rec.ModifiedAt, _ = time.Parse(timeLayout, modifiedAt)
	if changesJSON != "" {
		_ = json.Unmarshal([]byte(changesJSON), &rec.Changes)
	}
	return &rec, nil
}

// GetNextModificationSeq allocates a monotone sequence number atomically
func (s *SQLiteLedger) GetNextModificationSeq(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO modification_seq (id, value) VALUES (1, 0)`); err != nil {
		return 0, fmt.Errorf("failed to seed sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE modification_seq SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM modification_seq WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, tx.Commit()
}

func (s *SQLiteLedger) GetPendingModifications(ctx context.Context, olderThan time.Time) ([]*core.ModificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT modification_id, seq, original_client_order_id, new_client_order_id,
		       idempotency_key, changes, status, error_message, modified_at
		FROM modifications WHERE status IN (?, ?) AND modified_at < ? ORDER BY seq`,
		string(core.ModPending), string(core.ModSubmittedUnconfirmed), formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending modifications: %w", err)
	}
	defer rows.Close()

	var out []*core.ModificationRecord
	for rows.Next() {
		rec, err := scanModification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteLedger) RegisterSlicingPlan(ctx context.Context, parent *core.Order, children []*core.Order, plan *core.SlicingPlan) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM slicing_plans WHERE parent_order_id = ?`, plan.ParentOrderID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check plan: %w", err)
	}
	if exists > 0 {
		return apperrors.ErrPlanExists
	}

	if err := insertOrder(ctx, tx, parent); err != nil {
		if err == apperrors.ErrDuplicateOrder {
			return apperrors.ErrPlanExists
		}
		return err
	}
	for _, child := range children {
		if err := insertOrder(ctx, tx, child); err != nil {
			return err
		}
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO slicing_plans (parent_order_id, plan, created_at) VALUES (?, ?, ?)`,
		plan.ParentOrderID, string(planJSON), formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteLedger) GetSlicingPlan(ctx context.Context, parentOrderID string) (*core.SlicingPlan, error) {
	var planJSON string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM slicing_plans WHERE parent_order_id = ?`, parentOrderID).Scan(&planJSON)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var plan core.SlicingPlan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	// Refresh slice statuses from the live child rows
	children, err := s.GetSlicesByParentID(ctx, parentOrderID)
	if err == nil {
		byID := make(map[string]core.OrderStatus, len(children))
		for _, child := range children {
			byID[child.ClientOrderID] = child.Status
		}
		for i := range plan.Slices {
			if st, ok := byID[plan.Slices[i].ClientOrderID]; ok {
				plan.Slices[i].Status = st
			}
		}
	}
	return &plan, nil
}

func (s *SQLiteLedger) GetSlicesByParentID(ctx context.Context, parentOrderID string) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = ? ORDER BY slice_num`, parentOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query slices: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (s *SQLiteLedger) CancelPendingSlices(ctx context.Context, parentOrderID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, status_rank = ?, source_priority = ?, updated_at = ?
		WHERE parent_order_id = ? AND status = ? AND broker_order_id = ''`,
		string(core.StatusCanceled), core.StatusRank(core.StatusCanceled),
		string(core.SourceManual), formatTime(time.Now().UTC()),
		parentOrderID, string(core.StatusPendingNew))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending slices: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteLedger) GetPositionBySymbol(ctx context.Context, symbol string) (*core.Position, error) {
	pos, err := readPosition(ctx, s.db, symbol)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrPositionNotFound
	}
	return pos, err
}

func readPosition(ctx context.Context, q execer, symbol string) (*core.Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT symbol, qty, avg_entry_price, realized_pl, updated_at, last_trade_at
		FROM positions WHERE symbol = ?`, symbol)
	var pos core.Position
	var qty, avg, pl, updatedAt string
	var lastTradeAt sql.NullString
	if err := row.Scan(&pos.Symbol, &qty, &avg, &pl, &updatedAt, &lastTradeAt); err != nil {
		return nil, err
	}
	pos.Qty, _ = decimal.NewFromString(qty)
	pos.AvgEntryPrice, _ = decimal.NewFromString(avg)
	pos.RealizedPL, _ = decimal.NewFromString(pl)
	pos.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	pos.LastTradeAt = parseTimePtr(lastTradeAt)
	return &pos, nil
}

// WithTx runs fn in one serializable transaction
func (s *SQLiteLedger) WithTx(ctx context.Context, fn func(tx core.ILedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// sqliteTx is the in-transaction surface. The serializable transaction is
// the row lock: once a row is read here no other writer can commit first.
type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) GetOrderForUpdate(clientOrderID string) (*core.Order, error) {
	return getOrder(t.ctx, t.tx, clientOrderID)
}

func (t *sqliteTx) GetPositionForUpdate(symbol string) (*core.Position, error) {
	pos, err := readPosition(t.ctx, t.tx, symbol)
	if err == sql.ErrNoRows {
		now := formatTime(time.Now().UTC())
		if _, ierr := t.tx.ExecContext(t.ctx, `
			INSERT INTO positions (symbol, qty, avg_entry_price, realized_pl, updated_at)
			VALUES (?, '0', '0', '0', ?)`, symbol, now); ierr != nil {
			return nil, fmt.Errorf("failed to create position row: %w", ierr)
		}
		return readPosition(t.ctx, t.tx, symbol)
	}
	return pos, err
}

func (t *sqliteTx) UpdateOrderStatusCAS(update *core.OrderUpdate) (bool, error) {
	order, err := getOrder(t.ctx, t.tx, update.ClientOrderID)
	if err != nil {
		return false, err
	}
	if !dominates(order, update) {
		return false, nil
	}
	now := time.Now().UTC()
	applyUpdate(order, update, now)
	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE orders SET status = ?, status_rank = ?, broker_updated_at = ?,
			source_priority = ?, broker_order_id = ?, filled_qty = ?,
			filled_avg_price = ?, filled_at = ?, updated_at = ?
		WHERE client_order_id = ?`,
		string(order.Status), order.StatusRank, formatTime(order.BrokerUpdatedAt),
		string(order.Source), order.BrokerOrderID, order.FilledQty.String(),
		nullDecimal(order.FilledAvgPrice), nullTime(order.FilledAt),
		formatTime(now), order.ClientOrderID)
	if err != nil {
		return false, fmt.Errorf("failed to apply status update: %w", err)
	}
	return true, nil
}

func (t *sqliteTx) UpdatePositionOnFill(pos *core.Position) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, realized_pl, updated_at, last_trade_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			realized_pl = excluded.realized_pl,
			updated_at = excluded.updated_at,
			last_trade_at = excluded.last_trade_at`,
		pos.Symbol, pos.Qty.String(), pos.AvgEntryPrice.String(),
		pos.RealizedPL.String(), formatTime(pos.UpdatedAt), nullTime(pos.LastTradeAt))
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return nil
}

func (t *sqliteTx) AppendFill(clientOrderID string, fill core.Fill) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT OR IGNORE INTO order_fills (client_order_id, fill_id, qty, price, filled_at)
		VALUES (?, ?, ?, ?, ?)`,
		clientOrderID, fill.FillID, fill.Qty.String(), fill.Price.String(),
		formatTime(fill.FilledAt))
	if err != nil {
		return false, fmt.Errorf("failed to append fill: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *sqliteTx) InsertReplacementOrder(order *core.Order) error {
	return insertOrder(t.ctx, t.tx, order)
}

func (t *sqliteTx) FinalizeModification(modificationID string, status core.ModificationStatus, errorMessage string) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE modifications SET status = ?, error_message = ?, modified_at = ?
		WHERE modification_id = ?`,
		string(status), errorMessage, formatTime(time.Now().UTC()), modificationID)
	if err != nil {
		return fmt.Errorf("failed to finalize modification: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrModificationNotFound
	}
	return nil
}

func (t *sqliteTx) SetOrderMetadata(clientOrderID string, meta core.OrderMetadata) error {
	data, err := json.Marshal(struct {
		ReplacedBy    string `json:"replaced_by,omitempty"`
		Replaces      string `json:"replaces,omitempty"`
		ReplaceReason string `json:"replace_reason,omitempty"`
	}{meta.ReplacedBy, meta.Replaces, meta.ReplaceReason})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE orders SET metadata = ?, updated_at = ? WHERE client_order_id = ?`,
		string(data), formatTime(time.Now().UTC()), clientOrderID)
	if err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

// Nullable column helpers

func nullDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeVal(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s.String)
	return t
}
