package ledger

// SQLite schema. Decimals are stored as text to keep fixed precision;
// timestamps are RFC3339Nano text in UTC.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    client_order_id   TEXT PRIMARY KEY,
    strategy_id       TEXT NOT NULL,
    symbol            TEXT NOT NULL,
    side              TEXT NOT NULL,
    qty               TEXT NOT NULL,
    order_type        TEXT NOT NULL,
    limit_price       TEXT,
    stop_price        TEXT,
    time_in_force     TEXT NOT NULL,
    execution_style   TEXT NOT NULL DEFAULT 'instant',
    status            TEXT NOT NULL,
    broker_order_id   TEXT NOT NULL DEFAULT '',
    retry_count       INTEGER NOT NULL DEFAULT 0,
    parent_order_id   TEXT,
    slice_num         INTEGER,
    total_slices      INTEGER,
    scheduled_time    TEXT,
    filled_qty        TEXT NOT NULL DEFAULT '0',
    filled_avg_price  TEXT,
    filled_at         TEXT,
    status_rank       INTEGER NOT NULL DEFAULT 0,
    broker_updated_at TEXT,
    source_priority   TEXT NOT NULL DEFAULT '',
    metadata          TEXT NOT NULL DEFAULT '{}',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    submitted_at      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_parent_slice
    ON orders(parent_order_id, slice_num)
    WHERE parent_order_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS order_fills (
    client_order_id TEXT NOT NULL,
    fill_id         TEXT NOT NULL,
    qty             TEXT NOT NULL,
    price           TEXT NOT NULL,
    filled_at       TEXT NOT NULL,
    PRIMARY KEY (client_order_id, fill_id)
);

CREATE TABLE IF NOT EXISTS positions (
    symbol          TEXT PRIMARY KEY,
    qty             TEXT NOT NULL DEFAULT '0',
    avg_entry_price TEXT NOT NULL DEFAULT '0',
    realized_pl     TEXT NOT NULL DEFAULT '0',
    updated_at      TEXT NOT NULL,
    last_trade_at   TEXT
);

CREATE TABLE IF NOT EXISTS modifications (
    modification_id          TEXT PRIMARY KEY,
    seq                      INTEGER NOT NULL,
    original_client_order_id TEXT NOT NULL,
    new_client_order_id      TEXT NOT NULL,
    idempotency_key          TEXT NOT NULL UNIQUE,
    changes                  TEXT NOT NULL DEFAULT '{}',
    status                   TEXT NOT NULL,
    error_message            TEXT NOT NULL DEFAULT '',
    modified_at              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS modification_seq (
    id    INTEGER PRIMARY KEY CHECK (id = 1),
    value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS slicing_plans (
    parent_order_id TEXT PRIMARY KEY,
    plan            TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
`
