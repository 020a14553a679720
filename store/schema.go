package store

// Schema 定义持久化布局：
// kill_switch 单行版本化记录 + 追加事件表；
// order_ledger 以 client_id 为键的追加日志，orders_view 为最新状态物化视图；
// canary_runs 每次灰度一条版本化记录；
// recon_reports 按时间追加的对账报告；
// risk_audit 风控审计日志。
const schema = `
CREATE TABLE IF NOT EXISTS kill_switch (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    version      INTEGER NOT NULL,
    mode         TEXT    NOT NULL,
    trigger_type TEXT    NOT NULL,
    reason       TEXT    NOT NULL,
    activated_at INTEGER,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kill_switch_events (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    mode         TEXT    NOT NULL,
    trigger_type TEXT    NOT NULL,
    reason       TEXT    NOT NULL,
    at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS order_ledger (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id TEXT    NOT NULL,
    status    TEXT    NOT NULL,
    payload   TEXT    NOT NULL,
    at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_client ON order_ledger(client_id);

CREATE TABLE IF NOT EXISTS orders_view (
    client_id   TEXT PRIMARY KEY,
    exchange_id TEXT,
    symbol      TEXT NOT NULL,
    status      TEXT NOT NULL,
    payload     TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS canary_runs (
    run_id     TEXT PRIMARY KEY,
    version    INTEGER NOT NULL,
    payload    TEXT    NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS recon_reports (
    run_id  TEXT PRIMARY KEY,
    at      INTEGER NOT NULL,
    status  TEXT    NOT NULL,
    payload TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_audit (
    seq      INTEGER PRIMARY KEY AUTOINCREMENT,
    at       INTEGER NOT NULL,
    check_name TEXT NOT NULL,
    result   TEXT    NOT NULL,
    reason   TEXT,
    snapshot TEXT
);
`
