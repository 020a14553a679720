package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store 封装持久化句柄。熔断开关、订单账本、灰度状态与对账报告共用同一实例。
// synchronous=FULL 保证每次提交落盘，熔断写入依赖该语义。
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// KillSwitchRecord 熔断开关的持久化形态
type KillSwitchRecord struct {
	Version     int64
	Mode        string
	TriggerType string
	Reason      string
	ActivatedAt time.Time // 零值表示未激活
	UpdatedAt   time.Time
}

// SaveKillSwitch 同步写入当前状态并追加事件记录。单事务，提交即落盘。
func (s *Store) SaveKillSwitch(rec KillSwitchRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var activatedAt sql.NullInt64
	if !rec.ActivatedAt.IsZero() {
		activatedAt = sql.NullInt64{Int64: rec.ActivatedAt.UnixNano(), Valid: true}
	}
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err = tx.Exec(`INSERT INTO kill_switch (id, version, mode, trigger_type, reason, activated_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			mode = excluded.mode,
			trigger_type = excluded.trigger_type,
			reason = excluded.reason,
			activated_at = excluded.activated_at,
			updated_at = excluded.updated_at`,
		rec.Version, rec.Mode, rec.TriggerType, rec.Reason, activatedAt, now.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert kill_switch: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO kill_switch_events (mode, trigger_type, reason, at) VALUES (?, ?, ?, ?)`,
		rec.Mode, rec.TriggerType, rec.Reason, now.UnixNano())
	if err != nil {
		return fmt.Errorf("append kill_switch event: %w", err)
	}
	return tx.Commit()
}

// LoadKillSwitch 读取持久化状态；第二个返回值表示是否存在。
func (s *Store) LoadKillSwitch() (KillSwitchRecord, bool, error) {
	var rec KillSwitchRecord
	var activatedAt sql.NullInt64
	var updatedAt int64
	err := s.db.QueryRow(`SELECT version, mode, trigger_type, reason, activated_at, updated_at FROM kill_switch WHERE id = 1`).
		Scan(&rec.Version, &rec.Mode, &rec.TriggerType, &rec.Reason, &activatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("load kill_switch: %w", err)
	}
	if activatedAt.Valid {
		rec.ActivatedAt = time.Unix(0, activatedAt.Int64).UTC()
	}
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, true, nil
}

// KillSwitchEvent 熔断事件历史条目
type KillSwitchEvent struct {
	Seq         int64
	Mode        string
	TriggerType string
	Reason      string
	At          time.Time
}

// KillSwitchHistory 返回最近limit条事件，按时间正序。
func (s *Store) KillSwitchHistory(limit int) ([]KillSwitchEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT seq, mode, trigger_type, reason, at FROM
		(SELECT seq, mode, trigger_type, reason, at FROM kill_switch_events ORDER BY seq DESC LIMIT ?)
		ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query kill_switch_events: %w", err)
	}
	defer rows.Close()
	var events []KillSwitchEvent
	for rows.Next() {
		var e KillSwitchEvent
		var at int64
		if err := rows.Scan(&e.Seq, &e.Mode, &e.TriggerType, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// OrderRecord 账本物化视图中的一条订单
type OrderRecord struct {
	ClientID   string
	ExchangeID string
	Symbol     string
	Status     string
	Payload    []byte
	UpdatedAt  time.Time
}

// AppendOrder 追加账本条目并更新物化视图。先写账本、同事务更新视图，
// 崩溃后重放账本即可重建。返回账本序号。
func (s *Store) AppendOrder(rec OrderRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	res, err := tx.Exec(`INSERT INTO order_ledger (client_id, status, payload, at) VALUES (?, ?, ?, ?)`,
		rec.ClientID, rec.Status, string(rec.Payload), now)
	if err != nil {
		return 0, fmt.Errorf("append ledger: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	var exchangeID sql.NullString
	if rec.ExchangeID != "" {
		exchangeID = sql.NullString{String: rec.ExchangeID, Valid: true}
	}
	_, err = tx.Exec(`INSERT INTO orders_view (client_id, exchange_id, symbol, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			exchange_id = excluded.exchange_id,
			symbol = excluded.symbol,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rec.ClientID, exchangeID, rec.Symbol, rec.Status, string(rec.Payload), now)
	if err != nil {
		return 0, fmt.Errorf("update orders_view: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Orders 返回物化视图的全部订单（启动重建内存状态用）。
func (s *Store) Orders() ([]OrderRecord, error) {
	rows, err := s.db.Query(`SELECT client_id, COALESCE(exchange_id, ''), symbol, status, payload, updated_at FROM orders_view`)
	if err != nil {
		return nil, fmt.Errorf("query orders_view: %w", err)
	}
	defer rows.Close()
	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		var payload string
		var updatedAt int64
		if err := rows.Scan(&rec.ClientID, &rec.ExchangeID, &rec.Symbol, &rec.Status, &payload, &updatedAt); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LedgerSeq 返回当前账本最大序号，作为对账快照的单调标记。
func (s *Store) LedgerSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM order_ledger`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("ledger seq: %w", err)
	}
	return seq.Int64, nil
}

// SaveCanaryRun 写入一次灰度的版本化记录。
func (s *Store) SaveCanaryRun(runID string, version int64, payload []byte) error {
	_, err := s.db.Exec(`INSERT INTO canary_runs (run_id, version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		runID, version, string(payload), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save canary run: %w", err)
	}
	return nil
}

// LoadLatestCanaryRun 读取最近更新的灰度记录。
func (s *Store) LoadLatestCanaryRun() (runID string, payload []byte, ok bool, err error) {
	var p string
	err = s.db.QueryRow(`SELECT run_id, payload FROM canary_runs ORDER BY updated_at DESC LIMIT 1`).Scan(&runID, &p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("load canary run: %w", err)
	}
	return runID, []byte(p), true, nil
}

// AppendReport 追加一份对账报告。
func (s *Store) AppendReport(runID string, at time.Time, status string, payload []byte) error {
	_, err := s.db.Exec(`INSERT INTO recon_reports (run_id, at, status, payload) VALUES (?, ?, ?, ?)`,
		runID, at.UnixNano(), status, string(payload))
	if err != nil {
		return fmt.Errorf("append report: %w", err)
	}
	return nil
}

// ReportEntry 对账报告历史条目
type ReportEntry struct {
	RunID   string
	At      time.Time
	Status  string
	Payload []byte
}

// Reports 返回最近limit份报告，时间倒序。
func (s *Store) Reports(limit int) ([]ReportEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT run_id, at, status, payload FROM recon_reports ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	var out []ReportEntry
	for rows.Next() {
		var e ReportEntry
		var at int64
		var payload string
		if err := rows.Scan(&e.RunID, &at, &e.Status, &payload); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at).UTC()
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendAudit 追加一条风控审计记录。审计失败不应阻断检查本身，由调用方决定处理。
func (s *Store) AppendAudit(at time.Time, check, result, reason string, snapshot []byte) error {
	_, err := s.db.Exec(`INSERT INTO risk_audit (at, check_name, result, reason, snapshot) VALUES (?, ?, ?, ?, ?)`,
		at.UnixNano(), check, result, reason, string(snapshot))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditEntry 审计记录
type AuditEntry struct {
	Seq      int64
	At       time.Time
	Check    string
	Result   string
	Reason   string
	Snapshot []byte
}

// AuditTrail 返回最近limit条审计记录，时间正序。
func (s *Store) AuditTrail(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT seq, at, check_name, result, COALESCE(reason, ''), COALESCE(snapshot, '') FROM
		(SELECT * FROM risk_audit ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at int64
		var snapshot string
		if err := rows.Scan(&e.Seq, &at, &e.Check, &e.Result, &e.Reason, &snapshot); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at).UTC()
		e.Snapshot = []byte(snapshot)
		out = append(out, e)
	}
	return out, rows.Err()
}
