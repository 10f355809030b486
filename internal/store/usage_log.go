// Package store persists the broker's durable state: the append-only usage
// log (SQLite), session snapshots (one JSON file each), and the durable
// checkpoint mirror (JSONL).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"metamcp/internal/ledger"
	"metamcp/internal/logging"
	"metamcp/internal/types"
)

// UsageLog is the SQLite-backed analytics log. One row per completed tool
// call; the estimator and the restore path read it back.
type UsageLog struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewUsageLog opens (creating if needed) the usage database at path.
func NewUsageLog(path string) (*UsageLog, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewUsageLog")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	u := &UsageLog{db: db, dbPath: path}
	if err := u.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("usage log ready at %s", path)
	return u, nil
}

func (u *UsageLog) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ms INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		tool TEXT NOT NULL,
		method TEXT NOT NULL,
		consumed INTEGER NOT NULL,
		estimated INTEGER NOT NULL,
		rewrite_fired INTEGER NOT NULL DEFAULT 0,
		saved INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_tool_method_at ON usage_records(tool, method, at_ms);
	CREATE INDEX IF NOT EXISTS idx_usage_session_at ON usage_records(session_id, at_ms);
	`
	if _, err := u.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create usage schema: %w", err)
	}
	return nil
}

// Append writes one usage row.
func (u *UsageLog) Append(rec types.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	fired := 0
	if rec.RewriteFired {
		fired = 1
	}
	_, err := u.db.Exec(
		`INSERT INTO usage_records (at_ms, session_id, role, tool, method, consumed, estimated, rewrite_fired, saved)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), rec.SessionID, rec.Role, rec.Tool, rec.Method,
		rec.Consumed, rec.Estimated, fired, rec.Saved,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// MeanConsumed returns the average consumed tokens for (tool, method) since
// the given instant, with the sample count.
func (u *UsageLog) MeanConsumed(tool, method string, since time.Time) (float64, int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var mean sql.NullFloat64
	var n int
	err := u.db.QueryRow(
		`SELECT AVG(consumed), COUNT(*) FROM usage_records
		 WHERE tool = ? AND method = ? AND at_ms >= ?`,
		tool, method, since.UnixMilli(),
	).Scan(&mean, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query mean consumption: %w", err)
	}
	if !mean.Valid {
		return 0, 0, nil
	}
	return mean.Float64, n, nil
}

// ConsumedSince sums the tokens a session consumed strictly after the given
// instant. The restore path replays this on top of a saved snapshot.
func (u *UsageLog) ConsumedSince(sessionID string, after time.Time) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var sum sql.NullInt64
	err := u.db.QueryRow(
		`SELECT SUM(consumed) FROM usage_records WHERE session_id = ? AND at_ms > ?`,
		sessionID, after.UnixMilli(),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to query trailing consumption: %w", err)
	}
	if !sum.Valid {
		return 0, nil
	}
	return int(sum.Int64), nil
}

// ToolSpend aggregates spend per (tool, method).
type ToolSpend struct {
	Tool     string
	Method   string
	Calls    int
	Consumed int
	Saved    int
}

// RoleSpend aggregates spend per role.
type RoleSpend struct {
	Role     string
	Calls    int
	Consumed int
}

// SpendByTool returns per-method spend since the given instant, most
// expensive first.
func (u *UsageLog) SpendByTool(since time.Time) ([]ToolSpend, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	rows, err := u.db.Query(
		`SELECT tool, method, COUNT(*), SUM(consumed), SUM(saved)
		 FROM usage_records WHERE at_ms >= ?
		 GROUP BY tool, method
		 ORDER BY SUM(consumed) DESC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool spend: %w", err)
	}
	defer rows.Close()

	var out []ToolSpend
	for rows.Next() {
		var ts ToolSpend
		if err := rows.Scan(&ts.Tool, &ts.Method, &ts.Calls, &ts.Consumed, &ts.Saved); err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// SpendByRole returns per-role spend since the given instant, most
// expensive first.
func (u *UsageLog) SpendByRole(since time.Time) ([]RoleSpend, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	rows, err := u.db.Query(
		`SELECT role, COUNT(*), SUM(consumed)
		 FROM usage_records WHERE at_ms >= ?
		 GROUP BY role
		 ORDER BY SUM(consumed) DESC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query role spend: %w", err)
	}
	defer rows.Close()

	var out []RoleSpend
	for rows.Next() {
		var rs RoleSpend
		if err := rows.Scan(&rs.Role, &rs.Calls, &rs.Consumed); err != nil {
			continue
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the given instant and returns how many went.
// The estimator only looks back thirty days, so anything older is dead weight.
func (u *UsageLog) Prune(olderThan time.Time) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	res, err := u.db.Exec(`DELETE FROM usage_records WHERE at_ms < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("pruned %d usage records older than %s", n, olderThan.Format(time.RFC3339))
	}
	return n, nil
}

// Close closes the database.
func (u *UsageLog) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.db.Close()
}

var _ ledger.UsageLog = (*UsageLog)(nil)
