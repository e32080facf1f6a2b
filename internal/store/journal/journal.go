// Package journal keeps the decision funnel: one row per symbol per signal
// cycle with its score, the oracle verdict, the gates it failed and what the
// engine did with it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scalpctl/internal/logger"

	_ "modernc.org/sqlite"
)

// Outcome is the final stage a symbol reached in a cycle.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"   // invalid data or not watching
	OutcomeFiltered  Outcome = "filtered"  // below the oracle prefilter
	OutcomeRejected  Outcome = "rejected"  // failed one or more gates
	OutcomeBlocked   Outcome = "blocked"   // BUY but reserve/guard refused
	OutcomeSubmitted Outcome = "submitted" // entry order placed
	OutcomeFailed    Outcome = "failed"    // broker error on entry
)

// Entry 代表漏斗中的一条记录。
type Entry struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id"`
	At         time.Time `json:"at"`
	Symbol     string    `json:"symbol"`
	Mode       string    `json:"mode"`
	Score      float64   `json:"score"`
	Grade      string    `json:"grade"`
	Price      float64   `json:"price"`
	Verdict    string    `json:"verdict,omitempty"`
	Confidence float64   `json:"confidence"`
	Target     float64   `json:"target"`
	Failed     []string  `json:"failed,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Note       string    `json:"note,omitempty"`
}

// Query filters List. Zero values mean no filter.
type Query struct {
	CycleID string
	Symbol  string
	Since   time.Time
	Limit   int
}

// FunnelCount is the per-outcome tally of one cycle.
type FunnelCount map[Outcome]int

type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decision_funnel (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			mode TEXT,
			score REAL,
			grade TEXT,
			price REAL,
			verdict TEXT,
			confidence REAL,
			target REAL,
			failed_json TEXT,
			outcome TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_funnel_cycle ON decision_funnel(cycle_id)`,
		`CREATE INDEX IF NOT EXISTS idx_funnel_symbol_ts ON decision_funnel(symbol, ts)`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return addColumnIfMissing(db, "decision_funnel", "note", "TEXT")
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}

func (j *Journal) conn() (*sql.DB, error) {
	if j == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("journal 已关闭")
	}
	return db, nil
}

// RecordCycle writes all entries of one cycle in a single transaction.
func (j *Journal) RecordCycle(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	db, err := j.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decision_funnel
			(cycle_id, ts, symbol, mode, score, grade, price, verdict, confidence, target, failed_json, outcome, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		failed := ""
		if len(e.Failed) > 0 {
			raw, _ := json.Marshal(e.Failed)
			failed = string(raw)
		}
		at := e.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			e.CycleID, at.UnixMilli(), strings.ToUpper(e.Symbol), e.Mode, e.Score, e.Grade, e.Price,
			e.Verdict, e.Confidence, e.Target, failed, string(e.Outcome), e.Note,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("journal insert %s: %w", e.Symbol, err)
		}
	}
	return tx.Commit()
}

func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	db, err := j.conn()
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if q.CycleID != "" {
		where = append(where, "cycle_id = ?")
		args = append(args, q.CycleID)
	}
	if q.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(strings.TrimSpace(q.Symbol)))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT id, cycle_id, ts, symbol, mode, score, grade, price, verdict, confidence, target,
		COALESCE(failed_json, ''), outcome, COALESCE(note, '') FROM decision_funnel`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			failed  string
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.CycleID, &ts, &e.Symbol, &e.Mode, &e.Score, &e.Grade, &e.Price,
			&e.Verdict, &e.Confidence, &e.Target, &failed, &outcome, &e.Note); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ts).UTC()
		e.Outcome = Outcome(outcome)
		if failed != "" {
			if err := json.Unmarshal([]byte(failed), &e.Failed); err != nil {
				logger.Warnf("journal: bad failed_json id=%d: %v", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Funnel tallies outcomes of one cycle.
func (j *Journal) Funnel(ctx context.Context, cycleID string) (FunnelCount, error) {
	db, err := j.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM decision_funnel WHERE cycle_id = ? GROUP BY outcome`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(FunnelCount)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[Outcome(outcome)] = n
	}
	return out, rows.Err()
}
