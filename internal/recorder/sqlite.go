package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/betbot/pairguard/internal/events"
	"github.com/betbot/pairguard/pkg/logger"
)

// SQLiteRecorder 把审计事件落到 sqlite。
// 实现 events.Sink：oracle 的每次状态变更在这里留痕，供事后审计。
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry 一条审计记录
type Entry struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewSQLiteRecorder 打开（或创建）审计库并执行迁移
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Infof("[recorder] 审计库已打开: %s", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// kindOf 事件类型名
func kindOf(ev any) string {
	switch ev.(type) {
	case events.ObservationRecordedEvent:
		return "observation_recorded"
	case events.CeilingChangedEvent:
		return "ceiling_changed"
	case events.FloorChangedEvent:
		return "floor_changed"
	case events.BoundsChangedEvent:
		return "bounds_changed"
	case events.GuardianChangedEvent:
		return "guardian_changed"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

// Publish 实现 events.Sink。
// 审计失败只记日志，不影响 oracle 主流程。
func (r *SQLiteRecorder) Publish(ev any) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[recorder] 序列化事件失败: %v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.Exec(
		`INSERT INTO audit_events (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), kindOf(ev), string(payload), time.Now().Unix(),
	)
	if err != nil {
		logger.Errorf("[recorder] 写入审计事件失败: %v", err)
	}
}

// Recent 最近 limit 条审计记录（新到旧）
func (r *SQLiteRecorder) Recent(limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(
		`SELECT id, kind, payload, created_at FROM audit_events ORDER BY created_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
