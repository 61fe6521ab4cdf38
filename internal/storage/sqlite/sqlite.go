package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"duckplug/internal/storage"
)

// Store реализует storage.Store поверх SQLite.
type Store struct {
	db *sql.DB
}

// Open инициализирует соединение и выполняет миграции.
// Путь ":memory:" открывает базу в памяти (для тестов и одноразовых запусков).
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			plugin TEXT NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_plugin_ts ON metrics(plugin, ts);`,
		`CREATE TABLE IF NOT EXISTS invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			subject TEXT,
			source TEXT,
			plugin TEXT,
			command TEXT,
			status TEXT,
			error_code TEXT,
			request_id TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			payload BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_ts ON invocations(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_subject_ts ON invocations(subject, ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveMetric сохраняет снимок состояния плагина.
func (s *Store) SaveMetric(ctx context.Context, rec storage.MetricRecord) error {
	ts := rec.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics(plugin, payload, ts) VALUES(?,?,?)`, rec.Plugin, rec.Payload, ts.UTC())
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// SaveAudit сохраняет событие вызова.
func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocations(subject, source, plugin, command, status, error_code, request_id, duration_ms, payload, ts)
VALUES(?,?,?,?,?,?,?,?,?,?)`,
		ev.Subject, ev.Source, ev.Plugin, ev.Command, ev.Status, ev.ErrorCode, ev.RequestID, ev.DurationMS, ev.Payload, ts.UTC())
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// LatestMetric возвращает последний снимок по плагину.
func (s *Store) LatestMetric(ctx context.Context, plugin string) (storage.MetricRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT plugin, payload, ts FROM metrics WHERE plugin = ? ORDER BY ts DESC, id DESC LIMIT 1`, plugin)
	var rec storage.MetricRecord
	var ts string
	if err := row.Scan(&rec.Plugin, &rec.Payload, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MetricRecord{}, fmt.Errorf("latest metric for %s: %w", plugin, storage.ErrNotFound)
		}
		return storage.MetricRecord{}, fmt.Errorf("query latest metric: %w", err)
	}
	parsedTS, err := parseSQLiteTS(ts)
	if err != nil {
		return storage.MetricRecord{}, fmt.Errorf("parse metric timestamp: %w", err)
	}
	rec.TS = parsedTS
	return rec, nil
}

// QueryAudit возвращает события по фильтрам, новые первыми.
func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	from := q.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := q.To
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Second)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT subject, source, plugin, command, status, error_code, request_id, duration_ms, payload, ts
FROM invocations
WHERE ts >= ? AND ts <= ?
  AND (? = '' OR subject = ?)
  AND (? = '' OR plugin = ?)
  AND (? = '' OR status = ?)
ORDER BY ts DESC, id DESC
LIMIT ?`, from.UTC(), to.UTC(), q.Subject, q.Subject, q.Plugin, q.Plugin, q.Status, q.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := make([]storage.AuditEvent, 0, limit)
	for rows.Next() {
		var ev storage.AuditEvent
		var ts string
		if err := rows.Scan(&ev.Subject, &ev.Source, &ev.Plugin, &ev.Command, &ev.Status, &ev.ErrorCode, &ev.RequestID, &ev.DurationMS, &ev.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		parsedTS, err := parseSQLiteTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		ev.TS = parsedTS
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

// Prune удаляет события и метрики старше before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"invocations", "metrics"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, before.UTC()) //nolint:gosec // имя таблицы из фиксированного списка
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			total += n
		}
	}
	return total, nil
}

func parseSQLiteTS(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite time format: %q", v)
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
