package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается, если запись отсутствует.
var ErrNotFound = errors.New("not found")

// MetricRecord хранит снимок состояния плагина (health sampler).
type MetricRecord struct {
	Plugin  string
	Payload []byte
	TS      time.Time
}

// AuditEvent фиксирует один вызов команды плагина через транспорт.
type AuditEvent struct {
	Subject    string
	Source     string
	Plugin     string
	Command    string
	Status     string
	ErrorCode  string
	RequestID  string
	DurationMS int64
	Payload    []byte
	TS         time.Time
}

// Action возвращает имя вызова в форме "plugin|command".
func (e AuditEvent) Action() string { return e.Plugin + "|" + e.Command }

// AuditQuery задает фильтры выборки аудита.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Subject string
	Plugin  string
	Status  string
	Limit   int
}

// AuditSink принимает события аудита от транспортов.
type AuditSink interface {
	SaveAudit(ctx context.Context, ev AuditEvent) error
}

// Store описывает операции хранилища.
type Store interface {
	AuditSink
	SaveMetric(ctx context.Context, rec MetricRecord) error
	LatestMetric(ctx context.Context, plugin string) (MetricRecord, error)
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
