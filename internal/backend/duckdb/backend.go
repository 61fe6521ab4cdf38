// Package duckdb реализует бэкенд поверх встроенной DuckDB (database/sql).
//
// Бэкенд регистрируется пустым импортом:
//
//	import _ "duckplug/internal/backend/duckdb"
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver

	"duckplug/internal/backend"
	"duckplug/internal/models"
)

// Name - имя бэкенда в реестре.
const Name = "duckdb"

func init() {
	backend.Register(Name, func(ctx context.Context, opts backend.Options) (backend.Backend, error) {
		return Open(ctx, opts)
	})
}

// Backend выполняет execute/query в DuckDB; параллельные вызовы разделяют один *sql.DB.
type Backend struct {
	db      *sql.DB
	params  Params
	logger  *slog.Logger
	dsnPath string
}

// Open открывает базу opts.Path; пустой путь означает ":memory:".
func Open(ctx context.Context, opts backend.Options) (*Backend, error) {
	params, err := decodeParams(opts.Params)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	path := opts.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	b := &Backend{db: db, params: params, logger: logger.With("backend", Name), dsnPath: path}
	if err := b.configure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.logger.Info("duckdb opened", "path", path, "extensions", params.Extensions)
	return b, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return ""
	}
	return path
}

func (b *Backend) configure(ctx context.Context) error {
	for _, ext := range b.params.Extensions {
		name := strings.TrimSpace(ext)
		if name == "" {
			continue
		}
		stmt := fmt.Sprintf("INSTALL %s; LOAD %s;", name, name)
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("load extension %s: %w", name, err)
		}
	}
	for key, value := range b.params.Settings {
		stmt := fmt.Sprintf("SET GLOBAL %s = %s", key, quoteLiteral(value))
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply setting %s: %w", key, err)
		}
	}
	return nil
}

// Ping возвращает значение запроса; база не затрагивается.
func (b *Backend) Ping(ctx context.Context, req models.PingRequest) (models.PingResponse, error) {
	return models.PingResponse{Value: req.Value}, nil
}

// Execute выполняет изменяющий запрос.
func (b *Backend) Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResponse, error) {
	start := time.Now()
	res, err := b.db.ExecContext(ctx, req.Query)
	if err != nil {
		b.logger.Debug("execute failed", "err", err)
		return models.ExecuteResponse{Success: false, Message: err.Error()}, backend.NewError("execute", req.Query, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// DDL не сообщает число строк
		affected = 0
	}
	b.logger.Debug("execute done", "rows", affected, "elapsed", time.Since(start))
	return models.ExecuteResponse{
		Success:      true,
		Message:      "Executed query: " + req.Query,
		RowsAffected: models.Int64(affected),
	}, nil
}

// Query возвращает каждую строку как JSON-объект с колонками в исходном порядке.
func (b *Backend) Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error) {
	failed := func(err error) (models.QueryResponse, error) {
		b.logger.Debug("query failed", "err", err)
		return models.QueryResponse{Success: false, Data: []json.RawMessage{}, Message: models.String(err.Error())},
			backend.NewError("query", req.Query, err)
	}

	rows, err := b.db.QueryContext(ctx, req.Query)
	if err != nil {
		return failed(err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return failed(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return failed(err)
	}
	dbTypes := make([]string, len(colTypes))
	for i, ct := range colTypes {
		dbTypes[i] = ct.DatabaseTypeName()
	}

	data := make([]json.RawMessage, 0)
	truncated := false
	for rows.Next() {
		if len(data) >= b.params.MaxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return failed(err)
		}
		obj, err := encodeRow(cols, dbTypes, values)
		if err != nil {
			return failed(err)
		}
		data = append(data, obj)
	}
	if err := rows.Err(); err != nil {
		return failed(err)
	}

	msg := "Queried: " + req.Query
	if truncated {
		msg = fmt.Sprintf("%s (truncated to %d rows)", msg, b.params.MaxRows)
	}
	return models.QueryResponse{Success: true, Data: data, Message: models.String(msg)}, nil
}

// Close закрывает базу.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing database connection", "path", b.dsnPath)
	return b.db.Close()
}

var _ backend.Backend = (*Backend)(nil)
