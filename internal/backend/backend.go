// Package backend описывает набор возможностей {ping, execute, query} и
// платформенные реализации, между которыми выбирает плагин при инициализации.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"duckplug/internal/models"
)

// ErrBackend помечает любую ошибку, возникшую внутри реализации бэкенда.
var ErrBackend = errors.New("backend error")

// Backend определяет контракт, который выполняет любая реализация.
// Реализация сама отвечает за синхронизацию своего состояния.
type Backend interface {
	Ping(ctx context.Context, req models.PingRequest) (models.PingResponse, error)
	Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResponse, error)
	Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error)
	Close() error
}

// Options передаются фабрике при создании бэкенда.
type Options struct {
	Path   string
	Params map[string]any
	Logger *slog.Logger
}

// BackendError описывает сбой движка для конкретной операции.
type BackendError struct {
	Op    string
	Query string
	Err   error
}

func (e *BackendError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Query, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is позволяет проверять ошибку через errors.Is(err, ErrBackend).
func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// NewError оборачивает ошибку движка в BackendError.
func NewError(op, query string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Query: query, Err: err}
}

func echo(req models.PingRequest) models.PingResponse {
	return models.PingResponse{Value: req.Value}
}
