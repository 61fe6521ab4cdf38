// Package plugin реализует плагин "duckdb": разбирает payload хоста,
// вызывает активный бэкенд и возвращает типизированный ответ или ошибку.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"duckplug/internal/backend"
	"duckplug/internal/core"
	"duckplug/internal/models"
)

// Name - имя плагина в реестре хоста.
const Name = "duckdb"

// Команды плагина.
const (
	CmdPing    = "ping"
	CmdExecute = "execute"
	CmdQuery   = "query"
)

// Коды ошибок в core.Response.
const (
	CodeDeserialization = "deserialization_error"
	CodeBackend         = "backend_error"
	CodeUnknownCommand  = "unknown_command"
	CodeNotInitialized  = "not_initialized"
)

var (
	ErrUnknownCommand     = errors.New("unknown command")
	ErrNotInitialized     = errors.New("plugin is not initialized")
	ErrAlreadyInitialized = errors.New("plugin is already initialized")
)


// Config выбирает бэкенд; пустой Backend означает платформу сборки.
type Config struct {
	Backend string
	Path    string
	Params  map[string]any
}

// Plugin держит единственный экземпляр бэкенда на время жизни хоста.
type Plugin struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	backend backend.Backend
}

// New создает плагин; бэкенд создается в Init.
func New(cfg Config, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Plugin{cfg: cfg, logger: logger.With("plugin", Name)}
}

func (p *Plugin) Name() string { return Name }

// Commands возвращает список поддерживаемых команд.
func (p *Plugin) Commands() []string { return []string{CmdPing, CmdExecute, CmdQuery} }

// Init создает ровно один бэкенд и сохраняет его.
func (p *Plugin) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backend != nil {
		return ErrAlreadyInitialized
	}
	b, err := backend.New(ctx, p.cfg.Backend, backend.Options{
		Path:   p.cfg.Path,
		Params: p.cfg.Params,
		Logger: p.logger,
	})
	if err != nil {
		return err
	}
	p.backend = b
	name := p.cfg.Backend
	if name == "" {
		name = backend.DefaultPlatform
	}
	p.logger.Info("plugin initialized", "backend", name)
	return nil
}

// Backend возвращает активный бэкенд или nil до Init.
func (p *Plugin) Backend() backend.Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend
}

// Close освобождает бэкенд.
func (p *Plugin) Close() error {
	p.mu.Lock()
	b := p.backend
	p.backend = nil
	p.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Close()
}

// Invoke реализует core.CommandProvider.
func (p *Plugin) Invoke(ctx context.Context, cmd string, payload []byte) (core.Response, error) {
	b := p.Backend()
	if b == nil {
		return failure(CodeNotInitialized, ErrNotInitialized), ErrNotInitialized
	}

	start := time.Now()
	var (
		resp core.Response
		err  error
	)
	switch cmd {
	case CmdPing:
		resp, err = dispatch(ctx, payload, models.DecodePing, b.Ping)
	case CmdExecute:
		resp, err = dispatch(ctx, payload, models.DecodeExecute, b.Execute)
	case CmdQuery:
		resp, err = dispatch(ctx, payload, models.DecodeQuery, b.Query)
	default:
		err = fmt.Errorf("command %s: %w", cmd, ErrUnknownCommand)
		resp = failure(CodeUnknownCommand, err)
	}

	if err != nil {
		p.logger.Warn("command failed", "command", cmd, "error_code", resp.ErrorCode, "err", err)
	} else {
		p.logger.Debug("command done", "command", cmd, "elapsed", time.Since(start))
	}
	return resp, err
}

// Ping вызывает бэкенд напрямую, минуя разбор JSON.
func (p *Plugin) Ping(ctx context.Context, req models.PingRequest) (models.PingResponse, error) {
	b := p.Backend()
	if b == nil {
		return models.PingResponse{}, ErrNotInitialized
	}
	return b.Ping(ctx, req)
}

// Execute вызывает бэкенд напрямую, минуя разбор JSON.
func (p *Plugin) Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResponse, error) {
	b := p.Backend()
	if b == nil {
		return models.ExecuteResponse{}, ErrNotInitialized
	}
	return b.Execute(ctx, req)
}

// Query вызывает бэкенд напрямую, минуя разбор JSON.
func (p *Plugin) Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error) {
	b := p.Backend()
	if b == nil {
		return models.QueryResponse{}, ErrNotInitialized
	}
	return b.Query(ctx, req)
}

// dispatch: decode -> backend -> ответ. Ошибка бэкенда возвращается без изменений.
func dispatch[Req, Resp any](
	ctx context.Context,
	payload []byte,
	decode func([]byte) (Req, error),
	call func(context.Context, Req) (Resp, error),
) (core.Response, error) {
	req, err := decode(payload)
	if err != nil {
		return failure(CodeDeserialization, err), err
	}
	resp, err := call(ctx, req)
	if err != nil {
		return failure(CodeBackend, err), err
	}
	return core.Response{Status: core.StatusOK, Data: resp}, nil
}

func failure(code string, err error) core.Response {
	return core.Response{Status: core.StatusError, ErrorCode: code, Message: err.Error()}
}

// ErrorCode классифицирует ошибку вызова для транспортов.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrDeserialization):
		return CodeDeserialization
	case errors.Is(err, ErrUnknownCommand):
		return CodeUnknownCommand
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, core.ErrUnknownProvider):
		return core.CodeModuleNotFound
	default:
		return CodeBackend
	}
}

var _ core.CommandProvider = (*Plugin)(nil)
