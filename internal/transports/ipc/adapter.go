package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"duckplug/internal/core"
	duckplugin "duckplug/internal/plugin"
	"duckplug/internal/transports/common"
)

const maxLineBytes = 4 << 20

// Config задает параметры IPC-моста.
type Config struct {
	// SubjectID - идентификатор хоста для authz и аудита.
	SubjectID string
	// MaxInFlight ограничивает число одновременно выполняемых вызовов.
	MaxInFlight int
}

// Request - строка запроса хоста: {"id":1,"cmd":"plugin:duckdb|ping","payload":{...}}.
type Request struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply - строка ответа; id повторяет id запроса.
type Reply struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Status    string          `json:"status"`
	Data      interface{}     `json:"data,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Adapter реализует JSON-lines транспорт поверх пары reader/writer (обычно stdin/stdout).
type Adapter struct {
	svc    *common.Service
	in     io.Reader
	out    io.Writer
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewAdapter создает IPC-адаптер.
func NewAdapter(svc *common.Service, in io.Reader, out io.Writer, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.SubjectID == "" {
		cfg.SubjectID = "host"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{svc: svc, in: in, out: out, cfg: cfg, logger: logger.With("transport", "ipc")}
}

func (a *Adapter) Name() string { return "ipc" }

// Start запускает чтение запросов в фоне.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return errors.New("ipc transport already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		err := a.Serve(runCtx)
		a.mu.Lock()
		a.err = err
		close(a.done)
		a.mu.Unlock()
	}()
	return nil
}

// Done закрывается, когда входной поток закончился или транспорт остановлен.
func (a *Adapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Err возвращает ошибку цикла чтения после закрытия Done.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Stop отменяет выполняющиеся вызовы и ждет завершения цикла.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	// закрытие входа прерывает заблокированное чтение
	if c, ok := a.in.(io.Closer); ok {
		_ = c.Close()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve читает строки до EOF; каждая строка обрабатывается в отдельной горутине.
func (a *Adapter) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxInFlight)

	for scanner.Scan() {
		if gctx.Err() != nil {
			break
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		g.Go(func() error {
			return a.write(a.handle(gctx, line))
		})
	}
	waitErr := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ipc input: %w", err)
	}
	return waitErr
}

func (a *Adapter) handle(ctx context.Context, line []byte) Reply {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Reply{Status: core.StatusError, ErrorCode: core.CodeBadRequest, Message: fmt.Sprintf("invalid request line: %v", err)}
	}
	plugin, cmd, err := core.ParseInvokeTarget(req.Cmd)
	if err != nil {
		return Reply{ID: req.ID, Status: core.StatusError, ErrorCode: common.CodeBadCommand, Message: err.Error()}
	}

	resp, err := a.svc.Invoke(ctx, common.Call{
		SubjectID: a.cfg.SubjectID,
		Plugin:    plugin,
		Command:   cmd,
		Payload:   req.Payload,
	})
	if err != nil {
		a.logger.Debug("ipc call failed", "cmd", req.Cmd, "error_code", errorCode(resp, err), "err", err)
	}
	return Reply{ID: req.ID, Status: resp.Status, Data: resp.Data, ErrorCode: resp.ErrorCode, Message: resp.Message}
}

// errorCode берет код из ответа, а для ошибок без кода классифицирует ошибку плагина.
func errorCode(resp core.Response, err error) string {
	if resp.ErrorCode != "" {
		return resp.ErrorCode
	}
	return duckplugin.ErrorCode(err)
}

func (a *Adapter) write(reply Reply) error {
	buf, err := json.Marshal(reply)
	if err != nil {
		buf, _ = json.Marshal(Reply{ID: reply.ID, Status: core.StatusError, ErrorCode: core.CodeBadRequest, Message: err.Error()})
	}
	buf = append(buf, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.out.Write(buf); err != nil {
		return fmt.Errorf("write ipc reply: %w", err)
	}
	return nil
}
