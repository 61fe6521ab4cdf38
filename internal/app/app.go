package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"duckplug/internal/backend"
	_ "duckplug/internal/backend/duckdb" // регистрирует бэкенд "duckdb"
	"duckplug/internal/config"
	"duckplug/internal/core"
	"duckplug/internal/health"
	"duckplug/internal/plugin"
	"duckplug/internal/storage"
	"duckplug/internal/storage/sqlite"
	"duckplug/internal/transports/common"
	"duckplug/internal/transports/ipc"
	"duckplug/internal/transports/web"
)

// Options задает окружение процесса; Stdin/Stdout нужны IPC-мосту.
type Options struct {
	Logger *slog.Logger
	Stdin  io.Reader
	Stdout io.Writer
	// EnableIPC/EnableWeb переопределяют конфиг, если не nil.
	EnableIPC *bool
	EnableWeb *bool
}

// App агрегирует зависимости хоста.
type App struct {
	Registry   *core.Registry
	Plugin     *plugin.Plugin
	Transports *core.TransportManager
	Authorizer core.Authorizer
	Limiter    *common.RateLimiter
	Store      storage.Store
	Config     config.Config

	ipc    *ipc.Adapter
	logger *slog.Logger
}

// NewApp строит приложение: хранилище, плагин duckdb, транспорты.
func NewApp(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	lg := opts.Logger
	if lg == nil {
		lg = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	p := plugin.New(plugin.Config{
		Backend: cfg.Plugin.Backend,
		Path:    cfg.DuckDB.Path,
		Params:  cfg.Plugin.Params,
	}, lg)
	r := core.NewRegistry()
	if err := r.Register(ctx, p); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register %s plugin (available backends: %v): %w", plugin.Name, backend.Names(), err)
	}

	a := &App{
		Registry:   r,
		Plugin:     p,
		Transports: core.NewTransportManager(lg),
		Authorizer: core.NewAllowlistAuthorizer(cfg.Security.AuthAllowlist),
		Store:      st,
		Config:     cfg,
		logger:     lg,
	}
	if cfg.IPC.RateLimit > 0 {
		a.Limiter = common.NewRateLimiter(cfg.IPC.RateLimit, time.Second)
	}

	if enabled(opts.EnableIPC, cfg.IPC.Enabled) && opts.Stdin != nil && opts.Stdout != nil {
		a.ipc = ipc.NewAdapter(a.Service("ipc"), opts.Stdin, opts.Stdout, ipc.Config{MaxInFlight: cfg.IPC.MaxInFlight}, lg)
		if err := a.Transports.Register(a.ipc); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register ipc transport: %w", err)
		}
	}
	if enabled(opts.EnableWeb, cfg.Web.Enabled) {
		if err := a.Transports.Register(a.newWeb()); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register web transport: %w", err)
		}
	}
	return a, nil
}

func enabled(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

func (a *App) newWeb() *web.Adapter {
	cfg := a.Config.Web
	tokens := make([]web.TokenEntry, 0, len(cfg.Auth.Tokens))
	for _, token := range cfg.Auth.Tokens {
		tokens = append(tokens, web.TokenEntry{
			ID:          token.ID,
			TokenSHA256: token.TokenSHA256,
			Subject:     token.Subject,
			Roles:       token.Roles,
			Enabled:     token.Enabled,
		})
	}
	return web.NewAdapter(a.Service("web"), a.Store, web.Config{
		ListenAddr:               cfg.ListenAddr,
		ReadTimeout:              time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:             time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		RequestTimeout:           time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		ShutdownTimeout:          time.Duration(cfg.ShutdownTimeoutS) * time.Second,
		MaxRequestBody:           cfg.MaxBodyBytes,
		AllowLegacySubjectHeader: cfg.Auth.AllowLegacySubjectHeader,
		Tokens:                   tokens,
		CORSAllowedOrigins:       cfg.CORS.AllowedOrigins,
		CORSAllowedMethods:       cfg.CORS.AllowedMethods,
		CORSAllowedHeaders:       cfg.CORS.AllowedHeaders,
	}, a.logger)
}

// Service возвращает пайплайн вызова для транспорта source.
func (a *App) Service(source string) *common.Service {
	return &common.Service{
		Source:      source,
		Registry:    a.Registry,
		Authorizer:  a.Authorizer,
		RateLimiter: a.Limiter,
		AuditSink:   a.Store,
		Logger:      a.logger,
	}
}

// HealthSampler возвращает задачу снимка состояния плагина.
func (a *App) HealthSampler() *health.Sampler {
	s := &health.Sampler{
		Plugin:    plugin.Name,
		Invoker:   a.Registry,
		Store:     a.Store,
		Retention: time.Duration(a.Config.SQLite.RetentionDays) * 24 * time.Hour,
		Logger:    a.logger,
	}
	if a.Limiter != nil {
		s.Purge = func(now time.Time) { a.Limiter.Purge(now) }
	}
	return s
}

// Close высвобождает ресурсы приложения.
func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// Serve запускает транспорты и планировщик health-сэмплов до отмены контекста.
// Если включен IPC, конец stdin тоже завершает работу: хост закрыл канал.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := a.Transports.StopAll(stopCtx); err != nil {
			a.logger.Warn("stop transports", "err", err)
		}
	}()
	a.logger.Info("plugin host started", "plugin", plugin.Name, "transports", a.Transports.Names())

	var ipcDone <-chan struct{}
	if a.ipc != nil {
		ipcDone = a.ipc.Done()
	}

	interval := time.Duration(a.Config.Scheduler.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	sched := core.NewScheduler(interval, a.logger)
	sched.Add("health", a.HealthSampler().Run)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-ipcDone:
		err = a.ipc.Err()
		a.logger.Info("ipc input closed")
	}
	cancel()
	<-schedDone
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
