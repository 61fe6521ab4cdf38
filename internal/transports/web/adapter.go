package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"duckplug/internal/core"
	"duckplug/internal/plugin"
	"duckplug/internal/storage"
	"duckplug/internal/transports/common"
)

type contextKey string

const (
	ctxRequestID  contextKey = "request_id"
	ctxSubjectID  contextKey = "subject_id"
	ctxAuthMethod contextKey = "auth_method"
)

// TokenEntry описывает web bearer-токен.
type TokenEntry struct {
	ID          string
	TokenSHA256 string
	Subject     string
	Roles       []string
	Enabled     bool
}

// Config определяет параметры HTTP-транспорта.
type Config struct {
	ListenAddr               string
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	ShutdownTimeout          time.Duration
	RequestTimeout           time.Duration
	MaxRequestBody           int64
	AllowLegacySubjectHeader bool
	Tokens                   []TokenEntry
	CORSAllowedOrigins       []string
	CORSAllowedMethods       []string
	CORSAllowedHeaders       []string
}

// Adapter реализует web transport поверх net/http.
// Вызовы плагинов идут через common.Service, чтение аудита и метрик - напрямую в store.
type Adapter struct {
	svc    *common.Service
	store  storage.Store
	cfg    Config
	logger *slog.Logger

	tokensByHash map[string]TokenEntry
	corsOrigins  map[string]struct{}

	mu     sync.Mutex
	server *http.Server
}

// NewAdapter создает web transport.
func NewAdapter(svc *common.Service, store storage.Store, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}
	if len(cfg.CORSAllowedMethods) == 0 {
		cfg.CORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.CORSAllowedHeaders) == 0 {
		cfg.CORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tokensByHash := make(map[string]TokenEntry, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		h := strings.ToLower(strings.TrimSpace(token.TokenSHA256))
		if len(h) != 64 {
			continue
		}
		tokensByHash[h] = token
	}

	corsOrigins := make(map[string]struct{}, len(cfg.CORSAllowedOrigins))
	for _, origin := range cfg.CORSAllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		corsOrigins[trimmed] = struct{}{}
	}

	return &Adapter{
		svc:          svc,
		store:        store,
		cfg:          cfg,
		logger:       logger.With("transport", "web"),
		tokensByHash: tokensByHash,
		corsOrigins:  corsOrigins,
	}
}

func (a *Adapter) Name() string { return "web" }

// Start запускает HTTP server и останавливает его при отмене контекста.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("web transport already started")
	}
	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}
	a.server = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server failed", "addr", a.cfg.ListenAddr, "err", err)
		}
	}()
	return nil
}

// Stop завершает HTTP server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *Adapter) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))

	protected := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found")
	}), a.timeoutMiddleware(), a.authSubjectMiddleware())

	mux.Handle("GET /v1/", protected)
	mux.Handle("POST /v1/", protected)

	mux.Handle("GET /v1/plugins", chain(http.HandlerFunc(a.handlePlugins),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware(core.Action{Plugin: "web", Command: "plugins"}),
	))

	// authz и аудит вызова выполняет common.Service
	mux.Handle("POST /v1/invoke/{plugin}/{command}", chain(http.HandlerFunc(a.handleInvoke),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.maxBodyMiddleware(),
	))

	mux.Handle("GET /v1/metrics/latest", chain(http.HandlerFunc(a.handleLatestMetric),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeMetricMiddleware(),
	))

	mux.Handle("GET /v1/audit", chain(http.HandlerFunc(a.handleAudit),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware(core.Action{Plugin: "audit", Command: "read"}),
	))

	return chain(mux, a.requestIDMiddleware(), a.corsMiddleware())
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = common.NewRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) corsMiddleware() middleware {
	allowMethods := strings.Join(a.cfg.CORSAllowedMethods, ", ")
	allowHeaders := strings.Join(a.cfg.CORSAllowedHeaders, ", ")

	isMethodAllowed := func(method string) bool {
		for _, m := range a.cfg.CORSAllowedMethods {
			if strings.EqualFold(strings.TrimSpace(m), method) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := a.corsOrigins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "cors_denied")
				return
			}

			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)

			if r.Method == http.MethodOptions {
				preflightMethod := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))
				if preflightMethod != "" && !isMethodAllowed(preflightMethod) {
					writeError(w, r, http.StatusForbidden, "cors_method_denied")
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) timeoutMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) authSubjectMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, authMethod, code := a.resolveSubject(r)
			if code != "" {
				writeError(w, r, http.StatusUnauthorized, code)
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectID, subjectID)
			ctx = context.WithValue(ctx, ctxAuthMethod, authMethod)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) resolveSubject(r *http.Request) (string, string, string) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[7:])
		if token == "" {
			return "", "", "invalid_token"
		}
		sum := sha256.Sum256([]byte(token))
		entry, ok := a.tokensByHash[hex.EncodeToString(sum[:])]
		if !ok || !entry.Enabled || entry.Subject == "" {
			return "", "", "invalid_token"
		}
		return entry.Subject, "bearer", ""
	}

	if a.cfg.AllowLegacySubjectHeader {
		subjectID := strings.TrimSpace(r.Header.Get("X-Subject-ID"))
		if subjectID != "" {
			return subjectID, "legacy_header", ""
		}
	}

	return "", "", "auth_required"
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeActionMiddleware(action core.Action) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.authorize(w, r, action) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeMetricMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.URL.Query().Get("plugin")
			if name == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !a.authorize(w, r, core.Action{Plugin: name, Command: "read_metrics"}) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorize(w http.ResponseWriter, r *http.Request, action core.Action) bool {
	subjectID := subjectIDFromContext(r.Context())
	if subjectID == "" {
		writeError(w, r, http.StatusUnauthorized, "auth_required")
		return false
	}
	if a.svc.Authorizer == nil {
		return true
	}
	if err := a.svc.Authorizer.Authorize(core.Subject{Source: "web", ID: subjectID}, action); err != nil {
		writeError(w, r, http.StatusForbidden, common.CodeAccessDenied)
		a.audit(r, action, "denied", common.CodeAccessDenied)
		return false
	}
	return true
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
			continue
		default:
			return ""
		}
	}
	return id
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handlePlugins(w http.ResponseWriter, r *http.Request) {
	type pluginDTO struct {
		Name     string   `json:"name"`
		Commands []string `json:"commands"`
	}
	names := a.svc.Registry.Providers()
	items := make([]pluginDTO, 0, len(names))
	for _, name := range names {
		cmds, err := a.svc.Registry.Commands(name)
		if err != nil {
			continue
		}
		if cmds == nil {
			cmds = []string{}
		}
		items = append(items, pluginDTO{Name: name, Commands: cmds})
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
}

func (a *Adapter) handleInvoke(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromContext(r.Context())
	action := core.Action{Plugin: r.PathValue("plugin"), Command: r.PathValue("command")}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
			a.audit(r, action, "error", "payload_too_large")
			return
		}
		writeError(w, r, http.StatusBadRequest, core.CodeBadRequest)
		return
	}

	resp, err := a.svc.Invoke(r.Context(), common.Call{
		RequestID: requestID,
		SubjectID: subjectIDFromContext(r.Context()),
		Plugin:    action.Plugin,
		Command:   action.Command,
		Payload:   payload,
	})
	if isTimeout(r.Context(), err) {
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
		return
	}
	if err != nil {
		a.logger.Debug("invoke failed", "request_id", requestID, "action", action.String(),
			"error_code", plugin.ErrorCode(err), "err", err)
	}

	writeJSON(w, r, invokeStatus(resp), map[string]interface{}{
		"request_id": requestID,
		"status":     resp.Status,
		"data":       resp.Data,
		"error_code": resp.ErrorCode,
		"message":    resp.Message,
	})
}

// invokeStatus переводит код ошибки ответа плагина в HTTP-статус.
func invokeStatus(resp core.Response) int {
	switch resp.ErrorCode {
	case "":
		return http.StatusOK
	case plugin.CodeDeserialization, common.CodeBadCommand, core.CodeBadRequest:
		return http.StatusBadRequest
	case core.CodeModuleNotFound, plugin.CodeUnknownCommand:
		return http.StatusNotFound
	case plugin.CodeBackend:
		return http.StatusBadGateway
	case plugin.CodeNotInitialized:
		return http.StatusServiceUnavailable
	case common.CodeAccessDenied:
		return http.StatusForbidden
	case common.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (a *Adapter) handleLatestMetric(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("plugin")
	action := core.Action{Plugin: name, Command: "read_metrics"}
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "plugin_required")
		return
	}

	rec, err := a.store.LatestMetric(r.Context(), name)
	if err != nil {
		switch {
		case isTimeout(r.Context(), err):
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			a.audit(r, action, "error", "request_timeout")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "metric_not_found")
			a.audit(r, action, "error", "metric_not_found")
		default:
			writeError(w, r, http.StatusInternalServerError, "query_failed")
			a.audit(r, action, "error", "query_failed")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"plugin":     rec.Plugin,
		"ts":         rec.TS.UTC().Format(time.RFC3339),
		"payload":    json.RawMessage(rec.Payload),
	})
	a.audit(r, action, "ok", "")
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	action := core.Action{Plugin: "audit", Command: "read"}
	params := r.URL.Query()

	q := storage.AuditQuery{
		Subject: params.Get("subject"),
		Plugin:  params.Get("plugin"),
		Status:  params.Get("status"),
		Limit:   parseLimit(params.Get("limit")),
	}
	if from := params.Get("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_from")
			return
		}
		q.From = ts
	}
	if to := params.Get("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_to")
			return
		}
		q.To = ts
	}

	events, err := a.store.QueryAudit(r.Context(), q)
	if err != nil {
		if isTimeout(r.Context(), err) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			a.audit(r, action, "error", "request_timeout")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		a.audit(r, action, "error", "query_failed")
		return
	}

	type eventDTO struct {
		Subject    string          `json:"subject"`
		Action     string          `json:"action"`
		Source     string          `json:"source"`
		Status     string          `json:"status"`
		ErrorCode  string          `json:"error_code,omitempty"`
		RequestID  string          `json:"request_id"`
		DurationMS int64           `json:"duration_ms"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		TS         string          `json:"ts"`
	}
	items := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		items = append(items, eventDTO{
			Subject:    ev.Subject,
			Action:     ev.Action(),
			Source:     ev.Source,
			Status:     ev.Status,
			ErrorCode:  ev.ErrorCode,
			RequestID:  ev.RequestID,
			DurationMS: ev.DurationMS,
			Payload:    json.RawMessage(ev.Payload),
			TS:         ev.TS.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
	a.audit(r, action, "ok", "")
}

func requestIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(ctxRequestID).(string)
	if !ok || v == "" {
		return common.NewRequestID()
	}
	return v
}

func subjectIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubjectID).(string)
	return v
}

func authMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAuthMethod).(string)
	return v
}

// audit пишет событие для служебных endpoint'ов; вызовы плагинов аудирует common.Service.
func (a *Adapter) audit(r *http.Request, action core.Action, status, code string) {
	if a.store == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"auth_method": authMethodFromContext(r.Context())})
	ev := storage.AuditEvent{
		Subject:   subjectIDFromContext(r.Context()),
		Source:    "web",
		Plugin:    action.Plugin,
		Command:   action.Command,
		Status:    status,
		ErrorCode: code,
		RequestID: requestIDFromContext(r.Context()),
		Payload:   payload,
	}
	if err := a.store.SaveAudit(r.Context(), ev); err != nil {
		a.logger.Warn("audit write failed", "request_id", ev.RequestID, "err", err)
	}
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": requestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "auth_required":
		return "authentication is required"
	case "invalid_token":
		return "token is invalid"
	case common.CodeAccessDenied:
		return "access denied"
	case "payload_too_large":
		return "request payload is too large"
	case "request_timeout":
		return "request timeout"
	case "cors_denied", "cors_method_denied":
		return "cors policy denied request"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestIDFromContext(r.Context()))
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
