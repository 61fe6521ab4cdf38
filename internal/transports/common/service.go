package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"duckplug/internal/core"
	"duckplug/internal/storage"
)

// Коды ошибок транспортного уровня.
const (
	CodeBadCommand   = "bad_command"
	CodeAccessDenied = "access_denied"
	CodeRateLimited  = "rate_limited"
)

var (
	errEmptyCommand = errors.New("empty command")
	errRateLimited  = errors.New("rate limit exceeded")
)

// ErrRateLimited возвращается, когда субъект превысил лимит вызовов.
var ErrRateLimited = errRateLimited

// Call описывает один вызов команды плагина, пришедший от хоста.
type Call struct {
	RequestID string
	SubjectID string
	Plugin    string
	Command   string
	Payload   []byte
}

// Service объединяет общий пайплайн authz -> ratelimit -> registry -> audit.
type Service struct {
	Source      string
	Registry    *core.Registry
	Authorizer  core.Authorizer
	RateLimiter *RateLimiter
	AuditSink   storage.AuditSink
	Logger      *slog.Logger
}

// Invoke проводит вызов через весь пайплайн транспорта.
func (s *Service) Invoke(ctx context.Context, call Call) (core.Response, error) {
	if call.RequestID == "" {
		call.RequestID = NewRequestID()
	}
	start := time.Now()
	subject := core.Subject{Source: s.Source, ID: call.SubjectID}
	action := core.Action{Plugin: call.Plugin, Command: call.Command}

	if s.Authorizer != nil {
		if err := s.Authorizer.Authorize(subject, action); err != nil {
			resp := core.Response{Status: core.StatusError, ErrorCode: CodeAccessDenied, Message: "access denied"}
			s.writeAudit(ctx, call, resp, "denied", time.Since(start))
			return resp, err
		}
	}
	if s.RateLimiter != nil {
		if !s.RateLimiter.Allow(fmt.Sprintf("%s:%s", s.Source, call.SubjectID), time.Now()) {
			resp := core.Response{Status: core.StatusError, ErrorCode: CodeRateLimited, Message: errRateLimited.Error()}
			s.writeAudit(ctx, call, resp, "rate_limited", time.Since(start))
			return resp, errRateLimited
		}
	}

	resp, err := s.Registry.Invoke(ctx, call.Plugin, call.Command, call.Payload)
	status := core.StatusOK
	if err != nil || resp.Status == core.StatusError {
		status = core.StatusError
	}
	s.writeAudit(ctx, call, resp, status, time.Since(start))
	s.logger().Debug("invocation", "source", s.Source, "request_id", call.RequestID,
		"action", action.String(), "status", status, "error_code", resp.ErrorCode)
	return resp, err
}

// ExecuteLine парсит текстовую команду и вызывает плагин.
func (s *Service) ExecuteLine(ctx context.Context, subjectID, line string) (core.Response, error) {
	plugin, command, payload, err := ParseLine(line)
	if err != nil {
		return core.Response{Status: core.StatusError, ErrorCode: CodeBadCommand, Message: err.Error()}, err
	}
	return s.Invoke(ctx, Call{SubjectID: subjectID, Plugin: plugin, Command: command, Payload: payload})
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// ParseLine переводит строку в (plugin, command, payload).
// Формат: <target> [json], например: plugin:duckdb|query {"query":"SELECT 1"}
func ParseLine(line string) (string, string, []byte, error) {
	t := strings.TrimSpace(line)
	if t == "" {
		return "", "", nil, errEmptyCommand
	}
	target, rest, _ := strings.Cut(t, " ")
	plugin, command, err := core.ParseInvokeTarget(target)
	if err != nil {
		return "", "", nil, fmt.Errorf("invalid command format: %w", err)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return plugin, command, nil, nil
	}
	return plugin, command, []byte(rest), nil
}

func jsonValid(b []byte) bool { return json.Valid(b) }
