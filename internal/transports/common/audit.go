package common

import (
	"context"
	"time"

	"github.com/google/uuid"

	"duckplug/internal/core"
	"duckplug/internal/storage"
)

// NewRequestID возвращает идентификатор вызова для аудита и корреляции ответов.
func NewRequestID() string {
	return uuid.NewString()
}

func (s *Service) writeAudit(ctx context.Context, call Call, resp core.Response, status string, elapsed time.Duration) {
	if s.AuditSink == nil {
		return
	}
	ev := storage.AuditEvent{
		Subject:    call.SubjectID,
		Source:     s.Source,
		Plugin:     call.Plugin,
		Command:    call.Command,
		Status:     status,
		ErrorCode:  resp.ErrorCode,
		RequestID:  call.RequestID,
		DurationMS: elapsed.Milliseconds(),
		Payload:    auditPayload(call.Payload),
	}
	if err := s.AuditSink.SaveAudit(ctx, ev); err != nil {
		s.logger().Warn("audit write failed", "request_id", call.RequestID, "err", err)
	}
}

// auditPayload сохраняет payload только если это валидный JSON ограниченного размера.
func auditPayload(payload []byte) []byte {
	const maxAuditPayload = 4 << 10
	if len(payload) == 0 || len(payload) > maxAuditPayload || !jsonValid(payload) {
		return nil
	}
	return append([]byte(nil), payload...)
}
