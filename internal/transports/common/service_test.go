package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"duckplug/internal/core"
	"duckplug/internal/storage"
)

type echoProvider struct{}

func (p *echoProvider) Name() string                   { return "duckdb" }
func (p *echoProvider) Init(ctx context.Context) error { return nil }
func (p *echoProvider) Invoke(ctx context.Context, cmd string, payload []byte) (core.Response, error) {
	if cmd == "fail" {
		return core.Response{Status: core.StatusError, ErrorCode: "backend_error"}, errors.New("boom")
	}
	return core.Response{Status: core.StatusOK, Data: string(payload)}, nil
}

type memorySink struct{ events []storage.AuditEvent }

func (m *memorySink) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func newService(t *testing.T, sink *memorySink, limiter *RateLimiter) *Service {
	t.Helper()
	r := core.NewRegistry()
	if err := r.Register(context.Background(), &echoProvider{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &Service{
		Source:      "ipc",
		Registry:    r,
		Authorizer:  core.NewAllowlistAuthorizer(map[string][]string{"ipc": {"host"}}),
		RateLimiter: limiter,
		AuditSink:   sink,
	}
}

func TestParseLine(t *testing.T) {
	plugin, command, payload, err := ParseLine(`plugin:duckdb|query {"query":"SELECT 1"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plugin != "duckdb" || command != "query" {
		t.Fatalf("unexpected parsed command: %s %s", plugin, command)
	}
	if string(payload) != `{"query":"SELECT 1"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	_, _, payload, err = ParseLine("duckdb|ping")
	if err != nil || payload != nil {
		t.Fatalf("expected empty payload, got %q (%v)", payload, err)
	}
}

func TestParseLineInvalid(t *testing.T) {
	for _, line := range []string{"", "   ", "duckdb", "/host status"} {
		if _, _, _, err := ParseLine(line); err == nil {
			t.Fatalf("%q: expected parse error", line)
		}
	}
}

func TestServicePipelineAudits(t *testing.T) {
	sink := &memorySink{}
	svc := newService(t, sink, nil)
	ctx := context.Background()

	resp, err := svc.ExecuteLine(ctx, "host", `duckdb|ping {"value":"x"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != core.StatusOK || resp.Data != `{"value":"x"}` {
		t.Fatalf("unexpected response: %#v", resp)
	}

	if _, err := svc.ExecuteLine(ctx, "host", "duckdb|fail"); err == nil {
		t.Fatalf("expected provider error")
	}
	if _, err := svc.ExecuteLine(ctx, "intruder", "duckdb|ping"); err == nil {
		t.Fatalf("expected access denied")
	}

	if len(sink.events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(sink.events))
	}
	statuses := []string{sink.events[0].Status, sink.events[1].Status, sink.events[2].Status}
	if statuses[0] != "ok" || statuses[1] != "error" || statuses[2] != "denied" {
		t.Fatalf("unexpected audit statuses: %v", statuses)
	}
	if sink.events[0].RequestID == "" || string(sink.events[0].Payload) != `{"value":"x"}` {
		t.Fatalf("audit event missing request id or payload: %#v", sink.events[0])
	}
	if sink.events[1].ErrorCode != "backend_error" {
		t.Fatalf("expected error code in audit, got %q", sink.events[1].ErrorCode)
	}
}

func TestServiceRateLimit(t *testing.T) {
	svc := newService(t, &memorySink{}, NewRateLimiter(1, time.Minute))
	ctx := context.Background()
	if _, err := svc.Invoke(ctx, Call{SubjectID: "host", Plugin: "duckdb", Command: "ping"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	resp, err := svc.Invoke(ctx, Call{SubjectID: "host", Plugin: "duckdb", Command: "ping"})
	if !errors.Is(err, ErrRateLimited) || resp.ErrorCode != CodeRateLimited {
		t.Fatalf("expected rate limit, got %v / %#v", err, resp)
	}
}

func TestAuditPayloadDropsInvalidJSON(t *testing.T) {
	if auditPayload([]byte("not json")) != nil {
		t.Fatalf("invalid json must not be stored")
	}
	if string(auditPayload([]byte(`{"a":1}`))) != `{"a":1}` {
		t.Fatalf("valid json must be stored")
	}
}
