package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"duckplug/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAuditRoundTripAndFilters(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	events := []storage.AuditEvent{
		{Subject: "host-1", Source: "ipc", Plugin: "duckdb", Command: "ping", Status: "ok", RequestID: "r1", TS: now.Add(-2 * time.Minute)},
		{Subject: "host-1", Source: "ipc", Plugin: "duckdb", Command: "query", Status: "error", ErrorCode: "deserialization_error", RequestID: "r2", TS: now.Add(-time.Minute)},
		{Subject: "host-2", Source: "web", Plugin: "duckdb", Command: "execute", Status: "ok", RequestID: "r3", DurationMS: 12, Payload: []byte(`{"query":"x"}`), TS: now},
	}
	for _, ev := range events {
		if err := st.SaveAudit(ctx, ev); err != nil {
			t.Fatalf("save audit: %v", err)
		}
	}

	all, err := st.QueryAudit(ctx, storage.AuditQuery{})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].RequestID != "r3" || all[0].DurationMS != 12 || string(all[0].Payload) != `{"query":"x"}` {
		t.Fatalf("newest event first, got %#v", all[0])
	}

	bySubject, err := st.QueryAudit(ctx, storage.AuditQuery{Subject: "host-1"})
	if err != nil {
		t.Fatalf("query by subject: %v", err)
	}
	if len(bySubject) != 2 {
		t.Fatalf("expected 2 events for host-1, got %d", len(bySubject))
	}

	failed, err := st.QueryAudit(ctx, storage.AuditQuery{Status: "error"})
	if err != nil {
		t.Fatalf("query by status: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorCode != "deserialization_error" || failed[0].Action() != "duckdb|query" {
		t.Fatalf("unexpected failed events: %#v", failed)
	}
}

func TestLatestMetric(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.LatestMetric(ctx, "duckdb")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now().UTC()
	_ = st.SaveMetric(ctx, storage.MetricRecord{Plugin: "duckdb", Payload: []byte(`{"n":1}`), TS: now.Add(-time.Minute)})
	_ = st.SaveMetric(ctx, storage.MetricRecord{Plugin: "duckdb", Payload: []byte(`{"n":2}`), TS: now})

	rec, err := st.LatestMetric(ctx, "duckdb")
	if err != nil {
		t.Fatalf("latest metric: %v", err)
	}
	if string(rec.Payload) != `{"n":2}` {
		t.Fatalf("unexpected payload: %s", rec.Payload)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	_ = st.SaveAudit(ctx, storage.AuditEvent{Plugin: "duckdb", Command: "ping", Status: "ok", TS: now.Add(-48 * time.Hour)})
	_ = st.SaveAudit(ctx, storage.AuditEvent{Plugin: "duckdb", Command: "ping", Status: "ok", TS: now})
	_ = st.SaveMetric(ctx, storage.MetricRecord{Plugin: "duckdb", Payload: []byte(`{}`), TS: now.Add(-48 * time.Hour)})

	n, err := st.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned rows, got %d", n)
	}
	left, _ := st.QueryAudit(ctx, storage.AuditQuery{})
	if len(left) != 1 {
		t.Fatalf("expected 1 event left, got %d", len(left))
	}
}

func TestOpenInMemory(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer st.Close()
	if err := st.SaveAudit(context.Background(), storage.AuditEvent{Plugin: "duckdb", Command: "ping"}); err != nil {
		t.Fatalf("save: %v", err)
	}
}
