package app

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"duckplug/internal/config"
	"duckplug/internal/health"
	"duckplug/internal/storage"
	"duckplug/internal/transports/common"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SQLite.Path = ":memory:"
	cfg.Plugin.Backend = "desktop"
	return cfg
}

func TestNewAppInvokeAndAudit(t *testing.T) {
	ctx := context.Background()
	off := false
	a, err := NewApp(ctx, testConfig(), Options{EnableIPC: &off})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	resp, err := a.Service("cli").Invoke(ctx, common.Call{SubjectID: "local", Plugin: "duckdb", Command: "ping", Payload: []byte(`{"value":"x"}`)})
	if err != nil || resp.Status != "ok" {
		t.Fatalf("invoke: %v %+v", err, resp)
	}
	events, err := a.Store.QueryAudit(ctx, storageQueryAll())
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(events) != 1 || events[0].Action() != "duckdb|ping" || events[0].Source != "cli" {
		t.Fatalf("unexpected audit: %+v", events)
	}
}

func TestNewAppUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Plugin.Backend = "oracle"
	if _, err := NewApp(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestHealthSamplerStoresMetric(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, testConfig(), Options{})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if err := a.HealthSampler().Run(ctx); err != nil {
		t.Fatalf("run sampler: %v", err)
	}
	rec, err := a.Store.LatestMetric(ctx, "duckdb")
	if err != nil {
		t.Fatalf("latest metric: %v", err)
	}
	var snap health.Snapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.PingOK {
		t.Fatalf("expected successful ping: %+v", snap)
	}
}

func TestServeStopsOnIPCEOF(t *testing.T) {
	in := strings.NewReader(`{"id":1,"cmd":"plugin:duckdb|ping","payload":{"value":"hi"}}` + "\n")
	pr, pw := io.Pipe()
	defer pr.Close()

	a, err := NewApp(context.Background(), testConfig(), Options{Stdin: in, Stdout: pw})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	lines := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := pr.Read(buf)
		lines <- string(buf[:n])
	}()

	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background()) }()

	select {
	case line := <-lines:
		if !strings.Contains(line, `"value":"hi"`) || !strings.Contains(line, `"id":1`) {
			t.Fatalf("unexpected reply: %s", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ipc reply")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after ipc input closed")
	}
}

func storageQueryAll() storage.AuditQuery { return storage.AuditQuery{Limit: 10} }
