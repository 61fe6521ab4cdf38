package web

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestWebLoadInvokePing проверяет, что параллельные вызовы ping не теряются
// и не смешивают ответы, а задержка остается приемлемой.
func TestWebLoadInvokePing(t *testing.T) {
	t.Parallel()

	adapter, store := newTestAdapter(t, Config{})
	handler := adapter.routes()

	const (
		workers  = 16
		requests = 400
	)
	type sample struct {
		latency time.Duration
		ok      bool
	}
	results := make(chan sample, requests)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				start := time.Now()
				want := fmt.Sprintf("v%d", i)
				req := httptest.NewRequest(http.MethodPost, "/v1/invoke/duckdb/ping", strings.NewReader(`{"value":"`+want+`"}`))
				req.Header.Set("Authorization", "Bearer "+testToken)

				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				resp := rr.Result()
				body, _ := io.ReadAll(resp.Body)
				_ = resp.Body.Close()

				ok := resp.StatusCode == http.StatusOK && strings.Contains(string(body), `"value":"`+want+`"`)
				results <- sample{latency: time.Since(start), ok: ok}
			}
		}()
	}
	for i := 0; i < requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(results)

	var (
		failed    int
		latencies []time.Duration
	)
	for s := range results {
		if !s.ok {
			failed++
		}
		latencies = append(latencies, s.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p95 := percentile(latencies, 0.95)
	t.Logf("load summary: requests=%d failed=%d p95=%s", len(latencies), failed, p95)

	if failed != 0 {
		t.Fatalf("%d requests failed", failed)
	}
	if p95 >= 250*time.Millisecond {
		t.Fatalf("p95 too high: got %s, want < 250ms", p95)
	}
	if got := len(store.events()); got != requests {
		t.Fatalf("expected %d audit events, got %d", requests, got)
	}
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 1 {
		return samples[len(samples)-1]
	}
	idx := int(math.Ceil(float64(len(samples))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}
