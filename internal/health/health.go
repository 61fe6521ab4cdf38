// Package health собирает периодический снимок состояния плагина и узла.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"duckplug/internal/core"
	"duckplug/internal/storage"
)

// Invoker - часть реестра, нужная сэмплеру.
type Invoker interface {
	Invoke(ctx context.Context, plugin, cmd string, payload []byte) (core.Response, error)
}

// Snapshot - одна запись метрики плагина.
type Snapshot struct {
	Plugin     string  `json:"plugin"`
	PingOK     bool    `json:"ping_ok"`
	PingMS     float64 `json:"ping_ms"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Hostname   string  `json:"hostname,omitempty"`
	Platform   string  `json:"platform,omitempty"`
	UptimeSec  uint64  `json:"uptime_sec,omitempty"`
	ProcessRSS uint64  `json:"process_rss,omitempty"`
	MemUsedPct float64 `json:"mem_used_pct,omitempty"`
	Load1      float64 `json:"load1,omitempty"`
	Load5      float64 `json:"load5,omitempty"`
	Load15     float64 `json:"load15,omitempty"`
}

// Sampler пингует плагин, снимает метрики процесса и узла и сохраняет их.
type Sampler struct {
	Plugin    string
	Invoker   Invoker
	Store     storage.Store
	Retention time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger

	// Purge вызывается в конце каждого прохода (например, очистка rate limiter).
	Purge func(now time.Time)
}

// Sample собирает снимок без сохранения. Недоступные системные метрики пропускаются.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{Plugin: s.Plugin}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	resp, err := s.Invoker.Invoke(pingCtx, s.Plugin, "ping", []byte(`{"value":"health"}`))
	cancel()
	snap.PingMS = float64(time.Since(start).Microseconds()) / 1000
	snap.PingOK = err == nil && resp.Status == core.StatusOK
	snap.ErrorCode = resp.ErrorCode

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.UptimeSec = info.Uptime
	} else {
		s.logger().Debug("host info unavailable", "err", err)
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
			snap.ProcessRSS = mi.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemUsedPct = vm.UsedPercent
	} else {
		s.logger().Debug("memory info unavailable", "err", err)
	}
	if ld, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = ld.Load1, ld.Load5, ld.Load15
	} else {
		s.logger().Debug("load info unavailable", "err", err)
	}
	return snap
}

// Run - задача для core.Scheduler: снимок, сохранение, очистка старых записей.
func (s *Sampler) Run(ctx context.Context) error {
	snap := s.Sample(ctx)
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.Store.SaveMetric(ctx, storage.MetricRecord{Plugin: s.Plugin, Payload: payload}); err != nil {
		return fmt.Errorf("save metric: %w", err)
	}
	if !snap.PingOK {
		s.logger().Warn("plugin ping failed", "plugin", s.Plugin, "error_code", snap.ErrorCode)
	}

	now := time.Now()
	if s.Retention > 0 {
		removed, err := s.Store.Prune(ctx, now.Add(-s.Retention))
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		if removed > 0 {
			s.logger().Debug("pruned old records", "rows", removed)
		}
	}
	if s.Purge != nil {
		s.Purge(now)
	}
	return nil
}

func (s *Sampler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}
