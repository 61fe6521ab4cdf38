package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Job описывает периодическую задачу хоста.
type Job func(ctx context.Context) error

type namedJob struct {
	name string
	run  Job
}

// Scheduler запускает задачи с фиксированным интервалом; ошибки задач логируются.
type Scheduler struct {
	interval time.Duration
	jobs     []namedJob
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewScheduler создает scheduler с заданным интервалом.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{interval: interval, logger: logger}
}

// Add добавляет задачу в расписание.
func (s *Scheduler) Add(name string, job Job) {
	s.jobs = append(s.jobs, namedJob{name: name, run: job})
}

// Start запускает scheduler до отмены контекста и дожидается активных задач.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := job.run(ctx); err != nil {
				s.logger.Warn("scheduled job failed", "job", job.name, "err", err)
			}
		}()
	}
}
