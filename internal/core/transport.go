package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	errTransportExists  = errors.New("transport already registered")
	errUnknownTransport = errors.New("unknown transport")
)

// TransportAdapter определяет жизненный цикл канала, через который хост вызывает плагин.
type TransportAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TransportManager запускает транспорты в порядке регистрации и
// останавливает в обратном.
type TransportManager struct {
	mu      sync.Mutex
	order   []string
	byName  map[string]TransportAdapter
	started []TransportAdapter
	logger  *slog.Logger
}

// NewTransportManager создает пустой менеджер; nil logger отключает логирование.
func NewTransportManager(logger *slog.Logger) *TransportManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TransportManager{byName: make(map[string]TransportAdapter), logger: logger}
}

// Register добавляет транспорт; имена должны быть уникальны.
func (m *TransportManager) Register(adapter TransportAdapter) error {
	if adapter == nil {
		return fmt.Errorf("transport is nil: %w", errInvalidArguments)
	}
	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("transport name is empty: %w", errInvalidArguments)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("%s: %w", name, errTransportExists)
	}
	m.byName[name] = adapter
	m.order = append(m.order, name)
	return nil
}

// Names возвращает транспорты в порядке регистрации.
func (m *TransportManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// StartAll запускает все транспорты; при ошибке уже запущенные останавливаются.
func (m *TransportManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	list := make([]TransportAdapter, 0, len(m.order))
	for _, name := range m.order {
		list = append(list, m.byName[name])
	}
	m.mu.Unlock()

	for _, tr := range list {
		if err := tr.Start(ctx); err != nil {
			_ = m.StopAll(ctx)
			return fmt.Errorf("start transport %s: %w", tr.Name(), err)
		}
		m.mu.Lock()
		m.started = append(m.started, tr)
		m.mu.Unlock()
		m.logger.Info("transport started", "transport", tr.Name())
	}
	return nil
}

// StopAll останавливает запущенные транспорты в обратном порядке.
func (m *TransportManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	list := m.started
	m.started = nil
	m.mu.Unlock()

	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		tr := list[i]
		if err := tr.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop transport %s: %w", tr.Name(), err))
			continue
		}
		m.logger.Info("transport stopped", "transport", tr.Name())
	}
	return errors.Join(errs...)
}

// StopOne останавливает конкретный транспорт по имени.
func (m *TransportManager) StopOne(ctx context.Context, name string) error {
	m.mu.Lock()
	tr, ok := m.byName[name]
	if ok {
		kept := m.started[:0]
		for _, s := range m.started {
			if s.Name() != name {
				kept = append(kept, s)
			}
		}
		m.started = kept
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, errUnknownTransport)
	}
	if err := tr.Stop(ctx); err != nil {
		return fmt.Errorf("stop transport %s: %w", tr.Name(), err)
	}
	return nil
}
