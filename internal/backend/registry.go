package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Factory создает экземпляр бэкенда.
type Factory func(ctx context.Context, opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register(PlatformDesktop, func(ctx context.Context, opts Options) (Backend, error) {
		return NewDesktop(), nil
	})
	Register(PlatformMobile, func(ctx context.Context, opts Options) (Backend, error) {
		return NewMobile(), nil
	})
}

// Register добавляет фабрику; повторная регистрация имени заменяет прежнюю.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New создает бэкенд по имени; пустое имя означает платформу сборки.
func New(ctx context.Context, name string, opts Options) (Backend, error) {
	if name == "" {
		name = DefaultPlatform
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownBackendError{Name: name, Available: Names()}
	}

	b, err := factory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create backend %s: %w", name, err)
	}
	opts.Logger.Debug("backend created", "backend", name)
	return b, nil
}

// Names возвращает отсортированный список зарегистрированных бэкендов.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownBackendError возвращается, если бэкенд с таким именем не зарегистрирован.
type UnknownBackendError struct {
	Name      string
	Available []string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q (available: %v)", e.Name, e.Available)
}
