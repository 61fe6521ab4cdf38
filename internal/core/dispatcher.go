package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

var (
	errProviderExists   = errors.New("provider already registered")
	errUnknownProvider  = errors.New("unknown provider")
	errInvalidArguments = errors.New("invalid arguments")
)

// ErrUnknownProvider возвращается при вызове незарегистрированного плагина.
var ErrUnknownProvider = errUnknownProvider

// Registry хранит зарегистрированные плагины хоста и маршрутизирует вызовы.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]CommandProvider
}

// NewRegistry создает пустой реестр плагинов.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]CommandProvider)}
}

// Register инициализирует плагин и добавляет его; имя должно быть уникальным.
func (r *Registry) Register(ctx context.Context, provider CommandProvider) error {
	if provider == nil {
		return fmt.Errorf("provider is nil: %w", errInvalidArguments)
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name is empty: %w", errInvalidArguments)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%s: %w", name, errProviderExists)
	}
	if err := provider.Init(ctx); err != nil {
		return fmt.Errorf("init %s: %w", name, err)
	}
	r.providers[name] = provider
	return nil
}

// Invoke вызывает команду плагина по имени.
func (r *Registry) Invoke(ctx context.Context, plugin, cmd string, payload []byte) (Response, error) {
	r.mu.RLock()
	prov, ok := r.providers[plugin]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%s: %w", plugin, errUnknownProvider)
		return Response{Status: StatusError, ErrorCode: CodeModuleNotFound, Message: err.Error()}, err
	}
	return prov.Invoke(ctx, cmd, payload)
}

// Providers возвращает отсортированный список плагинов.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commands возвращает команды плагина; nil, если плагин их не сообщает.
func (r *Registry) Commands(plugin string) ([]string, error) {
	r.mu.RLock()
	prov, ok := r.providers[plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", plugin, errUnknownProvider)
	}
	lister, ok := prov.(CommandLister)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), lister.Commands()...), nil
}

// Close закрывает плагины, которые держат ресурсы (io.Closer).
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, prov := range r.providers {
		if c, ok := prov.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ParseInvokeTarget разбирает имя вызова хоста: "plugin:duckdb|ping" или "duckdb|ping".
func ParseInvokeTarget(target string) (string, string, error) {
	t := strings.TrimSpace(target)
	t = strings.TrimPrefix(t, "plugin:")
	plugin, cmd, ok := strings.Cut(t, "|")
	if !ok || plugin == "" || cmd == "" || strings.ContainsAny(cmd, "| ") {
		return "", "", fmt.Errorf("invalid invoke target %q: %w", target, errInvalidArguments)
	}
	return plugin, cmd, nil
}
