package core

import "context"

// Коды ошибок, общие для всех транспортов.
const (
	StatusOK    = "ok"
	StatusError = "error"

	CodeModuleNotFound = "module_not_found"
	CodeBadRequest     = "bad_request"
)

// Response описывает унифицированный результат вызова команды плагина.
type Response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// CommandProvider определяет контракт плагина: команда + сырой payload хоста.
type CommandProvider interface {
	Name() string
	Init(ctx context.Context) error
	Invoke(ctx context.Context, cmd string, payload []byte) (Response, error)
}

// CommandLister реализуют плагины, которые сообщают свои команды хосту.
type CommandLister interface {
	Commands() []string
}
