package models

import "encoding/json"

// PingRequest описывает входные данные команды ping.
type PingRequest struct {
	Value *string `json:"value,omitempty"`
}

// PingResponse возвращает значение запроса без изменений.
type PingResponse struct {
	Value *string `json:"value,omitempty"`
}

// ExecuteRequest описывает изменяющий запрос к движку.
type ExecuteRequest struct {
	Query string `json:"query"`
}

// ExecuteResponse описывает результат execute.
type ExecuteResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	RowsAffected *int64 `json:"rowsAffected,omitempty"`
}

// QueryRequest описывает читающий запрос к движку.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse описывает результат query; Data хранит строки как непрозрачный JSON.
type QueryResponse struct {
	Success bool              `json:"success"`
	Data    []json.RawMessage `json:"data"`
	Message *string           `json:"message,omitempty"`
}

// MarshalJSON гарантирует, что data на проводе всегда массив, а не null.
func (r QueryResponse) MarshalJSON() ([]byte, error) {
	type wire QueryResponse
	out := wire(r)
	if out.Data == nil {
		out.Data = []json.RawMessage{}
	}
	return json.Marshal(out)
}

// String возвращает указатель на копию s.
func String(s string) *string { return &s }

// Int64 возвращает указатель на копию v.
func Int64(v int64) *int64 { return &v }
