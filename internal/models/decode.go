package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrDeserialization помечает любую ошибку разбора входных данных хоста.
var ErrDeserialization = errors.New("deserialization error")

var (
	errMissingField = errors.New("missing required field")
	errUnknownField = errors.New("unknown field")
	errNullField    = errors.New("must not be null")
	errTrailingData = errors.New("unexpected data after payload")
	errNotObject    = errors.New("payload must be a JSON object")
)

// DeserializationError описывает некорректный payload хоста.
type DeserializationError struct {
	Op    string
	Field string
	Err   error
}

func (e *DeserializationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %q: %v", e.Op, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Op, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// Is позволяет проверять ошибку через errors.Is(err, ErrDeserialization).
func (e *DeserializationError) Is(target error) bool { return target == ErrDeserialization }

// DecodePing разбирает payload ping; пустой payload означает отсутствующее value.
func DecodePing(payload []byte) (PingRequest, error) {
	fields, err := decodeObject("ping", payload)
	if err != nil {
		return PingRequest{}, err
	}
	if err := checkFields("ping", fields, "value"); err != nil {
		return PingRequest{}, err
	}
	var req PingRequest
	if raw, ok := fields["value"]; ok {
		if err := json.Unmarshal(raw, &req.Value); err != nil {
			return PingRequest{}, &DeserializationError{Op: "ping", Field: "value", Err: err}
		}
	}
	return req, nil
}

// DecodeExecute разбирает payload execute; поле query обязательно.
func DecodeExecute(payload []byte) (ExecuteRequest, error) {
	q, err := decodeQuery("execute", payload)
	if err != nil {
		return ExecuteRequest{}, err
	}
	return ExecuteRequest{Query: q}, nil
}

// DecodeQuery разбирает payload query; поле query обязательно.
func DecodeQuery(payload []byte) (QueryRequest, error) {
	q, err := decodeQuery("query", payload)
	if err != nil {
		return QueryRequest{}, err
	}
	return QueryRequest{Query: q}, nil
}

func decodeQuery(op string, payload []byte) (string, error) {
	fields, err := decodeObject(op, payload)
	if err != nil {
		return "", err
	}
	if err := checkFields(op, fields, "query"); err != nil {
		return "", err
	}
	raw, ok := fields["query"]
	if !ok {
		return "", &DeserializationError{Op: op, Field: "query", Err: errMissingField}
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", &DeserializationError{Op: op, Field: "query", Err: errNullField}
	}
	var q string
	if err := json.Unmarshal(raw, &q); err != nil {
		return "", &DeserializationError{Op: op, Field: "query", Err: err}
	}
	return q, nil
}

// decodeObject читает JSON-объект и снимает обертку {"payload": {...}}, если она есть.
func decodeObject(op string, payload []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]json.RawMessage{}, nil
	}
	if trimmed[0] != '{' {
		return nil, &DeserializationError{Op: op, Err: errNotObject}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return nil, &DeserializationError{Op: op, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DeserializationError{Op: op, Err: errTrailingData}
	}

	if inner, ok := fields["payload"]; ok && len(fields) == 1 {
		return decodeObject(op, inner)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

func checkFields(op string, fields map[string]json.RawMessage, allowed ...string) error {
	for name := range fields {
		known := false
		for _, a := range allowed {
			if name == a {
				known = true
				break
			}
		}
		if !known {
			return &DeserializationError{Op: op, Field: name, Err: errUnknownField}
		}
	}
	return nil
}
