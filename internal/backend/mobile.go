package backend

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"duckplug/internal/models"
)

type mockRow struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

var sampleRows = []mockRow{
	{ID: 1, Name: "Sample User 1", Email: "user1@example.com"},
	{ID: 2, Name: "Sample User 2", Email: "user2@example.com"},
}

// Mobile - мок мобильной платформы с одной таблицей в памяти.
// CREATE TABLE очищает таблицу, INSERT INTO добавляет строку из VALUES,
// SELECT возвращает строки или демонстрационные данные.
type Mobile struct {
	mu   sync.Mutex
	rows []mockRow
}

// NewMobile создает пустой мок.
func NewMobile() *Mobile { return &Mobile{} }

func (m *Mobile) Ping(ctx context.Context, req models.PingRequest) (models.PingResponse, error) {
	return echo(req), nil
}

func (m *Mobile) Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResponse, error) {
	switch {
	case containsFold(req.Query, "CREATE TABLE"):
		m.mu.Lock()
		m.rows = nil
		m.mu.Unlock()
		return models.ExecuteResponse{
			Success:      true,
			Message:      "Table created successfully (mock)",
			RowsAffected: models.Int64(0),
		}, nil
	case containsFold(req.Query, "INSERT INTO"):
		m.mu.Lock()
		if row, ok := parseInsertValues(req.Query, len(m.rows)+1); ok {
			m.rows = append(m.rows, row)
		}
		m.mu.Unlock()
		return models.ExecuteResponse{
			Success:      true,
			Message:      "Data inserted successfully (mock)",
			RowsAffected: models.Int64(1),
		}, nil
	default:
		return models.ExecuteResponse{
			Success:      true,
			Message:      "Command executed successfully (mock)",
			RowsAffected: models.Int64(0),
		}, nil
	}
}

func (m *Mobile) Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error) {
	if !containsFold(req.Query, "SELECT") {
		return models.QueryResponse{
			Success: true,
			Data:    []json.RawMessage{},
			Message: models.String("No data returned"),
		}, nil
	}

	m.mu.Lock()
	rows := append([]mockRow(nil), m.rows...)
	m.mu.Unlock()
	if len(rows) == 0 {
		rows = sampleRows
	}

	data := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		buf, err := json.Marshal(row)
		if err != nil {
			return models.QueryResponse{Success: false, Data: []json.RawMessage{}}, NewError("query", req.Query, err)
		}
		data = append(data, buf)
	}
	return models.QueryResponse{
		Success: true,
		Data:    data,
		Message: models.String("Query executed successfully (mock)"),
	}, nil
}

func (m *Mobile) Close() error { return nil }

// parseInsertValues достает name и email из "... VALUES (id, 'name', 'email')".
func parseInsertValues(query string, id int) (mockRow, bool) {
	idx := indexFold(query, "VALUES")
	if idx < 0 {
		return mockRow{}, false
	}
	tuple := strings.TrimSpace(query[idx+len("VALUES"):])
	if strings.HasPrefix(tuple, "(") && strings.HasSuffix(tuple, ")") {
		tuple = tuple[1 : len(tuple)-1]
	}
	values := strings.Split(tuple, ",")

	row := mockRow{ID: id, Name: "Unknown", Email: "unknown@example.com"}
	if len(values) > 1 {
		row.Name = unquote(values[1])
	}
	if len(values) > 2 {
		row.Email = unquote(values[2])
	}
	return row, true
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && strings.HasPrefix(v, "'") && strings.HasSuffix(v, "'") {
		return v[1 : len(v)-1]
	}
	return v
}

func containsFold(s, substr string) bool {
	return indexFold(s, substr) >= 0
}

// indexFold ищет substr без учета регистра ASCII и возвращает байтовый индекс в s.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

var _ Backend = (*Mobile)(nil)
