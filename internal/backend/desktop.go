package backend

import (
	"context"
	"encoding/json"

	"duckplug/internal/models"
)

// Desktop - заглушка настольной платформы: реальных запросов не выполняет.
type Desktop struct{}

// NewDesktop создает заглушку desktop.
func NewDesktop() *Desktop { return &Desktop{} }

func (d *Desktop) Ping(ctx context.Context, req models.PingRequest) (models.PingResponse, error) {
	return echo(req), nil
}

func (d *Desktop) Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResponse, error) {
	return models.ExecuteResponse{
		Success:      true,
		Message:      "Executed query: " + req.Query,
		RowsAffected: models.Int64(0),
	}, nil
}

func (d *Desktop) Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error) {
	return models.QueryResponse{
		Success: true,
		Data:    []json.RawMessage{},
		Message: models.String("Queried: " + req.Query),
	}, nil
}

func (d *Desktop) Close() error { return nil }

var _ Backend = (*Desktop)(nil)
