package duckdb

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

const defaultMaxRows = 10000

// имена расширений и настроек подставляются в SQL без кавычек
var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Params - параметры DuckDB из plugin.params.
type Params struct {
	// Extensions устанавливаются и загружаются при открытии ("json", "httpfs").
	Extensions []string `mapstructure:"extensions"`

	// Settings применяются через SET GLOBAL (memory_limit, threads).
	Settings map[string]string `mapstructure:"settings"`

	// MaxRows ограничивает число строк одного query.
	MaxRows int `mapstructure:"max_rows"`
}

func decodeParams(raw map[string]any) (Params, error) {
	var p Params
	if len(raw) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &p,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return Params{}, fmt.Errorf("build params decoder: %w", err)
		}
		if err := dec.Decode(raw); err != nil {
			return Params{}, fmt.Errorf("decode duckdb params: %w", err)
		}
	}
	for _, ext := range p.Extensions {
		if name := strings.TrimSpace(ext); name != "" && !identRe.MatchString(name) {
			return Params{}, fmt.Errorf("duckdb params: invalid extension name %q", ext)
		}
	}
	for key := range p.Settings {
		if !identRe.MatchString(key) {
			return Params{}, fmt.Errorf("duckdb params: invalid setting name %q", key)
		}
	}
	if p.MaxRows <= 0 {
		p.MaxRows = defaultMaxRows
	}
	return p, nil
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
