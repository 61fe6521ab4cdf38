package duckdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb"
)

// interval - JSON-форма INTERVAL.
type interval struct {
	Months int32 `json:"months"`
	Days   int32 `json:"days"`
	Micros int64 `json:"micros"`
}

// encodeRow сохраняет порядок колонок, в отличие от map.
func encodeRow(cols, dbTypes []string, values []any) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range cols {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		dbType := ""
		if i < len(dbTypes) {
			dbType = dbTypes[i]
		}
		val, err := json.Marshal(normalize(dbType, values[i]))
		if err != nil {
			return nil, fmt.Errorf("encode column %s (%s): %w", col, dbType, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalize приводит значения драйвера к JSON-представлению.
// DECIMAL - точное число, UUID - каноническая строка, BLOB - base64 (поведение []byte в encoding/json).
func normalize(dbType string, v any) any {
	switch val := v.(type) {
	case []byte:
		if strings.EqualFold(dbType, "UUID") && len(val) == 16 {
			if id, err := uuid.FromBytes(val); err == nil {
				return id.String()
			}
		}
		return val
	case duckdb.Decimal:
		return decimalNumber(val)
	case *duckdb.Decimal:
		if val == nil {
			return nil
		}
		return decimalNumber(*val)
	case duckdb.Interval:
		return interval{Months: val.Months, Days: val.Days, Micros: val.Micros}
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize("", item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize("", item)
		}
		return out
	case duckdb.Map:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(normalize("", k))] = normalize("", item)
		}
		return out
	default:
		return val
	}
}

// decimalNumber возвращает точное десятичное значение как JSON-число.
func decimalNumber(d duckdb.Decimal) json.Number {
	if d.Value == nil {
		return json.Number("0")
	}
	digits := new(big.Int).Abs(d.Value).String()
	scale := int(d.Scale)
	if scale > 0 {
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	}
	if d.Value.Sign() < 0 {
		digits = "-" + digits
	}
	return json.Number(digits)
}
