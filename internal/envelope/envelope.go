// Package envelope decodes the loosely typed {status, message, data} responses
// returned by the number-rental and payment providers.
package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Response mirrors the providers' standard response shape.
type Response struct {
	Status  bool
	Message string
	Code    int
	Data    json.RawMessage
}

// UnmarshalJSON accepts status as bool, string or number and code as number or string.
func (r *Response) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status  json.RawMessage `json:"status"`
		Message json.RawMessage `json:"message"`
		Msg     json.RawMessage `json:"msg"`
		Code    json.RawMessage `json:"code"`
		Data    json.RawMessage `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(trimQuotes(a.Message))
	if r.Message == "" {
		r.Message = strings.TrimSpace(trimQuotes(a.Msg))
	}
	r.Data = a.Data
	if len(a.Status) != 0 {
		var boolVal bool
		if err := json.Unmarshal(a.Status, &boolVal); err == nil {
			r.Status = boolVal
		} else {
			str := strings.TrimSpace(trimQuotes(a.Status))
			r.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || str == "1"
		}
	}
	if len(a.Code) != 0 {
		var intVal int
		if err := json.Unmarshal(a.Code, &intVal); err == nil {
			r.Code = intVal
		} else if parsed, err := strconv.Atoi(strings.TrimSpace(trimQuotes(a.Code))); err == nil {
			r.Code = parsed
		}
	}
	return nil
}

// Decode parses body into a Response.
func Decode(body []byte) (*Response, error) {
	var env Response
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env, nil
}

// DecodeMap turns a JSON object into a generic map. Empty input yields an empty map.
func DecodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return out, nil
}

// DecodeSlice turns a JSON array, or an object of arrays/objects keyed by id, into rows.
func DecodeSlice(raw json.RawMessage) ([]map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}
	var grouped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &grouped); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	rows := make([]map[string]any, 0, len(grouped))
	for key, val := range grouped {
		var row map[string]any
		if err := json.Unmarshal(val, &row); err == nil {
			if _, ok := row["id"]; !ok {
				row["id"] = key
			}
			rows = append(rows, row)
			continue
		}
		var subset []map[string]any
		if err := json.Unmarshal(val, &subset); err != nil {
			return nil, fmt.Errorf("decode rows %s: %w", key, err)
		}
		rows = append(rows, subset...)
	}
	return rows, nil
}

// FirstString returns the first non-empty value among keys.
func FirstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if str := ToString(val); str != "" {
				return str
			}
		}
	}
	return ""
}

// FirstFloat returns the first non-zero numeric value among keys.
func FirstFloat(data map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if f := ToFloat(val); f != 0 {
				return f
			}
		}
	}
	return 0
}

// FirstInt is FirstFloat rounded to whole minor units.
func FirstInt(data map[string]any, keys ...string) int64 {
	return int64(math.Round(FirstFloat(data, keys...)))
}

// ToString renders scalars as strings; zero numbers become "".
func ToString(val any) string {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		if v == 0 {
			return ""
		}
		return strconv.Itoa(v)
	case int64:
		if v == 0 {
			return ""
		}
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

// ToFloat parses numbers and numeric strings ("1,500" included).
func ToFloat(val any) float64 {
	switch v := val.(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
		if err == nil {
			return parsed
		}
		return 0
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err == nil {
			return parsed
		}
		return 0
	default:
		return 0
	}
}

func trimQuotes(raw json.RawMessage) string {
	str := strings.TrimSpace(string(raw))
	if str == "null" {
		return ""
	}
	return strings.Trim(str, `"`)
}
