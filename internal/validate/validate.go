// Package validate is the pure mutation-validation layer. Nothing here
// touches the store; callers run it before any write.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"lotline/internal/domain"
)

// allowedFields is the allow-list of mutable lot fields. Keys outside this
// list are silently dropped by Filter, never an error, so older servers keep
// accepting payloads from newer clients.
var allowedFields = map[string]bool{
	"crop_type":              true,
	"quantity":               true,
	"unit":                   true,
	"location":               true,
	"status":                 true,
	"harvest_date":           true,
	"certifications":         true,
	"price":                  true,
	"currency":               true,
	"sustainability_metrics": true,
}

// Creation checks a raw creation payload and returns a list of error
// messages. An empty list means the payload is valid.
func Creation(data map[string]any) []string {
	var errs []string
	for _, field := range []string{"crop_type", "quantity"} {
		v, ok := data[field]
		if !ok || v == nil || v == "" {
			errs = append(errs, fmt.Sprintf("field %s is required", field))
		}
	}
	if v, ok := data["quantity"]; ok && v != nil && v != "" {
		if _, err := Quantity(v); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// Quantity parses a quantity value and enforces the lot invariant: it must be
// a finite number strictly greater than zero.
func Quantity(v any) (float64, error) {
	q, err := number(v)
	if err != nil {
		return 0, fmt.Errorf("quantity must be a valid number")
	}
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return 0, fmt.Errorf("quantity must be a finite number")
	}
	if q <= 0 {
		return 0, fmt.Errorf("quantity must be greater than 0")
	}
	return q, nil
}

// Filter reduces data to the allow-listed fields and coerces each value to
// its canonical type. Unknown keys are dropped; a value that cannot be
// coerced is an error.
func Filter(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if !allowedFields[k] {
			continue
		}
		switch k {
		case "quantity":
			q, err := Quantity(v)
			if err != nil {
				return nil, err
			}
			out[k] = q
		case "price":
			p, err := number(v)
			if err != nil {
				return nil, fmt.Errorf("price must be a valid number")
			}
			out[k] = p
		case "status":
			s, ok := v.(string)
			if !ok || (s != domain.StatusActive && s != domain.StatusDeleted) {
				return nil, fmt.Errorf("status must be %q or %q", domain.StatusActive, domain.StatusDeleted)
			}
			out[k] = s
		case "harvest_date":
			t, err := timestamp(v)
			if err != nil {
				return nil, fmt.Errorf("harvest_date must be an RFC 3339 timestamp")
			}
			out[k] = t
		case "certifications":
			c, err := stringSlice(v)
			if err != nil {
				return nil, fmt.Errorf("certifications must be a list of strings")
			}
			out[k] = c
		case "sustainability_metrics":
			m, err := metricMap(v)
			if err != nil {
				return nil, fmt.Errorf("sustainability_metrics must map names to numbers")
			}
			out[k] = m
		default: // crop_type, unit, location, currency
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a string", k)
			}
			out[k] = s
		}
	}
	return out, nil
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number")
	}
}

func timestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339, t)
	default:
		return time.Time{}, fmt.Errorf("not a timestamp")
	}
}

func stringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("not a string")
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a list")
	}
}

func metricMap(v any) (map[string]float64, error) {
	switch m := v.(type) {
	case map[string]float64:
		return m, nil
	case map[string]any:
		out := make(map[string]float64, len(m))
		for name, val := range m {
			f, err := number(val)
			if err != nil {
				return nil, err
			}
			out[name] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a map")
	}
}
