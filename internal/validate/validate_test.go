package validate

import (
	"math"
	"testing"
	"time"
)

func TestCreationRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want int
	}{
		{"valid", map[string]any{"crop_type": "coffee", "quantity": 50.0}, 0},
		{"missing both", map[string]any{}, 2},
		{"missing quantity", map[string]any{"crop_type": "coffee"}, 1},
		{"empty crop_type", map[string]any{"crop_type": "", "quantity": 50.0}, 1},
		{"nil quantity", map[string]any{"crop_type": "coffee", "quantity": nil}, 1},
		{"bad quantity", map[string]any{"crop_type": "coffee", "quantity": "abc"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := Creation(tc.data)
			if len(errs) != tc.want {
				t.Fatalf("got %d errors %v, want %d", len(errs), errs, tc.want)
			}
		})
	}
}

func TestQuantity(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  float64
		ok    bool
	}{
		{"float", 50.5, 50.5, true},
		{"int", 10, 10, true},
		{"numeric string", "25.5", 25.5, true},
		{"zero", 0.0, 0, false},
		{"negative", -5.0, 0, false},
		{"nan", math.NaN(), 0, false},
		{"inf", math.Inf(1), 0, false},
		{"garbage", "abc", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Quantity(tc.value)
			if tc.ok && (err != nil || got != tc.want) {
				t.Fatalf("got %v, %v; want %v", got, err, tc.want)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error, got %v", got)
			}
		})
	}
}

func TestFilterDropsUnknownKeys(t *testing.T) {
	out, err := Filter(map[string]any{
		"crop_type":         "coffee",
		"producer_id":       "evil-producer",
		"id":                "evil-id",
		"created_at":        "2020-01-01T00:00:00Z",
		"events":            []any{"fake"},
		"traceability_code": "LOT-FAKE",
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out) != 1 || out["crop_type"] != "coffee" {
		t.Fatalf("protected keys leaked through: %v", out)
	}
}

func TestFilterCoercions(t *testing.T) {
	out, err := Filter(map[string]any{
		"quantity":               "75.5",
		"price":                  1500,
		"harvest_date":           "2024-03-15T00:00:00Z",
		"certifications":         []any{"organic", "fair-trade"},
		"sustainability_metrics": map[string]any{"carbonSaved": 1.5, "waterSaved": 200},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if out["quantity"] != 75.5 {
		t.Errorf("quantity = %v", out["quantity"])
	}
	if out["price"] != 1500.0 {
		t.Errorf("price = %v", out["price"])
	}
	hd, ok := out["harvest_date"].(time.Time)
	if !ok || !hd.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("harvest_date = %v", out["harvest_date"])
	}
	certs, ok := out["certifications"].([]string)
	if !ok || len(certs) != 2 || certs[0] != "organic" {
		t.Errorf("certifications = %v", out["certifications"])
	}
	metrics, ok := out["sustainability_metrics"].(map[string]float64)
	if !ok || metrics["carbonSaved"] != 1.5 || metrics["waterSaved"] != 200 {
		t.Errorf("sustainability_metrics = %v", out["sustainability_metrics"])
	}
}

func TestFilterRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
	}{
		{"bad status", map[string]any{"status": "archived"}},
		{"non-string status", map[string]any{"status": 1}},
		{"bad harvest_date", map[string]any{"harvest_date": "not-a-date"}},
		{"bad certifications", map[string]any{"certifications": "organic"}},
		{"mixed certifications", map[string]any{"certifications": []any{"a", 2}}},
		{"bad metrics", map[string]any{"sustainability_metrics": map[string]any{"x": "much"}}},
		{"bad quantity", map[string]any{"quantity": -1}},
		{"bad price", map[string]any{"price": "expensive"}},
		{"non-string crop", map[string]any{"crop_type": 42}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Filter(tc.data); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFilterAllowsStatusValues(t *testing.T) {
	for _, status := range []string{"active", "deleted"} {
		out, err := Filter(map[string]any{"status": status})
		if err != nil || out["status"] != status {
			t.Fatalf("status %q: %v %v", status, out, err)
		}
	}
}
