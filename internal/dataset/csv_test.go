package dataset

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

func TestReadCSV(t *testing.T) {
	var b strings.Builder
	b.WriteString(strings.Join(schema.Names(), ",") + "\n")
	b.WriteString(csvRow(map[string]string{
		"order_id":           "100000001",
		"delivery_time":      "2024-03-10 10:00:00+02:00",
		"hub_id":             "4",
		"bags_used":          "3.0",
		"bags_used_forecast": "",
	}) + "\n")
	b.WriteString(csvRow(map[string]string{
		"order_id":      "100000002.0",
		"delivery_time": "2024-03-10T09:00:00Z",
		"total_weight":  "1234.5",
	}) + "\n")

	orders, err := ReadCSV(strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}

	first := orders[0]
	if first.ID != 100000001 {
		t.Errorf("ID = %d", first.ID)
	}
	if !first.DeliveryTime.Equal(time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)) || first.DeliveryTime.Location() != time.UTC {
		t.Errorf("DeliveryTime = %s, want 2024-03-10T08:00Z in UTC", first.DeliveryTime)
	}
	if first.HubID() != 4 {
		t.Errorf("HubID = %d", first.HubID())
	}
	if v, ok := first.Value("bags_used"); !ok || v != 3 {
		t.Errorf("bags_used = %v, %v", v, ok)
	}
	if v, ok := first.Values["bags_used_forecast"]; !ok || !math.IsNaN(v) {
		t.Errorf("empty forecast should be present and NaN, got %v, %v", v, ok)
	}
	if _, ok := first.Values["order_id"]; ok {
		t.Error("order_id should not be duplicated into Values")
	}

	if orders[1].ID != 100000002 {
		t.Errorf("float rendered id = %d", orders[1].ID)
	}
}

func TestReadCSVHeaderMismatch(t *testing.T) {
	header := schema.Names()
	header[0], header[1] = header[1], header[0]
	_, err := ReadCSV(strings.NewReader(strings.Join(header, ",") + "\n"))
	if !errors.Is(err, schema.ErrHeaderMismatch) {
		t.Errorf("err = %v, want ErrHeaderMismatch", err)
	}

	if _, err := ReadCSV(strings.NewReader("")); !errors.Is(err, schema.ErrHeaderMismatch) {
		t.Errorf("empty input: err = %v, want ErrHeaderMismatch", err)
	}
}

func TestReadCSVBadValue(t *testing.T) {
	var b strings.Builder
	b.WriteString(strings.Join(schema.Names(), ",") + "\n")
	b.WriteString(csvRow(map[string]string{
		"order_id":      "1",
		"delivery_time": "2024-03-10T09:00:00Z",
		"positions":     "many",
	}) + "\n")

	_, err := ReadCSV(strings.NewReader(b.String()))
	if err == nil || !strings.Contains(err.Error(), "line 2") || !strings.Contains(err.Error(), "positions") {
		t.Errorf("err = %v, want line and column context", err)
	}
}

func TestWriteCSVReadBack(t *testing.T) {
	ts := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)
	o := sampleOrder(7, ts)
	delete(o.Values, "cold_bags_used")

	var buf bytes.Buffer
	if err := WriteCSV(&buf, []domain.Order{o}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}
	if lines[0] != strings.Join(schema.Names(), ",") {
		t.Error("header does not match schema")
	}
	if !strings.Contains(lines[1], ",2024-03-10T08:30:00Z,") {
		t.Errorf("delivery time not RFC 3339 in %q", lines[1])
	}

	path := filepath.Join(t.TempDir(), "current_state.csv")
	if err := WriteCSVFile(path, []domain.Order{o}); err != nil {
		t.Fatalf("WriteCSVFile: %v", err)
	}
	got, err := ReadCSVFile(path)
	if err != nil {
		t.Fatalf("ReadCSVFile: %v", err)
	}
	if len(got) != 1 || got[0].ID != 7 || !got[0].DeliveryTime.Equal(ts) {
		t.Fatalf("read back %+v", got)
	}
	if v, ok := got[0].Value("hub_id"); !ok || v != 3 {
		t.Errorf("hub_id = %v, %v", v, ok)
	}
	if _, ok := got[0].Value("cold_bags_used"); ok {
		t.Error("absent column should read back as null")
	}
	if _, ok := got[0].Value("bags_used_forecast"); ok {
		t.Error("NaN forecast should read back as null")
	}
}
