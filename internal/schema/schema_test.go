package schema

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

func TestColumnsLayout(t *testing.T) {
	cols := Columns()
	if len(cols) != 73 {
		t.Fatalf("len(Columns()) = %d, want 73", len(cols))
	}
	if cols[0].Name != OrderID || !cols[0].PrimaryKey || cols[0].Type != Integer {
		t.Errorf("first column = %+v, want integer primary key order_id", cols[0])
	}
	if cols[1].Name != "cat_01_normal_vu" || cols[6].Name != "cat_01_frozen_weight" {
		t.Errorf("unexpected category ordering: %q ... %q", cols[1].Name, cols[6].Name)
	}
	if cols[60].Name != "cat_10_frozen_weight" {
		t.Errorf("cols[60] = %q, want cat_10_frozen_weight", cols[60].Name)
	}
	if c, ok := Lookup(DeliveryTime); !ok || c.Type != Timestamp {
		t.Errorf("Lookup(delivery_time) = %+v, %v", c, ok)
	}
	if c, ok := Lookup(BagsUsed); !ok || c.Type != Integer {
		t.Errorf("Lookup(bags_used) = %+v, %v", c, ok)
	}

	seen := make(map[string]bool)
	for _, name := range Names() {
		if seen[name] {
			t.Errorf("duplicate column %q", name)
		}
		seen[name] = true
	}
}

func TestColumnsReturnsCopy(t *testing.T) {
	cols := Columns()
	cols[0].Name = "mutated"
	if Columns()[0].Name != OrderID {
		t.Error("mutating Columns() result changed the schema")
	}
}

func TestActualAndForecastClassification(t *testing.T) {
	tests := []struct {
		name     string
		actual   bool
		forecast bool
	}{
		{"bags_used", true, false},
		{"cold_bags_used", true, false},
		{"deep_frozen_bags_used", true, false},
		{"bags_used_forecast", false, true},
		{"deep_frozen_bags_used_forecast", false, true},
		{"cat_01_cold_vu", false, false},
		{"order_id", false, false},
	}
	for _, tt := range tests {
		if got := IsActual(tt.name); got != tt.actual {
			t.Errorf("IsActual(%q) = %v, want %v", tt.name, got, tt.actual)
		}
		if got := IsForecast(tt.name); got != tt.forecast {
			t.Errorf("IsForecast(%q) = %v, want %v", tt.name, got, tt.forecast)
		}
	}

	for i, target := range Targets() {
		if ActualColumn(target) != ActualColumns()[i] {
			t.Errorf("ActualColumn(%q) = %q", target, ActualColumn(target))
		}
		if ForecastColumn(target) != ForecastColumns()[i] {
			t.Errorf("ForecastColumn(%q) = %q", target, ForecastColumn(target))
		}
	}
}

func TestTrainingFeatures(t *testing.T) {
	cols := append(Names(), DayOfWeek, NumberOfWeek, DeliveryHour, DayOfYear)
	features := TrainingFeatures(cols)

	// 60 category columns + 4 totals + 3 calendar features.
	if len(features) != 67 {
		t.Fatalf("len(features) = %d, want 67", len(features))
	}
	for _, f := range features {
		if f == OrderID || IsActual(f) || IsForecast(f) || f == HubID || f == DeliveryTime || f == DayOfYear {
			t.Errorf("unexpected feature %q", f)
		}
	}
	for _, want := range []string{"lint_item_count", "total_quantity", "positions", "total_weight", "day_of_week", "number_of_week", "delivery_hour"} {
		found := false
		for _, f := range features {
			if f == want {
				found = true
			}
		}
		if !found {
			t.Errorf("feature %q missing", want)
		}
	}
}

func TestTrainingFeaturesOrderIndependent(t *testing.T) {
	cols := Names()
	reversed := make([]string, len(cols))
	for i, c := range cols {
		reversed[len(cols)-1-i] = c
	}

	a := TrainingFeatures(cols)
	b := TrainingFeatures(reversed)
	sort.Strings(a)
	sort.Strings(b)
	if strings.Join(a, ",") != strings.Join(b, ",") {
		t.Error("TrainingFeatures depends on input order")
	}
}

func TestCreateTableSQL(t *testing.T) {
	sql := CreateTableSQL("bags_forecast")
	if !strings.HasPrefix(sql, "CREATE TABLE IF NOT EXISTS bags_forecast (") {
		t.Errorf("unexpected prefix: %s", sql[:60])
	}
	for _, frag := range []string{"order_id INTEGER PRIMARY KEY", "delivery_time TIMESTAMP", "bags_used_forecast FLOAT", "hub_id INTEGER"} {
		if !strings.Contains(sql, frag) {
			t.Errorf("CreateTableSQL missing %q", frag)
		}
	}
}

func TestValidateHeader(t *testing.T) {
	if err := ValidateHeader(Names()); err != nil {
		t.Fatalf("ValidateHeader(Names()) = %v", err)
	}

	short := Names()[:10]
	if err := ValidateHeader(short); !errors.Is(err, ErrHeaderMismatch) {
		t.Errorf("short header: err = %v, want ErrHeaderMismatch", err)
	}

	swapped := Names()
	swapped[1], swapped[2] = swapped[2], swapped[1]
	if err := ValidateHeader(swapped); !errors.Is(err, ErrHeaderMismatch) {
		t.Errorf("swapped header: err = %v, want ErrHeaderMismatch", err)
	}
}
