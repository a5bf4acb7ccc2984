// Package schema defines the canonical column layout of the bags_forecast
// table. Table creation, CSV parsing, row serialization and feature selection
// all derive from the single list returned by Columns.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the storage type of a column.
type Type string

const (
	Integer   Type = "INTEGER"
	Float     Type = "FLOAT"
	Timestamp Type = "TIMESTAMP"
)

// Well-known column names.
const (
	OrderID      = "order_id"
	HubID        = "hub_id"
	DeliveryTime = "delivery_time"
	TotalWeight  = "total_weight"

	BagsUsed           = "bags_used"
	ColdBagsUsed       = "cold_bags_used"
	DeepFrozenBagsUsed = "deep_frozen_bags_used"

	// ActualsMarker is embedded in the name of every actuals-bearing column.
	ActualsMarker = "_used"
	// ForecastSuffix terminates the name of every forecast column.
	ForecastSuffix = "_forecast"
	// CategoryPrefix starts the name of every per-category feature column.
	CategoryPrefix = "cat_"
)

// Calendar-derived feature columns added during ingest.
const (
	DayOfYear    = "day_of_year"
	DayOfWeek    = "day_of_week"
	NumberOfWeek = "number_of_week"
	DeliveryHour = "delivery_hour"
)

// ErrHeaderMismatch is returned when a CSV header does not match Names.
var ErrHeaderMismatch = errors.New("csv header does not match column schema")

// Column is one (name, storage type) pair.
type Column struct {
	Name       string
	Type       Type
	PrimaryKey bool
}

// Definition renders the column as it appears in CREATE TABLE.
func (c Column) Definition() string {
	if c.PrimaryKey {
		return c.Name + " " + string(c.Type) + " PRIMARY KEY"
	}
	return c.Name + " " + string(c.Type)
}

var (
	categoryKinds = []string{"normal", "cold", "frozen"}
	categoryUnits = []string{"vu", "weight"}

	aggregateColumns = []Column{
		{Name: "lint_item_count", Type: Integer},
		{Name: "total_quantity", Type: Integer},
		{Name: "positions", Type: Integer},
		{Name: TotalWeight, Type: Float},
		{Name: HubID, Type: Integer},
		{Name: DeliveryTime, Type: Timestamp},
		{Name: BagsUsed, Type: Integer},
		{Name: BagsUsed + ForecastSuffix, Type: Float},
		{Name: ColdBagsUsed, Type: Integer},
		{Name: ColdBagsUsed + ForecastSuffix, Type: Float},
		{Name: DeepFrozenBagsUsed, Type: Integer},
		{Name: DeepFrozenBagsUsed + ForecastSuffix, Type: Float},
	}

	// totalsFeatures are the aggregate columns used for training.
	totalsFeatures = []string{"lint_item_count", "total_quantity", "positions", TotalWeight}

	// calendarFeatures are derived from delivery_time during ingest.
	calendarFeatures = []string{DayOfWeek, NumberOfWeek, DeliveryHour}

	columns = buildColumns()
	byName  = indexColumns(columns)
)

func buildColumns() []Column {
	cols := []Column{{Name: OrderID, Type: Integer, PrimaryKey: true}}
	for i := 1; i <= 10; i++ {
		for _, kind := range categoryKinds {
			for _, unit := range categoryUnits {
				cols = append(cols, Column{
					Name: fmt.Sprintf("%s%02d_%s_%s", CategoryPrefix, i, kind, unit),
					Type: Float,
				})
			}
		}
	}
	return append(cols, aggregateColumns...)
}

func indexColumns(cols []Column) map[string]Column {
	m := make(map[string]Column, len(cols))
	for _, c := range cols {
		m[c.Name] = c
	}
	return m
}

// Columns returns the ordered table columns. The slice is a copy.
func Columns() []Column {
	out := make([]Column, len(columns))
	copy(out, columns)
	return out
}

// Names returns the ordered bare column names.
func Names() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}

// Lookup returns the column with the given name.
func Lookup(name string) (Column, bool) {
	c, ok := byName[name]
	return c, ok
}

// IsActual reports whether name is an observed-actuals column.
func IsActual(name string) bool {
	return strings.Contains(name, ActualsMarker) && !IsForecast(name)
}

// IsForecast reports whether name is a model forecast column.
func IsForecast(name string) bool {
	return strings.HasSuffix(name, ForecastSuffix)
}

// ActualColumns returns the three actuals columns in schema order.
func ActualColumns() []string {
	return []string{BagsUsed, ColdBagsUsed, DeepFrozenBagsUsed}
}

// ForecastColumns returns the three forecast columns in schema order.
func ForecastColumns() []string {
	return []string{
		BagsUsed + ForecastSuffix,
		ColdBagsUsed + ForecastSuffix,
		DeepFrozenBagsUsed + ForecastSuffix,
	}
}

// Targets returns the model target names. A target t predicts column
// t+"_used" and is written to t+"_used_forecast".
func Targets() []string {
	return []string{"bags", "cold_bags", "deep_frozen_bags"}
}

// ActualColumn returns the actuals column predicted by target.
func ActualColumn(target string) string {
	return target + ActualsMarker
}

// ForecastColumn returns the forecast column written for target.
func ForecastColumn(target string) string {
	return target + ActualsMarker + ForecastSuffix
}

// TrainingFeatures selects the model input columns from the given column
// names: every category column plus the totals and calendar features. The
// totals and calendar features are always included, present in columns or
// not. Actuals, forecasts and the primary key are never selected.
func TrainingFeatures(columns []string) []string {
	var out []string
	for _, c := range columns {
		if strings.HasPrefix(c, CategoryPrefix) && !IsActual(c) && !IsForecast(c) {
			out = append(out, c)
		}
	}
	out = append(out, totalsFeatures...)
	return append(out, calendarFeatures...)
}

// CreateTableSQL returns the CREATE TABLE IF NOT EXISTS statement for table.
func CreateTableSQL(table string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = c.Definition()
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", table, strings.Join(defs, ",\n    "))
}

// ValidateHeader checks that header lists exactly Names, in order.
func ValidateHeader(header []string) error {
	if len(header) != len(columns) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrHeaderMismatch, len(header), len(columns))
	}
	for i, name := range header {
		if strings.TrimSpace(name) != columns[i].Name {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrHeaderMismatch, i, name, columns[i].Name)
		}
	}
	return nil
}
