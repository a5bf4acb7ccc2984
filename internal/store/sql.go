package store

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

// placeholderFunc renders the bind placeholder for the 1-based argument i.
type placeholderFunc func(i int) string

func dollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

func questionPlaceholder(int) string { return "?" }

// upsertColumns returns the schema columns present in at least one order,
// in schema order. order_id and delivery_time are always included.
func upsertColumns(orders []domain.Order) []schema.Column {
	var cols []schema.Column
	for _, c := range schema.Columns() {
		if c.Name == schema.OrderID || c.Name == schema.DeliveryTime {
			cols = append(cols, c)
			continue
		}
		for _, o := range orders {
			if _, ok := o.Values[c.Name]; ok {
				cols = append(cols, c)
				break
			}
		}
	}
	return cols
}

// upsertSQL builds the INSERT statement for cols. On an order_id conflict
// only the actuals columns present in cols are updated; when none are
// present the conflicting row is left untouched.
func upsertSQL(table string, cols []schema.Column, ph placeholderFunc) string {
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		names[i] = c.Name
		marks[i] = ph(i + 1)
		if schema.IsActual(c.Name) {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
		}
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		table, strings.Join(names, ", "), strings.Join(marks, ", "), schema.OrderID, conflict)
}

// upsertArgs returns the bind arguments of o for cols.
func upsertArgs(o domain.Order, cols []schema.Column) []any {
	args := make([]any, len(cols))
	for i, c := range cols {
		switch c.Name {
		case schema.OrderID:
			args[i] = o.ID
		case schema.DeliveryTime:
			args[i] = o.DeliveryTime.UTC()
		default:
			args[i] = bindValue(o, c)
		}
	}
	return args
}

// bindValue converts a column value to its driver representation. Absent
// and NaN values become nil so they bind as NULL.
func bindValue(o domain.Order, c schema.Column) any {
	v, ok := o.Value(c.Name)
	if !ok || math.IsInf(v, 0) {
		return nil
	}
	if c.Type == schema.Integer {
		return int64(math.Round(v))
	}
	return v
}

// selectSQL returns the SELECT of every schema column ordered by order_id.
func selectSQL(table string) string {
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(schema.Names(), ", "), table, schema.OrderID)
}

// updateForecastSQL builds the UPDATE of the given forecast columns. The
// order_id placeholder comes last.
func updateForecastSQL(table string, cols []string, ph placeholderFunc) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, ph(i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), schema.OrderID, ph(len(cols)+1))
}

// forecastColumns returns the forecast columns present in f, in schema
// order, and their bind arguments followed by the order id.
func forecastColumns(f domain.Forecast) ([]string, []any) {
	var cols []string
	var args []any
	for _, c := range schema.ForecastColumns() {
		v, ok := f.Values[c]
		if !ok {
			continue
		}
		cols = append(cols, c)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			args = append(args, nil)
		} else {
			args = append(args, v)
		}
	}
	return cols, append(args, f.OrderID)
}

// orderFromRow converts scanned values in schema.Names order to an Order.
func orderFromRow(vals []any) (domain.Order, error) {
	cols := schema.Columns()
	if len(vals) != len(cols) {
		return domain.Order{}, fmt.Errorf("row has %d values, want %d", len(vals), len(cols))
	}
	o := domain.Order{Values: make(map[string]float64, len(cols))}
	for i, c := range cols {
		switch c.Name {
		case schema.OrderID:
			id, ok := toFloat(vals[i])
			if !ok {
				return o, fmt.Errorf("order_id: unexpected value %v", vals[i])
			}
			o.ID = int64(id)
		case schema.DeliveryTime:
			t, err := toTime(vals[i])
			if err != nil {
				return o, fmt.Errorf("delivery_time: %w", err)
			}
			o.DeliveryTime = t
		default:
			v, ok := toFloat(vals[i])
			if !ok {
				v = math.NaN()
			}
			o.Values[c.Name] = v
		}
	}
	return o, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int:
		return float64(x), true
	case []byte:
		var f float64
		if _, err := fmt.Sscan(string(x), &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := domain.ParseTime(x)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	case []byte:
		return toTime(string(x))
	case nil:
		return time.Time{}, fmt.Errorf("null timestamp")
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp %T", v)
	}
}
