package dataset

import (
	"math"
	"strings"
	"time"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

// sampleOrder returns an order with every schema column populated and null
// forecasts.
func sampleOrder(id int64, t time.Time) domain.Order {
	o := domain.Order{ID: id, DeliveryTime: t, Values: make(map[string]float64)}
	for _, c := range schema.Columns() {
		switch {
		case c.Name == schema.OrderID || c.Name == schema.DeliveryTime:
		case schema.IsForecast(c.Name):
			o.Values[c.Name] = math.NaN()
		default:
			o.Values[c.Name] = 1
		}
	}
	o.Values[schema.HubID] = 3
	o.Values[schema.BagsUsed] = 2
	o.Values[schema.TotalWeight] = 12.5
	return o
}

// csvRow renders cells for the given column overrides in schema order.
func csvRow(overrides map[string]string) string {
	cells := make([]string, 0, len(schema.Names()))
	for _, name := range schema.Names() {
		if v, ok := overrides[name]; ok {
			cells = append(cells, v)
			continue
		}
		cells = append(cells, "0")
	}
	return strings.Join(cells, ",")
}
