package window

import (
	"strings"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

// Redact returns copies of orders with every column whose name contains the
// actuals marker removed. Forecast columns embed the marker and are removed
// too. Columns that are already missing are skipped, so Redact is
// idempotent. The input is not modified.
func Redact(orders []domain.Order) []domain.Order {
	if orders == nil {
		return nil
	}
	out := make([]domain.Order, len(orders))
	for i, o := range orders {
		c := o.Clone()
		for name := range c.Values {
			if strings.Contains(name, schema.ActualsMarker) {
				delete(c.Values, name)
			}
		}
		out[i] = c
	}
	return out
}

// HasActuals reports whether any order carries an actuals-bearing column.
func HasActuals(orders []domain.Order) bool {
	for _, o := range orders {
		for name := range o.Values {
			if strings.Contains(name, schema.ActualsMarker) {
				return true
			}
		}
	}
	return false
}
