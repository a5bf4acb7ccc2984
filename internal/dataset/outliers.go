package dataset

import (
	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

// OutlierFilter holds the thresholds of the transform step. Orders with a
// null value in a filtered column are dropped.
type OutlierFilter struct {
	// BagsUsedMax is the exclusive upper bound of bags_used.
	BagsUsedMax float64
	// BagsUsedMin is the lower bound of bags_used, inclusive when
	// BagsUsedMinInclusive is set.
	BagsUsedMin          float64
	BagsUsedMinInclusive bool
	// ColdBagsUsedMin and DeepFrozenBagsUsedMin are inclusive lower bounds.
	ColdBagsUsedMin       float64
	DeepFrozenBagsUsedMin float64
	// TotalWeightMax is the exclusive upper bound of total_weight.
	TotalWeightMax float64
}

// DefaultOutlierFilter returns the thresholds used by the transform step
// when none are configured.
func DefaultOutlierFilter() OutlierFilter {
	return OutlierFilter{
		BagsUsedMax:           10,
		BagsUsedMin:           0,
		BagsUsedMinInclusive:  true,
		ColdBagsUsedMin:       0,
		DeepFrozenBagsUsedMin: 0,
		TotalWeightMax:        5e4,
	}
}

// Keep reports whether o passes every threshold.
func (f OutlierFilter) Keep(o domain.Order) bool {
	bags, ok := o.Value(schema.BagsUsed)
	if !ok || bags >= f.BagsUsedMax {
		return false
	}
	if f.BagsUsedMinInclusive {
		if bags < f.BagsUsedMin {
			return false
		}
	} else if bags <= f.BagsUsedMin {
		return false
	}
	if v, ok := o.Value(schema.ColdBagsUsed); !ok || v < f.ColdBagsUsedMin {
		return false
	}
	if v, ok := o.Value(schema.DeepFrozenBagsUsed); !ok || v < f.DeepFrozenBagsUsedMin {
		return false
	}
	if v, ok := o.Value(schema.TotalWeight); !ok || v >= f.TotalWeightMax {
		return false
	}
	return true
}

// Apply returns the orders that pass the filter.
func (f OutlierFilter) Apply(orders []domain.Order) []domain.Order {
	var out []domain.Order
	for _, o := range orders {
		if f.Keep(o) {
			out = append(out, o)
		}
	}
	return out
}

// FillNulls replaces null values with 0 in place, for every column present.
func FillNulls(orders []domain.Order) {
	for i := range orders {
		for k := range orders[i].Values {
			if schema.IsForecast(k) {
				continue
			}
			if _, ok := orders[i].Value(k); !ok {
				orders[i].Values[k] = 0
			}
		}
	}
}
