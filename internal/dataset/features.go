package dataset

import (
	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

// AddCalendarFeatures derives day_of_year, day_of_week (Monday = 0),
// number_of_week (ISO week) and delivery_hour from each order's UTC
// delivery time. Orders are modified in place.
func AddCalendarFeatures(orders []domain.Order) {
	for i := range orders {
		t := orders[i].DeliveryTime.UTC()
		orders[i].DeliveryTime = t
		if orders[i].Values == nil {
			orders[i].Values = make(map[string]float64)
		}
		_, week := t.ISOWeek()
		orders[i].Values[schema.DayOfYear] = float64(t.YearDay())
		orders[i].Values[schema.DayOfWeek] = float64((int(t.Weekday()) + 6) % 7)
		orders[i].Values[schema.NumberOfWeek] = float64(week)
		orders[i].Values[schema.DeliveryHour] = float64(t.Hour())
	}
}

// TimeRange returns the earliest and latest delivery time in orders.
func TimeRange(orders []domain.Order) (first, last domain.Order, ok bool) {
	if len(orders) == 0 {
		return first, last, false
	}
	first, last = orders[0], orders[0]
	for _, o := range orders[1:] {
		if o.DeliveryTime.Before(first.DeliveryTime) {
			first = o
		}
		if o.DeliveryTime.After(last.DeliveryTime) {
			last = o
		}
	}
	return first, last, true
}

// FeatureVector extracts features from o in the given order. Null or
// missing values are returned as 0.
func FeatureVector(o domain.Order, features []string) []float64 {
	out := make([]float64, len(features))
	for i, f := range features {
		if v, ok := o.Value(f); ok {
			out[i] = v
		}
	}
	return out
}

// GroupByHub groups orders by hub id, preserving input order within a hub.
// The returned hub slice is in first-seen order.
func GroupByHub(orders []domain.Order) (hubs []int64, groups map[int64][]domain.Order) {
	groups = make(map[int64][]domain.Order)
	for _, o := range orders {
		h := o.HubID()
		if _, ok := groups[h]; !ok {
			hubs = append(hubs, h)
		}
		groups[h] = append(groups[h], o)
	}
	return hubs, groups
}
