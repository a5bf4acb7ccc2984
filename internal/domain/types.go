// Package domain defines the core types shared by the loaders, stores and
// pipeline steps: orders, forecasts, load windows and period granularities.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bagforecast/internal/schema"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Order is one delivery order row. ID and DeliveryTime are lifted out of the
// column map; Values holds every other numeric column by name. A column
// missing from Values is not present (for example after redaction); a NaN
// value is present but null.
type Order struct {
	ID           int64
	DeliveryTime time.Time
	Values       map[string]float64
}

// Value returns the named column value and whether it is present and
// non-null.
func (o Order) Value(column string) (float64, bool) {
	v, ok := o.Values[column]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// HubID returns the hub the order belongs to, or -1 if unknown.
func (o Order) HubID() int64 {
	v, ok := o.Value(schema.HubID)
	if !ok {
		return -1
	}
	return int64(v)
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	values := make(map[string]float64, len(o.Values))
	for k, v := range o.Values {
		values[k] = v
	}
	return Order{ID: o.ID, DeliveryTime: o.DeliveryTime, Values: values}
}

// Forecast carries predicted values for one order keyed by forecast column
// name. Only the columns present are written.
type Forecast struct {
	OrderID int64
	Values  map[string]float64
}

// ---------------------------------------------------------------------------
// Windows
// ---------------------------------------------------------------------------

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [Start, End) after UTC normalization.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Start.UTC()) && t.Before(w.End.UTC())
}

// String renders the window as "[start, end)" in RFC 3339.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// ---------------------------------------------------------------------------
// Granularity
// ---------------------------------------------------------------------------

// Granularity is the period length of an incremental loader.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity parses "day", "week" or "month" (case-insensitive).
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case Day, Week, Month:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// Align returns the start of the period containing t, in UTC. Day periods
// are instant aligned, so Align returns t itself. Week periods start on
// Monday 00:00 and month periods on the 1st at 00:00.
func (g Granularity) Align(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Week:
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		weekday := (int(t.Weekday()) + 6) % 7 // Monday = 0
		return midnight.AddDate(0, 0, -weekday)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Add returns t shifted by n periods. The arithmetic is done in UTC and the
// result keeps the location of t. For months the day of month is reset to the
// 1st, so adding to an aligned start never overflows.
func (g Granularity) Add(t time.Time, n int) time.Time {
	loc := t.Location()
	u := t.UTC()
	switch g {
	case Week:
		u = u.AddDate(0, 0, 7*n)
	case Month:
		u = time.Date(u.Year(), u.Month()+time.Month(n), 1,
			u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), time.UTC)
	default:
		u = u.AddDate(0, 0, n)
	}
	return u.In(loc)
}

// Period returns the window of the period containing t.
func (g Granularity) Period(t time.Time) Window {
	start := g.Align(t)
	return Window{Start: start, End: g.Add(start, 1)}
}
