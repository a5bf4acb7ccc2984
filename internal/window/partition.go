// Package window splits an order dataset into load windows relative to a
// cursor and strips actuals from windows that lie in the future.
package window

import (
	"time"

	"bagforecast/internal/domain"
)

// Epoch is the lower bound of the bootstrap slice when no earlier boundary
// is supplied. It predates every order in the dataset.
var Epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Slice is a window and the orders whose delivery time falls in it.
type Slice struct {
	Window domain.Window
	Orders []domain.Order
}

// Partition is the result of splitting a dataset around a cursor. Past,
// Current and Future are contiguous: Past.End == Current.Start and
// Current.End == Future.Start.
type Partition struct {
	Granularity domain.Granularity
	Past        Slice
	Current     Slice
	Future      Slice
	// Outside counts orders before Past or after Future.
	Outside int
}

// Windows returns the past, current and future windows for cursor.
func Windows(cursor time.Time, g domain.Granularity) (past, current, future domain.Window) {
	current = g.Period(cursor)
	past = domain.Window{Start: g.Add(current.Start, -1), End: current.Start}
	future = domain.Window{Start: current.End, End: g.Add(current.Start, 2)}
	return past, current, future
}

// Split partitions orders into the previous, current and next period
// relative to cursor. Input order is preserved within each slice.
func Split(orders []domain.Order, cursor time.Time, g domain.Granularity) Partition {
	past, current, future := Windows(cursor, g)
	p := Partition{
		Granularity: g,
		Past:        Slice{Window: past},
		Current:     Slice{Window: current},
		Future:      Slice{Window: future},
	}
	for _, o := range orders {
		switch {
		case current.Contains(o.DeliveryTime):
			p.Current.Orders = append(p.Current.Orders, o)
		case past.Contains(o.DeliveryTime):
			p.Past.Orders = append(p.Past.Orders, o)
		case future.Contains(o.DeliveryTime):
			p.Future.Orders = append(p.Future.Orders, o)
		default:
			p.Outside++
		}
	}
	return p
}

// Bootstrap returns the first-run slice: every order from Epoch up to the
// start of the period containing cursor.
func Bootstrap(orders []domain.Order, cursor time.Time, g domain.Granularity) Slice {
	return Between(orders, Epoch, g.Align(cursor))
}

// Between returns the orders delivered in [since, end).
func Between(orders []domain.Order, since, end time.Time) Slice {
	w := domain.Window{Start: since.UTC(), End: end.UTC()}
	s := Slice{Window: w}
	for _, o := range orders {
		if w.Contains(o.DeliveryTime) {
			s.Orders = append(s.Orders, o)
		}
	}
	return s
}
