package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"bagforecast/internal/domain"
)

// SnapshotRecord is the parquet schema of an order snapshot. Column values
// other than the key and delivery time are kept in a MAP column so derived
// features travel with the schema columns.
type SnapshotRecord struct {
	OrderID      int64              `parquet:"order_id"`
	DeliveryTime int64              `parquet:"delivery_time,timestamp(millisecond)"` // Unix ms, UTC
	Values       map[string]float64 `parquet:"values"`
}

// WriteSnapshot writes orders to a parquet file at path, sorted by delivery
// time then order id. Parent directories are created as needed.
func WriteSnapshot(path string, orders []domain.Order) error {
	records := make([]SnapshotRecord, len(orders))
	for i, o := range orders {
		values := make(map[string]float64, len(o.Values))
		for k, v := range o.Values {
			values[k] = v
		}
		records[i] = SnapshotRecord{
			OrderID:      o.ID,
			DeliveryTime: o.DeliveryTime.UTC().UnixMilli(),
			Values:       values,
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].DeliveryTime != records[j].DeliveryTime {
			return records[i].DeliveryTime < records[j].DeliveryTime
		}
		return records[i].OrderID < records[j].OrderID
	})

	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", path, err)
	}
	return nil
}

// ReadSnapshot reads a parquet snapshot written by WriteSnapshot.
func ReadSnapshot(path string) ([]domain.Order, error) {
	records, err := readParquetFile[SnapshotRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}
	orders := make([]domain.Order, len(records))
	for i, r := range records {
		values := r.Values
		if values == nil {
			values = make(map[string]float64)
		}
		orders[i] = domain.Order{
			ID:           r.OrderID,
			DeliveryTime: time.UnixMilli(r.DeliveryTime).UTC(),
			Values:       values,
		}
	}
	return orders, nil
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
