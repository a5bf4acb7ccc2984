// Package dataset reads and writes order datasets: the flat CSV exchanged
// with the store and the parquet snapshots consumed by the model steps.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

// ReadCSVFile opens path and decodes it with ReadCSV.
func ReadCSVFile(path string) ([]domain.Order, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	orders, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return orders, nil
}

// ReadCSV decodes orders from r. The header must list the schema columns
// exactly; values are then bound by column name. Empty cells decode as null
// and delivery times are normalized to UTC.
func ReadCSV(r io.Reader) ([]domain.Order, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", schema.ErrHeaderMismatch)
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	header = append([]string(nil), header...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	if err := schema.ValidateHeader(header); err != nil {
		return nil, err
	}

	var orders []domain.Order
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		o, err := decodeRecord(header, rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func decodeRecord(header, rec []string) (domain.Order, error) {
	o := domain.Order{Values: make(map[string]float64, len(header))}
	for i, name := range header {
		cell := strings.TrimSpace(rec[i])
		switch name {
		case schema.OrderID:
			id, err := parseID(cell)
			if err != nil {
				return o, fmt.Errorf("order_id %q: %w", cell, err)
			}
			o.ID = id
		case schema.DeliveryTime:
			if cell == "" {
				return o, errors.New("delivery_time is empty")
			}
			t, err := domain.ParseTime(cell)
			if err != nil {
				return o, fmt.Errorf("delivery_time %q: %w", cell, err)
			}
			o.DeliveryTime = t.UTC()
		default:
			v, err := parseValue(cell)
			if err != nil {
				return o, fmt.Errorf("%s %q: %w", name, cell, err)
			}
			o.Values[name] = v
		}
	}
	return o, nil
}

// parseID accepts integer ids, including the "123.0" rendering some
// exporters produce.
func parseID(s string) (int64, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not an integer")
	}
	return int64(f), nil
}

func parseValue(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// WriteCSVFile writes orders to path with WriteCSV.
func WriteCSVFile(path string, orders []domain.Order) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WriteCSV(f, orders); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// WriteCSV encodes orders in schema column order. Null or absent values are
// written as empty cells.
func WriteCSV(w io.Writer, orders []domain.Order) error {
	cols := schema.Columns()
	cw := csv.NewWriter(w)

	if err := cw.Write(schema.Names()); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, o := range orders {
		for i, c := range cols {
			row[i] = formatCell(o, c)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(o domain.Order, c schema.Column) string {
	switch c.Name {
	case schema.OrderID:
		return strconv.FormatInt(o.ID, 10)
	case schema.DeliveryTime:
		if o.DeliveryTime.IsZero() {
			return ""
		}
		return o.DeliveryTime.UTC().Format(time.RFC3339Nano)
	}
	v, ok := o.Value(c.Name)
	if !ok {
		return ""
	}
	if c.Type == schema.Integer && v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
