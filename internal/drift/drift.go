// Package drift compares the distribution of each numeric column between a
// reference period and the current period.
package drift

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

var (
	// ErrEmptyReference is returned when no order falls in the reference
	// window.
	ErrEmptyReference = errors.New("reference dataset is empty")
	// ErrEmptyCurrent is returned when no order falls after the reference
	// window.
	ErrEmptyCurrent = errors.New("current dataset is empty")
)

// datasetDriftShare is the share of drifted columns from which the whole
// dataset counts as drifted.
const datasetDriftShare = 0.5

// ColumnDrift is the comparison result of one column.
type ColumnDrift struct {
	Column         string  `json:"column"`
	KSStatistic    float64 `json:"ks_statistic"`
	ReferenceMean  float64 `json:"reference_mean"`
	CurrentMean    float64 `json:"current_mean"`
	ReferenceCount int     `json:"reference_count"`
	CurrentCount   int     `json:"current_count"`
	Drifted        bool    `json:"drifted"`
}

// Report is the drift report written by the validate step.
type Report struct {
	ReferenceStart time.Time     `json:"reference_start"`
	ReferenceEnd   time.Time     `json:"reference_end"`
	ReferenceRows  int           `json:"reference_rows"`
	CurrentRows    int           `json:"current_rows"`
	Threshold      float64       `json:"threshold"`
	Columns        []ColumnDrift `json:"columns"`
	DriftedColumns int           `json:"drifted_columns"`
	ShareDrifted   float64       `json:"share_drifted"`
	DatasetDrift   bool          `json:"dataset_drift"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// Columns returns the numeric columns compared by Compute: every schema
// column and calendar feature except order_id, delivery_time and the
// forecast columns.
func Columns() []string {
	var out []string
	for _, c := range schema.Columns() {
		if c.Type == schema.Timestamp || c.PrimaryKey || schema.IsForecast(c.Name) {
			continue
		}
		out = append(out, c.Name)
	}
	return append(out, schema.DayOfYear, schema.DayOfWeek, schema.NumberOfWeek, schema.DeliveryHour)
}

// Compute builds a report comparing orders delivered strictly between start
// and end against orders delivered at or after end. A column counts as
// drifted when its two-sample Kolmogorov-Smirnov statistic exceeds
// threshold. Null values are ignored per column.
func Compute(orders []domain.Order, start, end time.Time, threshold float64) (*Report, error) {
	start, end = start.UTC(), end.UTC()
	var reference, current []domain.Order
	for _, o := range orders {
		t := o.DeliveryTime.UTC()
		switch {
		case t.After(start) && t.Before(end):
			reference = append(reference, o)
		case !t.Before(end):
			current = append(current, o)
		}
	}
	if len(reference) == 0 {
		return nil, fmt.Errorf("%w: no orders in (%s, %s)", ErrEmptyReference, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("%w: no orders at or after %s", ErrEmptyCurrent, end.Format(time.DateOnly))
	}

	r := &Report{
		ReferenceStart: start,
		ReferenceEnd:   end,
		ReferenceRows:  len(reference),
		CurrentRows:    len(current),
		Threshold:      threshold,
		GeneratedAt:    time.Now().UTC(),
	}
	for _, col := range Columns() {
		ref := values(reference, col)
		cur := values(current, col)
		if len(ref) == 0 || len(cur) == 0 {
			continue
		}
		cd := ColumnDrift{
			Column:         col,
			KSStatistic:    math.Min(1, stat.KolmogorovSmirnov(ref, nil, cur, nil)),
			ReferenceMean:  stat.Mean(ref, nil),
			CurrentMean:    stat.Mean(cur, nil),
			ReferenceCount: len(ref),
			CurrentCount:   len(cur),
		}
		cd.Drifted = cd.KSStatistic > threshold
		if cd.Drifted {
			r.DriftedColumns++
		}
		r.Columns = append(r.Columns, cd)
	}
	if len(r.Columns) > 0 {
		r.ShareDrifted = float64(r.DriftedColumns) / float64(len(r.Columns))
	}
	r.DatasetDrift = r.ShareDrifted >= datasetDriftShare
	return r, nil
}

// values returns the sorted non-null values of col.
func values(orders []domain.Order, col string) []float64 {
	out := make([]float64, 0, len(orders))
	for _, o := range orders {
		if v, ok := o.Value(col); ok && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

// WriteFile writes r as indented JSON to path.
func (r *Report) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding drift report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing drift report %s: %w", path, err)
	}
	return nil
}
