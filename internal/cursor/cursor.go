// Package cursor persists the "current date" boundary of an incremental
// loader between runs.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bagforecast/internal/domain"
)

var (
	// ErrMissing is returned when the cursor file does not exist.
	ErrMissing = errors.New("cursor file missing")
	// ErrMalformed is returned when the cursor file cannot be decoded.
	ErrMalformed = errors.New("cursor file malformed")
)

// file is the on-disk layout of the cursor.
type file struct {
	CurrentDate string `json:"current_date"`
}

// File is a cursor stored as a small JSON document at Path.
type File struct {
	Path string
}

// NewFile returns a cursor backed by the JSON file at path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Load reads current_date. A missing file wraps ErrMissing; unreadable JSON
// or an empty or unparsable date wraps ErrMalformed.
func (f *File) Load() (time.Time, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrMissing, f.Path)
		}
		return time.Time{}, fmt.Errorf("reading cursor %s: %w", f.Path, err)
	}

	var doc file
	if err := json.Unmarshal(data, &doc); err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Path, err)
	}
	raw := strings.TrimSpace(doc.CurrentDate)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s: current_date is empty", ErrMalformed, f.Path)
	}

	t, err := domain.ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Path, err)
	}
	return t, nil
}

// Save writes current_date as RFC 3339 with the offset of t preserved. The
// file is replaced atomically via a temporary file in the same directory.
func (f *File) Save(t time.Time) error {
	data, err := json.Marshal(file{CurrentDate: t.Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cursor dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cursor-*")
	if err != nil {
		return fmt.Errorf("creating temp cursor: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replacing cursor %s: %w", f.Path, err)
	}
	return nil
}

// Advance returns t moved forward by one period of g.
func Advance(t time.Time, g domain.Granularity) time.Time {
	return g.Add(t, 1)
}
