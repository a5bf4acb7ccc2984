package pipeline

import (
	"errors"
	"fmt"
	"time"

	"bagforecast/internal/domain"
)

// ErrEmptyDataset reports a source dataset with no orders.
var ErrEmptyDataset = errors.New("dataset is empty")

// Stage names a step of a loader run.
type Stage string

const (
	StageCursor    Stage = "load cursor"
	StageDataset   Stage = "load dataset"
	StagePartition Stage = "partition"
	StageInspect   Stage = "inspect store"
	StageBootstrap Stage = "bootstrap upsert"
	StageCurrent   Stage = "current window upsert"
	StageFuture    Stage = "future window upsert"
	StageAdvance   Stage = "advance cursor"
)

// StageError reports the stage and, when known, the window a run failed in.
type StageError struct {
	Stage  Stage
	Window domain.Window
	Err    error
}

func (e *StageError) Error() string {
	if e.Window.Start.IsZero() && e.Window.End.IsZero() {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s for window [%s, %s): %v",
		e.Stage, e.Window.Start.Format(time.RFC3339), e.Window.End.Format(time.RFC3339), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
