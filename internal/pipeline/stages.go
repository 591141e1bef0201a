package pipeline

import (
	"fmt"
	"math"
)

// Stage names a step of the render pipeline.
type Stage string

const (
	StagePrepare   Stage = "prepare"
	StageFetch     Stage = "fetch"
	StageNormalize Stage = "normalize"
	StageComposite Stage = "composite"
	StageMix       Stage = "mix"
	StageMux       Stage = "mux"
	StagePublish   Stage = "publish"
)

// band is the slice of the 0-100 scale a stage owns.
type band struct {
	start, end int
}

// Bands are contiguous and ordered, so progress can only grow as stages finish.
var bands = map[Stage]band{
	StagePrepare:   {0, 5},
	StageFetch:     {5, 15},
	StageNormalize: {15, 40},
	StageComposite: {40, 60},
	StageMix:       {60, 75},
	StageMux:       {75, 98},
	StagePublish:   {98, 100},
}

// at maps a stage-local fraction in [0,1] onto the overall scale.
func (b band) at(fraction float64) int {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return b.start + int(math.Floor(fraction*float64(b.end-b.start)))
}

// StageError is the failure result of a stage. Run is the only place that
// turns one into job state.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
