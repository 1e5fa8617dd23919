package fit

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRun is returned by RMS accessors before any Run has completed.
	ErrNotRun = errors.New("fit: no run has completed")
	// ErrStepOutOfRange is returned when RunTo targets a step that does not exist.
	ErrStepOutOfRange = errors.New("fit: step index out of range")
	// ErrInvalidStep is returned for step parameters the engine must never see.
	ErrInvalidStep = errors.New("fit: invalid step")
)

// ResourceLoadError reports a model, data or settings resource that could
// not be read or parsed.
type ResourceLoadError struct {
	Resource string // "model", "data", "engine" or "settings"
	Path     string
	Err      error
}

func (e *ResourceLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("loading %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("loading %s %s: %v", e.Resource, e.Path, e.Err)
}

func (e *ResourceLoadError) Unwrap() error { return e.Err }

// EngineRunError reports a numerical failure while executing a step.
// LastGood is the index of the last step the engine completed, -1 if none.
type EngineRunError struct {
	Step     int
	LastGood int
	Err      error
}

func (e *EngineRunError) Error() string {
	return fmt.Sprintf("running step %d (last good step %d): %v", e.Step, e.LastGood, e.Err)
}

func (e *EngineRunError) Unwrap() error { return e.Err }

// OutputWriteError reports a failed geometry or table write.
type OutputWriteError struct {
	Path string
	Err  error
}

func (e *OutputWriteError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *OutputWriteError) Unwrap() error { return e.Err }
