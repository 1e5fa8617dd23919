package fit

import "context"

// Engine is the external scaffold fitter. Implementations own all numerical
// work; a Session only sequences steps against it.
//
// Step indices are zero-based positions in the order steps were added.
type Engine interface {
	// Load reads the model and data resources. It is called once.
	Load(ctx context.Context) error
	// AddStep appends a step to the engine's own step list.
	AddStep(ctx context.Context, step Step) error
	// Run executes steps up to and including endStep, writing geometry under
	// outputPrefix. It returns the index of the last completed step, which
	// is meaningful even when err is non-nil.
	Run(ctx context.Context, endStep int, outputPrefix string) (completed int, err error)
	// GroupRMS returns the RMS error per group for the current state.
	GroupRMS(ctx context.Context) (map[string]float64, error)
	// DataRMSAndMaxProjectionError returns the overall data RMS and the
	// largest single projection error.
	DataRMSAndMaxProjectionError(ctx context.Context) (rms float64, maxError float64, err error)
	Close() error
}

// EngineFactory builds an engine bound to one model and one data file.
type EngineFactory func(modelPath, dataPath string) (Engine, error)
