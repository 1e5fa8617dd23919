package fit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Factors used by MockEngine to simulate convergence.
const (
	MockAlignFactor    = 0.5
	MockMaxErrorFactor = 2.0
)

// MockEngine implements Engine without a numerical solver. Align steps halve
// every group's RMS; each fit iteration shrinks the targeted groups' RMS by
// a factor derived from the data weight and damped by the penalties.
// It is used by tests and by dry runs.
type MockEngine struct {
	mu         sync.RWMutex
	modelPath  string
	dataPath   string
	rms        map[string]float64
	central    map[string]bool
	steps      []Step
	reached    int
	loaded     bool
	closed     bool
	loadErr    error
	failAt     int
	failErr    error
	outputs    []string
	runCalls   int
	defaultCen bool
}

// NewMockEngine creates an engine whose groups start at the given RMS values.
func NewMockEngine(groups map[string]float64) *MockEngine {
	rms := make(map[string]float64, len(groups))
	for g, v := range groups {
		rms[g] = v
	}
	return &MockEngine{
		rms:     rms,
		central: make(map[string]bool),
		reached: -1,
		failAt:  -1,
	}
}

// NewMockEngineFactory returns a factory producing a fresh MockEngine per
// (model, data) pair, every one starting from groups.
func NewMockEngineFactory(groups map[string]float64) EngineFactory {
	return func(modelPath, dataPath string) (Engine, error) {
		e := NewMockEngine(groups)
		e.modelPath = modelPath
		e.dataPath = dataPath
		return e, nil
	}
}

// SetLoadError makes Load fail with err.
func (e *MockEngine) SetLoadError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadErr = err
}

// FailAtStep makes Run fail with err when it reaches step index.
func (e *MockEngine) FailAtStep(index int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failAt = index
	e.failErr = err
}

func (e *MockEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return &ResourceLoadError{Resource: "model", Path: e.modelPath, Err: e.loadErr}
	}
	e.loaded = true
	return nil
}

func (e *MockEngine) AddStep(ctx context.Context, step Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return errors.New("engine not loaded")
	}
	e.steps = append(e.steps, step)
	return nil
}

func (e *MockEngine) Run(ctx context.Context, endStep int, outputPrefix string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runCalls++
	if endStep >= len(e.steps) {
		return e.reached, fmt.Errorf("end step %d beyond %d steps", endStep, len(e.steps))
	}
	for i := e.reached + 1; i <= endStep; i++ {
		if err := ctx.Err(); err != nil {
			return e.reached, err
		}
		if i == e.failAt {
			return e.reached, e.failErr
		}
		if err := e.applyLocked(e.steps[i]); err != nil {
			return e.reached, err
		}
		e.reached = i
		e.outputs = append(e.outputs, fmt.Sprintf("%sstep%d.exf", outputPrefix, i))
	}
	return e.reached, nil
}

func (e *MockEngine) applyLocked(step Step) error {
	switch s := step.(type) {
	case ConfigStep:
		if s.Group == "" {
			e.defaultCen = s.CentralProjection
			return nil
		}
		if _, ok := e.rms[s.Group]; !ok {
			return fmt.Errorf("unknown group %q", s.Group)
		}
		e.central[s.Group] = s.CentralProjection
	case AlignStep:
		if s.AlignGroups {
			for g := range e.rms {
				e.rms[g] *= MockAlignFactor
			}
		}
	case FitStep:
		targets := e.groupsLocked()
		if s.Group != "" {
			if _, ok := e.rms[s.Group]; !ok {
				return fmt.Errorf("unknown group %q", s.Group)
			}
			targets = []string{s.Group}
		}
		pull := s.DataWeight / (1 + s.DataWeight)
		factor := 1 - pull/(1+s.StrainPenalty+s.CurvaturePenalty)
		for it := 0; it < s.Iterations; it++ {
			for _, g := range targets {
				e.rms[g] *= factor
			}
		}
	default:
		return fmt.Errorf("unsupported step %T", step)
	}
	return nil
}

func (e *MockEngine) groupsLocked() []string {
	names := make([]string, 0, len(e.rms))
	for g := range e.rms {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

func (e *MockEngine) GroupRMS(ctx context.Context) (map[string]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		return nil, errors.New("engine not loaded")
	}
	out := make(map[string]float64, len(e.rms))
	for g, v := range e.rms {
		out[g] = v
	}
	return out, nil
}

// DataRMSAndMaxProjectionError treats every group as equally populated.
func (e *MockEngine) DataRMSAndMaxProjectionError(ctx context.Context) (float64, float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		return 0, 0, errors.New("engine not loaded")
	}
	if len(e.rms) == 0 {
		return 0, 0, nil
	}
	var sum, peak float64
	for _, v := range e.rms {
		sum += v * v
		if v > peak {
			peak = v
		}
	}
	return math.Sqrt(sum / float64(len(e.rms))), peak * MockMaxErrorFactor, nil
}

func (e *MockEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Steps returns the steps the engine received.
func (e *MockEngine) Steps() []Step {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Step, len(e.steps))
	copy(out, e.steps)
	return out
}

// Outputs returns the geometry file names the engine would have written.
func (e *MockEngine) Outputs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.outputs))
	copy(out, e.outputs)
	return out
}

// RunCalls returns how many times Run was invoked.
func (e *MockEngine) RunCalls() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runCalls
}

// CentralProjection reports the projection mode last configured for group,
// falling back to the default set by an unfiltered config step.
func (e *MockEngine) CentralProjection(group string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.central[group]; ok {
		return v
	}
	return e.defaultCen
}

// IsClosed reports whether Close was called.
func (e *MockEngine) IsClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
