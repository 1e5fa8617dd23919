package fit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/viant/afs"

	"github.com/kwv/batchfit/tracing"
)

// Session sequences fitting steps against one engine bound to one model and
// one data file. Steps run strictly in the order they were added.
//
// A Session is not safe for concurrent use. Independent sessions share no
// state and may run in parallel as long as their output prefixes differ.
type Session struct {
	engine       Engine
	prefix       string
	steps        []Step
	reached      int
	report       *Report
	fs           afs.Service
	centralGroup string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithFileSystem sets the storage used to read settings resources.
func WithFileSystem(fs afs.Service) SessionOption {
	return func(s *Session) {
		s.fs = fs
	}
}

// WithCentralGroup restricts the initial central-projection config step to
// the named group. The default applies it to every group.
func WithCentralGroup(group string) SessionOption {
	return func(s *Session) {
		s.centralGroup = group
	}
}

// initSteps is the fixed sequence every session applies before any caller
// step: central projection on, align everything, central projection off.
func initSteps(centralGroup string) []Step {
	return []Step{
		ConfigStep{Group: centralGroup, CentralProjection: true},
		AlignStep{AlignGroups: true},
		ConfigStep{CentralProjection: false},
	}
}

// NewSession loads the engine and applies the initialization sequence.
// outputPrefix is the filename stem for every geometry file the engine
// writes. On failure the engine is closed.
func NewSession(ctx context.Context, engine Engine, outputPrefix string, opts ...SessionOption) (*Session, error) {
	if engine == nil {
		return nil, errors.New("fit: nil engine")
	}
	s := &Session{
		engine:  engine,
		prefix:  outputPrefix,
		reached: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = afs.New()
	}

	if err := engine.Load(ctx); err != nil {
		_ = engine.Close()
		var rle *ResourceLoadError
		if errors.As(err, &rle) {
			return nil, err
		}
		return nil, &ResourceLoadError{Resource: "engine", Err: err}
	}

	for _, step := range initSteps(s.centralGroup) {
		if err := s.apply(ctx, step); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("initializing session: %w", err)
		}
	}
	return s, nil
}

// AddConfig appends and executes a ConfigStep.
func (s *Session) AddConfig(ctx context.Context, group string, centralProjection bool) error {
	return s.apply(ctx, ConfigStep{Group: group, CentralProjection: centralProjection})
}

// AddAlign appends and executes an AlignStep.
func (s *Session) AddAlign(ctx context.Context, alignGroups bool) error {
	return s.apply(ctx, AlignStep{AlignGroups: alignGroups})
}

// AddFit appends and executes a FitStep. Zero iterations is accepted and
// leaves the geometry unchanged.
func (s *Session) AddFit(ctx context.Context, params FitParams) error {
	return s.apply(ctx, params.step())
}

// LoadFitSettings extends the pipeline with the steps of the settings
// resource at location and returns how many were applied. A missing
// resource is not an error.
func (s *Session) LoadFitSettings(ctx context.Context, location string) (int, error) {
	steps, found, err := LoadSettings(ctx, s.fs, location)
	if err != nil {
		return 0, err
	}
	if !found {
		log.Printf("fit: no settings at %s, keeping %d steps", location, len(s.steps))
		return 0, nil
	}
	for i, step := range steps {
		if err := s.apply(ctx, step); err != nil {
			return i, fmt.Errorf("applying settings step %d: %w", i, err)
		}
	}
	return len(steps), nil
}

// apply is the single entry point for every step: validate, submit to the
// engine, record, then run the engine up to the new step.
func (s *Session) apply(ctx context.Context, step Step) error {
	if step == nil {
		return fmt.Errorf("%w: nil step", ErrInvalidStep)
	}
	if err := step.validate(); err != nil {
		return err
	}

	index := len(s.steps)
	ctx, span := tracing.StartSpan(ctx, "fit.step", map[string]string{
		"step.kind":     string(step.Kind()),
		"step.index":    strconv.Itoa(index),
		"output.prefix": s.prefix,
	})

	err := s.engine.AddStep(ctx, step)
	if err != nil {
		err = fmt.Errorf("adding step %d (%s): %w", index, describe(step), err)
		tracing.End(span, err)
		return err
	}
	s.steps = append(s.steps, step)
	log.Printf("fit: %s step %d: %s", s.prefix, index, describe(step))

	err = s.execute(ctx, index)
	tracing.End(span, err)
	return err
}

func (s *Session) execute(ctx context.Context, end int) error {
	completed, err := s.engine.Run(ctx, end, s.prefix)
	if completed > s.reached {
		s.reached = completed
	}
	if err != nil {
		failed := completed + 1
		if failed > end {
			failed = end
		}
		return &EngineRunError{Step: failed, LastGood: completed, Err: err}
	}
	return nil
}

// Run executes the engine up to the most recently added step and refreshes
// the RMS report.
func (s *Session) Run(ctx context.Context) error {
	return s.RunTo(ctx, len(s.steps)-1)
}

// RunTo executes the engine up to and including step and refreshes the RMS
// report. Running to a step already reached is valid and leaves the engine
// state unchanged.
func (s *Session) RunTo(ctx context.Context, step int) error {
	if step < 0 || step >= len(s.steps) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrStepOutOfRange, step, len(s.steps))
	}

	ctx, span := tracing.StartSpan(ctx, "fit.run", map[string]string{
		"step.end":      strconv.Itoa(step),
		"output.prefix": s.prefix,
	})
	if err := s.execute(ctx, step); err != nil {
		tracing.End(span, err)
		return err
	}

	report, err := s.readReport(ctx)
	if err != nil {
		tracing.End(span, err)
		return err
	}
	s.report = &report
	span.SetFloat("rms.total", report.TotalRMS)
	tracing.End(span, nil)

	log.Printf("fit: %s run to step %d: total RMS %.4f, max projection error %.4f",
		s.prefix, step, report.TotalRMS, report.MaxProjectionError)
	return nil
}

func (s *Session) readReport(ctx context.Context) (Report, error) {
	groups, err := s.engine.GroupRMS(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading group RMS: %w", err)
	}
	rms, maxErr, err := s.engine.DataRMSAndMaxProjectionError(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading data RMS: %w", err)
	}
	return Report{Groups: groups, TotalRMS: rms, MaxProjectionError: maxErr}.clone(), nil
}

// CurrentReport reads RMS values straight from the engine without touching
// the cached report. Callers use it to inspect partial results after an
// EngineRunError.
func (s *Session) CurrentReport(ctx context.Context) (Report, error) {
	return s.readReport(ctx)
}

// GroupRMS returns the per-group RMS of the last completed Run.
func (s *Session) GroupRMS() (map[string]float64, error) {
	if s.report == nil {
		return nil, ErrNotRun
	}
	return s.report.clone().Groups, nil
}

// TotalRMS returns the data RMS and maximum projection error of the last
// completed Run.
func (s *Session) TotalRMS() (rms float64, maxProjectionError float64, err error) {
	if s.report == nil {
		return 0, 0, ErrNotRun
	}
	return s.report.TotalRMS, s.report.MaxProjectionError, nil
}

// Report returns a copy of the last completed Run's report.
func (s *Session) Report() (Report, error) {
	if s.report == nil {
		return Report{}, ErrNotRun
	}
	return s.report.clone(), nil
}

// Steps returns a copy of the applied steps, initialization steps included.
func (s *Session) Steps() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Reached returns the highest step index the engine has completed, -1 if none.
func (s *Session) Reached() int {
	return s.reached
}

// OutputPrefix returns the filename stem used for geometry outputs.
func (s *Session) OutputPrefix() string {
	return s.prefix
}

// Close releases the engine.
func (s *Session) Close() error {
	return s.engine.Close()
}
