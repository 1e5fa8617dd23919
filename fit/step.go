package fit

import "fmt"

// StepKind names a fitting step variant.
type StepKind string

const (
	KindConfig StepKind = "config"
	KindAlign  StepKind = "align"
	KindFit    StepKind = "fit"
)

// Step is one entry of a fitting pipeline. It is implemented only by
// ConfigStep, AlignStep and FitStep.
type Step interface {
	Kind() StepKind
	validate() error
}

// ConfigStep changes the engine's projection/grouping configuration.
// An empty Group applies to every group not otherwise configured.
type ConfigStep struct {
	Group             string
	CentralProjection bool
}

// AlignStep rigidly aligns the model to the data.
type AlignStep struct {
	AlignGroups bool
}

// FitStep runs the engine's optimizer for Iterations passes.
// An empty Group applies weight and penalties uniformly to all groups not
// otherwise configured; a named group restricts the step to that group.
type FitStep struct {
	Group            string
	DataWeight       float64
	StrainPenalty    float64
	CurvaturePenalty float64
	Iterations       int
}

func (ConfigStep) Kind() StepKind { return KindConfig }
func (AlignStep) Kind() StepKind  { return KindAlign }
func (FitStep) Kind() StepKind    { return KindFit }

func (ConfigStep) validate() error { return nil }
func (AlignStep) validate() error  { return nil }

func (s FitStep) validate() error {
	if s.Iterations < 0 {
		return fmt.Errorf("%w: iterations must be >= 0, got %d", ErrInvalidStep, s.Iterations)
	}
	if s.DataWeight < 0 || s.StrainPenalty < 0 || s.CurvaturePenalty < 0 {
		return fmt.Errorf("%w: weight and penalties must be >= 0", ErrInvalidStep)
	}
	return nil
}

// FitParams are the caller-facing parameters of AddFit.
type FitParams struct {
	Group            string
	DataWeight       float64
	StrainPenalty    float64
	CurvaturePenalty float64
	Iterations       int
}

// DefaultFitParams returns no weight, no penalties and a single iteration.
func DefaultFitParams() FitParams {
	return FitParams{Iterations: 1}
}

func (p FitParams) step() FitStep {
	return FitStep{
		Group:            p.Group,
		DataWeight:       p.DataWeight,
		StrainPenalty:    p.StrainPenalty,
		CurvaturePenalty: p.CurvaturePenalty,
		Iterations:       p.Iterations,
	}
}

// describe renders a step for log lines.
func describe(step Step) string {
	group := func(g string) string {
		if g == "" {
			return "*"
		}
		return g
	}
	switch s := step.(type) {
	case ConfigStep:
		return fmt.Sprintf("config group=%s central=%t", group(s.Group), s.CentralProjection)
	case AlignStep:
		return fmt.Sprintf("align groups=%t", s.AlignGroups)
	case FitStep:
		return fmt.Sprintf("fit group=%s weight=%g strain=%g curvature=%g iterations=%d",
			group(s.Group), s.DataWeight, s.StrainPenalty, s.CurvaturePenalty, s.Iterations)
	default:
		return fmt.Sprintf("unknown step %T", step)
	}
}
