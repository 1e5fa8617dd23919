package fit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Variant keys used in settings documents.
const (
	configKey = "_FitterStepConfig"
	alignKey  = "_FitterStepAlign"
	fitKey    = "_FitterStepFit"
)

type configJSON struct {
	Group             string `json:"group,omitempty"`
	CentralProjection bool   `json:"centralProjection"`
}

type alignJSON struct {
	AlignGroups bool `json:"alignGroups"`
}

type fitJSON struct {
	Group            string  `json:"group,omitempty"`
	DataWeight       float64 `json:"dataWeight"`
	StrainPenalty    float64 `json:"strainPenalty"`
	CurvaturePenalty float64 `json:"curvaturePenalty"`
	Iterations       *int    `json:"numberOfIterations,omitempty"`
}

type settingsJSON struct {
	Steps []json.RawMessage `json:"steps"`
}

// MarshalStep encodes a single step as a one-key variant object.
func MarshalStep(step Step) ([]byte, error) {
	var key string
	var body interface{}
	switch s := step.(type) {
	case ConfigStep:
		key, body = configKey, configJSON{Group: s.Group, CentralProjection: s.CentralProjection}
	case AlignStep:
		key, body = alignKey, alignJSON{AlignGroups: s.AlignGroups}
	case FitStep:
		n := s.Iterations
		key, body = fitKey, fitJSON{
			Group:            s.Group,
			DataWeight:       s.DataWeight,
			StrainPenalty:    s.StrainPenalty,
			CurvaturePenalty: s.CurvaturePenalty,
			Iterations:       &n,
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidStep, step)
	}
	return json.Marshal(map[string]interface{}{key: body})
}

// UnmarshalStep decodes a one-key variant object into a step.
func UnmarshalStep(data []byte) (Step, error) {
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing step: %w", err)
	}
	if len(entry) != 1 {
		return nil, fmt.Errorf("step must have exactly one variant key, got %d", len(entry))
	}
	for key, raw := range entry {
		switch key {
		case configKey:
			var c configJSON
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", key, err)
			}
			return ConfigStep{Group: c.Group, CentralProjection: c.CentralProjection}, nil
		case alignKey:
			var a alignJSON
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", key, err)
			}
			return AlignStep{AlignGroups: a.AlignGroups}, nil
		case fitKey:
			var f fitJSON
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", key, err)
			}
			iterations := 1
			if f.Iterations != nil {
				iterations = *f.Iterations
			}
			return FitStep{
				Group:            f.Group,
				DataWeight:       f.DataWeight,
				StrainPenalty:    f.StrainPenalty,
				CurvaturePenalty: f.CurvaturePenalty,
				Iterations:       iterations,
			}, nil
		default:
			return nil, fmt.Errorf("unknown step type %q", key)
		}
	}
	return nil, fmt.Errorf("empty step")
}

// EncodeSettings writes steps as a settings document.
func EncodeSettings(steps []Step) ([]byte, error) {
	doc := settingsJSON{Steps: make([]json.RawMessage, 0, len(steps))}
	for i, step := range steps {
		raw, err := MarshalStep(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		doc.Steps = append(doc.Steps, raw)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// DecodeSettings parses a settings document into its ordered steps.
func DecodeSettings(data []byte) ([]Step, error) {
	var doc settingsJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing settings JSON: %w", err)
	}
	steps := make([]Step, 0, len(doc.Steps))
	for i, raw := range doc.Steps {
		step, err := UnmarshalStep(raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// LoadSettings reads and decodes the settings resource at location.
// found is false, with a nil error, when the resource does not exist.
func LoadSettings(ctx context.Context, fs afs.Service, location string) (steps []Step, found bool, err error) {
	location = url.Normalize(location, file.Scheme)
	exists, err := fs.Exists(ctx, location)
	if err != nil {
		return nil, false, &ResourceLoadError{Resource: "settings", Path: location, Err: err}
	}
	if !exists {
		return nil, false, nil
	}
	data, err := fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, false, &ResourceLoadError{Resource: "settings", Path: location, Err: err}
	}
	steps, err = DecodeSettings(data)
	if err != nil {
		return nil, true, &ResourceLoadError{Resource: "settings", Path: location, Err: err}
	}
	return steps, true, nil
}
