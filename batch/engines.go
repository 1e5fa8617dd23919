package batch

import (
	"fmt"
	"os"

	"github.com/kwv/batchfit/fit"
)

// DryRunEngineFactory returns a factory of MockEngines seeded from the data
// file: each named group starts at the RMS spread of its points. Data with
// no named groups gets a single "data" group.
func DryRunEngineFactory() fit.EngineFactory {
	return func(modelPath, dataPath string) (fit.Engine, error) {
		sets, err := ReadPointSetFile(dataPath)
		if err != nil {
			return nil, &fit.ResourceLoadError{Resource: "data", Path: dataPath, Err: err}
		}
		groups := make(map[string]float64)
		for _, s := range sets {
			if s.Name == "" {
				continue
			}
			groups[s.Name] = s.Spread()
		}
		if len(groups) == 0 {
			groups["data"] = 1
		}
		return fit.NewMockEngineFactory(groups)(modelPath, dataPath)
	}
}

// NewEngineFactory picks the engine for cfg: MockEngines seeded from the data
// when dryRun is set, otherwise the external fitter command.
func NewEngineFactory(cfg EngineConfig, dryRun bool) (fit.EngineFactory, error) {
	if dryRun {
		return DryRunEngineFactory(), nil
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("engine.command is required unless running dry")
	}
	opts := []fit.ProcessOption{fit.WithStderr(os.Stderr)}
	if len(cfg.Env) > 0 {
		opts = append(opts, fit.WithEnv(append(os.Environ(), cfg.Env...)))
	}
	if cfg.Dir != "" {
		opts = append(opts, fit.WithDir(cfg.Dir))
	}
	return fit.NewProcessEngineFactory(cfg.Command, opts...), nil
}
