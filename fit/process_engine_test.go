package fit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is re-executed by helperCommand
// and plays the external fitter, backed by a MockEngine.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("BATCHFIT_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Exit(runHelperFitter())
}

func runHelperFitter() int {
	ctx := context.Background()
	engine := NewMockEngine(map[string]float64{"upper": 3, "lower": 1})
	if os.Getenv("BATCHFIT_HELPER_FAIL_AT") == "4" {
		engine.FailAtStep(4, errors.New("did not converge"))
	}

	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var req processRequest
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			fmt.Fprintf(os.Stderr, "bad request: %v\n", err)
			return 2
		}
		resp := processResponse{OK: true}
		fail := func(err error) {
			resp.OK = false
			resp.Error = err.Error()
		}
		switch req.Op {
		case "load":
			if req.Model == "broken.exf" {
				fail(errors.New("cannot parse model"))
				break
			}
			if err := engine.Load(ctx); err != nil {
				fail(err)
			}
		case "addStep":
			step, err := UnmarshalStep(req.Step)
			if err != nil {
				fail(err)
				break
			}
			if err := engine.AddStep(ctx, step); err != nil {
				fail(err)
			}
		case "run":
			completed, err := engine.Run(ctx, *req.EndStep, req.OutputPrefix)
			resp.Completed = &completed
			if err != nil {
				fail(err)
			}
		case "groupRMS":
			groups, err := engine.GroupRMS(ctx)
			if err != nil {
				fail(err)
			}
			resp.Groups = groups
		case "dataRMS":
			rms, maxErr, err := engine.DataRMSAndMaxProjectionError(ctx)
			if err != nil {
				fail(err)
			}
			resp.RMS, resp.MaxError = rms, maxErr
		default:
			fail(fmt.Errorf("unknown op %q", req.Op))
		}
		if err := out.Encode(resp); err != nil {
			return 3
		}
	}
	return 0
}

func helperCommand() []string {
	return []string{os.Args[0], "-test.run=TestHelperProcess", "--"}
}

func helperEnv(extra ...string) []string {
	return append(append(os.Environ(), "BATCHFIT_WANT_HELPER_PROCESS=1"), extra...)
}

func TestProcessEngine_Session(t *testing.T) {
	ctx := context.Background()
	engine := NewProcessEngine(helperCommand(), "lung.exf", "subject.exdata",
		WithEnv(helperEnv()), WithStderr(os.Stderr))

	s, err := NewSession(ctx, engine, "out/fit_")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, s.Close())
	}()

	require.NoError(t, s.AddFit(ctx, FitParams{DataWeight: 1, StrainPenalty: 0.1, Iterations: 2}))
	require.NoError(t, s.Run(ctx))

	groups, err := s.GroupRMS()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"upper", "lower"}, keys(groups))

	rms, maxErr, err := s.TotalRMS()
	require.NoError(t, err)
	assert.Greater(t, rms, 0.0)
	assert.GreaterOrEqual(t, maxErr, rms)
}

func TestProcessEngine_ModelLoadFailure(t *testing.T) {
	engine := NewProcessEngine(helperCommand(), "broken.exf", "subject.exdata", WithEnv(helperEnv()))

	_, err := NewSession(context.Background(), engine, "fit_")
	var rle *ResourceLoadError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "model", rle.Resource)
	assert.Equal(t, "broken.exf", rle.Path)
}

func TestProcessEngine_RunFailureCarriesLastGood(t *testing.T) {
	ctx := context.Background()
	engine := NewProcessEngine(helperCommand(), "lung.exf", "subject.exdata",
		WithEnv(helperEnv("BATCHFIT_HELPER_FAIL_AT=4")))

	s, err := NewSession(ctx, engine, "fit_")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddAlign(ctx, true))
	err = s.AddFit(ctx, FitParams{DataWeight: 1, Iterations: 1})

	var runErr *EngineRunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, 3, runErr.LastGood)
	assert.Contains(t, runErr.Error(), "did not converge")
}

func TestProcessEngine_MissingExecutable(t *testing.T) {
	engine := NewProcessEngine([]string{"/nonexistent/fitter"}, "m", "d")

	err := engine.Load(context.Background())
	var rle *ResourceLoadError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "engine", rle.Resource)
}

func TestProcessEngine_CallsBeforeLoad(t *testing.T) {
	engine := NewProcessEngine(helperCommand(), "m", "d")

	_, err := engine.GroupRMS(context.Background())
	assert.Error(t, err)
	assert.NoError(t, engine.Close())
}

func TestNewProcessEngineFactory_EmptyCommand(t *testing.T) {
	_, err := NewProcessEngineFactory(nil)("m", "d")
	assert.Error(t, err)
}
