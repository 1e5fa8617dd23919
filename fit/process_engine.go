package fit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// ProcessOption configures a ProcessEngine.
type ProcessOption func(*ProcessEngine)

// WithStderr forwards the fitter's stderr to w.
func WithStderr(w io.Writer) ProcessOption {
	return func(e *ProcessEngine) {
		e.stderr = w
	}
}

// WithEnv sets the fitter's environment.
func WithEnv(env []string) ProcessOption {
	return func(e *ProcessEngine) {
		e.env = env
	}
}

// WithDir sets the fitter's working directory.
func WithDir(dir string) ProcessOption {
	return func(e *ProcessEngine) {
		e.dir = dir
	}
}

// processRequest is one line written to the fitter's stdin.
type processRequest struct {
	Op           string          `json:"op"`
	Model        string          `json:"model,omitempty"`
	Data         string          `json:"data,omitempty"`
	Step         json.RawMessage `json:"step,omitempty"`
	EndStep      *int            `json:"endStep,omitempty"`
	OutputPrefix string          `json:"outputPrefix,omitempty"`
}

// processResponse is one line read from the fitter's stdout.
type processResponse struct {
	OK        bool               `json:"ok"`
	Error     string             `json:"error,omitempty"`
	Completed *int               `json:"completed,omitempty"`
	Groups    map[string]float64 `json:"groups,omitempty"`
	RMS       float64            `json:"rms,omitempty"`
	MaxError  float64            `json:"maxError,omitempty"`
}

// ProcessEngine drives an external fitter executable that speaks one JSON
// request and one JSON response per line over stdin/stdout.
type ProcessEngine struct {
	command   []string
	modelPath string
	dataPath  string
	dir       string
	env       []string
	stderr    io.Writer

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	closed bool
}

// NewProcessEngine prepares an engine; the process starts on Load.
func NewProcessEngine(command []string, modelPath, dataPath string, opts ...ProcessOption) *ProcessEngine {
	e := &ProcessEngine{
		command:   command,
		modelPath: modelPath,
		dataPath:  dataPath,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewProcessEngineFactory returns a factory starting one fitter process per
// (model, data) pair.
func NewProcessEngineFactory(command []string, opts ...ProcessOption) EngineFactory {
	return func(modelPath, dataPath string) (Engine, error) {
		if len(command) == 0 {
			return nil, errors.New("fitter command is empty")
		}
		return NewProcessEngine(command, modelPath, dataPath, opts...), nil
	}
}

// Load starts the fitter and asks it to read the model and data files.
// Cancelling ctx kills the fitter.
func (e *ProcessEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return errors.New("fitter already started")
	}
	if len(e.command) == 0 {
		return &ResourceLoadError{Resource: "engine", Err: errors.New("fitter command is empty")}
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Dir = e.dir
	cmd.Env = e.env
	cmd.Stderr = e.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ResourceLoadError{Resource: "engine", Path: e.command[0], Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ResourceLoadError{Resource: "engine", Path: e.command[0], Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &ResourceLoadError{Resource: "engine", Path: e.command[0], Err: err}
	}
	e.cmd = cmd
	e.stdin = stdin
	e.enc = json.NewEncoder(stdin)
	e.dec = json.NewDecoder(bufio.NewReader(stdout))

	resp, err := e.callLocked(processRequest{Op: "load", Model: e.modelPath, Data: e.dataPath})
	if err != nil {
		return &ResourceLoadError{Resource: "engine", Path: e.command[0], Err: err}
	}
	if !resp.OK {
		return &ResourceLoadError{Resource: "model", Path: e.modelPath, Err: errors.New(resp.Error)}
	}
	return nil
}

func (e *ProcessEngine) AddStep(ctx context.Context, step Step) error {
	raw, err := MarshalStep(step)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, err := e.callLocked(processRequest{Op: "addStep", Step: raw})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

func (e *ProcessEngine) Run(ctx context.Context, endStep int, outputPrefix string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, err := e.callLocked(processRequest{Op: "run", EndStep: &endStep, OutputPrefix: outputPrefix})
	if err != nil {
		return -1, err
	}
	completed := -1
	if resp.Completed != nil {
		completed = *resp.Completed
	} else if resp.OK {
		completed = endStep
	}
	if !resp.OK {
		return completed, errors.New(resp.Error)
	}
	return completed, nil
}

func (e *ProcessEngine) GroupRMS(ctx context.Context) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, err := e.callLocked(processRequest{Op: "groupRMS"})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	if resp.Groups == nil {
		return map[string]float64{}, nil
	}
	return resp.Groups, nil
}

func (e *ProcessEngine) DataRMSAndMaxProjectionError(ctx context.Context) (float64, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, err := e.callLocked(processRequest{Op: "dataRMS"})
	if err != nil {
		return 0, 0, err
	}
	if !resp.OK {
		return 0, 0, errors.New(resp.Error)
	}
	return resp.RMS, resp.MaxError, nil
}

// Close ends the fitter's input and waits for it to exit.
func (e *ProcessEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.closed {
		return nil
	}
	e.closed = true
	if err := e.stdin.Close(); err != nil {
		return fmt.Errorf("closing fitter stdin: %w", err)
	}
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("waiting for fitter: %w", err)
	}
	return nil
}

func (e *ProcessEngine) callLocked(req processRequest) (processResponse, error) {
	if e.cmd == nil {
		return processResponse{}, errors.New("fitter not started")
	}
	if e.closed {
		return processResponse{}, errors.New("fitter closed")
	}
	if err := e.enc.Encode(req); err != nil {
		return processResponse{}, fmt.Errorf("sending %s: %w", req.Op, err)
	}
	var resp processResponse
	if err := e.dec.Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return processResponse{}, fmt.Errorf("fitter exited during %s", req.Op)
		}
		return processResponse{}, fmt.Errorf("reading %s response: %w", req.Op, err)
	}
	return resp, nil
}
