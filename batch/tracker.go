package batch

import (
	"sort"
	"sync"
	"time"

	"github.com/kwv/batchfit/fit"
)

// SubjectResult is the outcome of fitting one subject or one sweep run.
type SubjectResult struct {
	Subject    string     `json:"subject"`
	Report     fit.Report `json:"report"`
	Partial    bool       `json:"partial,omitempty"`    // report taken after an engine failure
	Error      string     `json:"error,omitempty"`      // empty on success
	DataPath   string     `json:"dataPath,omitempty"`   // combined data file
	OutputDir  string     `json:"outputDir,omitempty"`
	FinishedAt time.Time  `json:"finishedAt"`
	err        error
}

// Err returns the failure, nil on success.
func (r SubjectResult) Err() error {
	return r.err
}

// OK reports whether the result carries a usable report.
func (r SubjectResult) OK() bool {
	return r.err == nil || r.Partial
}

// ResultTracker keeps the latest result per subject for the report server.
type ResultTracker struct {
	mu      sync.RWMutex
	results map[string]SubjectResult
}

// NewResultTracker creates an empty tracker.
func NewResultTracker() *ResultTracker {
	return &ResultTracker{results: make(map[string]SubjectResult)}
}

// Record stores r, replacing any earlier result for the same subject.
func (rt *ResultTracker) Record(r SubjectResult) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.results[r.Subject] = r
}

// Result returns the stored result for subject.
func (rt *ResultTracker) Result(subject string) (SubjectResult, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.results[subject]
	return r, ok
}

// Results returns every stored result sorted by subject.
func (rt *ResultTracker) Results() []SubjectResult {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]SubjectResult, 0, len(rt.results))
	for _, r := range rt.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// HasResults reports whether anything has been recorded.
func (rt *ResultTracker) HasResults() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.results) > 0
}

// Table builds an RMS table from every result with a usable report.
func (rt *ResultTracker) Table() *Table {
	t := NewTable()
	for _, r := range rt.Results() {
		if r.OK() {
			t.SetReport(r.Subject, r.Report)
		}
	}
	return t
}
