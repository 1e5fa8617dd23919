package batch

import (
	"context"
	"sync"
	"time"
)

// Delta is a signed change to the run counters.
type Delta struct {
	Total     int
	Completed int
	Failed    int
	Running   int
}

// ProgressSnapshot is a point-in-time copy of the run counters.
type ProgressSnapshot struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Running   int       `json:"running"`
}

// Done reports whether every subject has finished.
func (s ProgressSnapshot) Done() bool {
	return s.Total > 0 && s.Completed+s.Failed >= s.Total
}

// Progress keeps aggregated subject counters for one batch run. It is safe
// for concurrent use.
type Progress struct {
	mu       sync.Mutex
	snap     ProgressSnapshot
	onChange func(ProgressSnapshot)
}

// NewProgress starts a tracker for runID.
func NewProgress(runID string) *Progress {
	return &Progress{snap: ProgressSnapshot{RunID: runID, StartedAt: time.Now()}}
}

// Update applies d and invokes the change callback outside the lock.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.snap.Total += d.Total
	p.snap.Completed += d.Completed
	p.snap.Failed += d.Failed
	p.snap.Running += d.Running
	snapshot := p.snap
	cb := p.onChange
	p.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	if p == nil {
		return ProgressSnapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// OnChange registers the callback run after every Update. nil disables it.
func (p *Progress) OnChange(cb func(ProgressSnapshot)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.onChange = cb
	p.mu.Unlock()
}

type progressKeyT struct{}

var progressKey progressKeyT

// ContextWithProgress embeds p in a derived context.
func ContextWithProgress(ctx context.Context, p *Progress) context.Context {
	return context.WithValue(ctx, progressKey, p)
}

// ProgressFromContext extracts the tracker from ctx.
func ProgressFromContext(ctx context.Context) (*Progress, bool) {
	p, ok := ctx.Value(progressKey).(*Progress)
	return p, ok
}

// UpdateCtx applies d to the tracker carried by ctx, if any.
func UpdateCtx(ctx context.Context, d Delta) {
	if p, ok := ProgressFromContext(ctx); ok {
		p.Update(d)
	}
}
