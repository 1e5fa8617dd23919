package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/batchfit/fit"
	"github.com/kwv/batchfit/tracing"
)

// OutputStem is the filename stem of every geometry file a session writes.
const OutputStem = "fit_"

// Driver fits many subjects, or one model over a parameter sweep, and merges
// the RMS reports into the shared table.
type Driver struct {
	cfg       *Config
	factory   fit.EngineFactory
	fs        afs.Service
	tracker   *ResultTracker
	progress  *Progress
	publisher *Publisher
	runID     string
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithStorage sets the storage used for settings and the RMS table.
func WithStorage(fs afs.Service) DriverOption {
	return func(d *Driver) { d.fs = fs }
}

// WithTracker records every result in rt.
func WithTracker(rt *ResultTracker) DriverOption {
	return func(d *Driver) { d.tracker = rt }
}

// WithPublisher announces results and progress through p.
func WithPublisher(p *Publisher) DriverOption {
	return func(d *Driver) { d.publisher = p }
}

// WithProgress uses p for the run counters.
func WithProgress(p *Progress) DriverOption {
	return func(d *Driver) { d.progress = p }
}

// WithRunID sets the run identifier. The default is a random UUID.
func WithRunID(id string) DriverOption {
	return func(d *Driver) { d.runID = id }
}

// NewDriver creates a driver that opens engines through factory.
func NewDriver(cfg *Config, factory fit.EngineFactory, opts ...DriverOption) *Driver {
	d := &Driver{cfg: cfg, factory: factory}
	for _, opt := range opts {
		opt(d)
	}
	if d.runID == "" {
		d.runID = uuid.New().String()
	}
	if d.fs == nil {
		d.fs = afs.New()
	}
	if d.tracker == nil {
		d.tracker = NewResultTracker()
	}
	if d.progress == nil {
		d.progress = NewProgress(d.runID)
	}
	if d.publisher != nil {
		pub := d.publisher
		d.progress.OnChange(func(s ProgressSnapshot) {
			if err := pub.PublishProgress(s); err != nil {
				log.Printf("Error publishing progress: %v", err)
			}
		})
	}
	return d
}

// RunID returns the run identifier.
func (d *Driver) RunID() string { return d.runID }

// Progress returns the run counters.
func (d *Driver) Progress() *Progress { return d.progress }

// Tracker returns the result store.
func (d *Driver) Tracker() *ResultTracker { return d.tracker }

func (d *Driver) workers() int {
	if d.cfg.Workers > 0 {
		return d.cfg.Workers
	}
	return runtime.NumCPU()
}

type job struct {
	name string
	run  func(ctx context.Context) []SubjectResult
}

// runJobs executes jobs on the worker pool. A failed job never stops the
// others; a cancelled context stops the ones not yet started.
func (d *Driver) runJobs(ctx context.Context, jobs []job) []SubjectResult {
	ctx = ContextWithProgress(ctx, d.progress)
	UpdateCtx(ctx, Delta{Total: len(jobs)})
	out := make([][]SubjectResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(d.workers())
	for i, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				r := d.failed(SubjectResult{Subject: j.name}, err)
				d.finish(r)
				out[i] = []SubjectResult{r}
				UpdateCtx(ctx, Delta{Failed: 1})
				return nil
			}
			UpdateCtx(ctx, Delta{Running: 1})
			results := j.run(ctx)
			delta := Delta{Running: -1, Completed: 1}
			for _, r := range results {
				d.finish(r)
				if !r.OK() {
					delta = Delta{Running: -1, Failed: 1}
				}
			}
			out[i] = results
			UpdateCtx(ctx, delta)
			return nil
		})
	}
	_ = g.Wait()

	var flat []SubjectResult
	for _, rs := range out {
		flat = append(flat, rs...)
	}
	return flat
}

func (d *Driver) finish(r SubjectResult) {
	d.tracker.Record(r)
	if d.publisher != nil {
		if err := d.publisher.PublishResult(r); err != nil {
			log.Printf("Error publishing result for %s: %v", r.Subject, err)
		}
	}
}

func (d *Driver) failed(r SubjectResult, err error) SubjectResult {
	r.err = err
	r.Error = err.Error()
	r.FinishedAt = time.Now()
	var runErr *fit.EngineRunError
	if errors.As(err, &runErr) {
		log.Printf("subject %s: step %d: %v", r.Subject, runErr.Step, runErr.Err)
	} else {
		log.Printf("subject %s: %v", r.Subject, err)
	}
	return r
}

// Run fits every subject against the configured scaffold and merges the
// successful reports into the RMS table once all workers are done. It
// returns one result per subject; the error is non-nil only when the table
// could not be updated.
func (d *Driver) Run(ctx context.Context, subjects []Subject) ([]SubjectResult, error) {
	log.Printf("batch %s: fitting %d subjects with %d workers", d.runID, len(subjects), d.workers())
	jobs := make([]job, len(subjects))
	for i, subj := range subjects {
		jobs[i] = job{name: subj.ID, run: func(ctx context.Context) []SubjectResult {
			return []SubjectResult{d.fitSubject(ctx, subj)}
		}}
	}
	results := d.runJobs(ctx, jobs)
	return results, d.writeTable(ctx, results)
}

func (d *Driver) fitSubject(ctx context.Context, subj Subject) SubjectResult {
	ctx, span := tracing.StartSpan(ctx, "batch.subject", map[string]string{
		"subject": subj.ID,
		"run.id":  d.runID,
	})
	outDir := filepath.Join(d.cfg.Output.Dir, subj.ID)
	result := SubjectResult{Subject: subj.ID, OutputDir: outDir}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		err = &fit.OutputWriteError{Path: outDir, Err: err}
		tracing.End(span, err)
		return d.failed(result, err)
	}
	dataPath := filepath.Join(outDir, subj.ID+"_combined"+DataFileExt)
	if _, err := CombineData(subj.DataFiles, d.cfg.GroupMap, dataPath); err != nil {
		err = &fit.ResourceLoadError{Resource: "data", Path: subj.Dir, Err: err}
		tracing.End(span, err)
		return d.failed(result, err)
	}
	result.DataPath = dataPath

	report, partial, err := d.fit(ctx, d.cfg.Scaffold, dataPath, filepath.Join(outDir, OutputStem), nil)
	result.Report = report
	result.Partial = partial
	if err != nil {
		tracing.End(span, err)
		return d.failed(result, err)
	}
	span.SetFloat("rms.total", report.TotalRMS)
	tracing.End(span, nil)
	result.FinishedAt = time.Now()
	log.Printf("subject %s: total RMS %.4f", subj.ID, report.TotalRMS)
	return result
}

// fit opens one session, applies the configured settings, then each extra
// step, and returns the final report. With AcceptPartial the report read
// after an engine failure is returned alongside the error.
func (d *Driver) fit(ctx context.Context, model, data, prefix string, extra func(context.Context, *fit.Session) error) (fit.Report, bool, error) {
	engine, err := d.factory(model, data)
	if err != nil {
		return fit.Report{}, false, err
	}
	session, err := fit.NewSession(ctx, engine, prefix,
		fit.WithFileSystem(d.fs), fit.WithCentralGroup(d.cfg.Engine.CentralGroup))
	if err != nil {
		return fit.Report{}, false, err
	}
	defer session.Close()

	if loc := d.cfg.SettingsPath(); loc != "" {
		if _, err := session.LoadFitSettings(ctx, loc); err != nil {
			return d.partial(ctx, session, err)
		}
	}
	if extra != nil {
		if err := extra(ctx, session); err != nil {
			return d.partial(ctx, session, err)
		}
	}
	if err := session.Run(ctx); err != nil {
		return d.partial(ctx, session, err)
	}
	report, err := session.Report()
	return report, false, err
}

func (d *Driver) partial(ctx context.Context, session *fit.Session, err error) (fit.Report, bool, error) {
	var runErr *fit.EngineRunError
	if !d.cfg.AcceptPartial || !errors.As(err, &runErr) || runErr.LastGood < 0 {
		return fit.Report{}, false, err
	}
	report, rerr := session.CurrentReport(ctx)
	if rerr != nil {
		return fit.Report{}, false, err
	}
	return report, true, err
}

func dataStem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// SweepColumn names the table column for one sweep run.
func SweepColumn(dataPath string, p SweepParam) string {
	return fmt.Sprintf("%s_s%g_c%g", dataStem(dataPath), p.Strain, p.Curvature)
}

// Sweep fits each (model, data) input once, adding one fit step per
// parameter pair to the same session and recording the report after each.
// Inputs run in parallel; parameters within an input run in order.
func (d *Driver) Sweep(ctx context.Context, inputs []SweepInput, params []SweepParam) ([]SubjectResult, error) {
	log.Printf("batch %s: sweeping %d inputs over %d parameter pairs", d.runID, len(inputs), len(params))
	jobs := make([]job, len(inputs))
	for i, in := range inputs {
		jobs[i] = job{name: dataStem(in.Data), run: func(ctx context.Context) []SubjectResult {
			return d.sweepInput(ctx, in, params)
		}}
	}
	results := d.runJobs(ctx, jobs)
	return results, d.writeTable(ctx, results)
}

func (d *Driver) sweepInput(ctx context.Context, in SweepInput, params []SweepParam) []SubjectResult {
	stem := dataStem(in.Data)
	outDir := filepath.Join(d.cfg.Output.Dir, stem)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return []SubjectResult{d.failed(SubjectResult{Subject: stem}, &fit.OutputWriteError{Path: outDir, Err: err})}
	}

	var results []SubjectResult
	_, _, err := d.fit(ctx, in.Model, in.Data, filepath.Join(outDir, OutputStem), func(ctx context.Context, s *fit.Session) error {
		for _, p := range params {
			column := SweepColumn(in.Data, p)
			r := SubjectResult{Subject: column, DataPath: in.Data, OutputDir: outDir}
			err := s.AddFit(ctx, fit.FitParams{
				DataWeight:       p.Weight(),
				StrainPenalty:    p.Strain,
				CurvaturePenalty: p.Curvature,
				Iterations:       p.Iters(),
			})
			if err == nil {
				err = s.Run(ctx)
			}
			if err != nil {
				r.Report, r.Partial, _ = d.partial(ctx, s, err)
				results = append(results, d.failed(r, err))
				return err
			}
			r.Report, _ = s.Report()
			r.FinishedAt = time.Now()
			results = append(results, r)
			log.Printf("sweep %s: total RMS %.4f", column, r.Report.TotalRMS)
		}
		return nil
	})
	if err != nil && len(results) == 0 {
		results = append(results, d.failed(SubjectResult{Subject: stem, DataPath: in.Data}, err))
	}
	return results
}

func (d *Driver) writeTable(ctx context.Context, results []SubjectResult) error {
	update := NewTable()
	for _, r := range results {
		if r.OK() {
			update.SetReport(r.Subject, r.Report)
		}
	}
	if update.Len() == 0 {
		log.Printf("batch %s: no successful fits, RMS table unchanged", d.runID)
		return nil
	}
	location := d.cfg.CSVPath()
	if _, err := MergeIntoFile(ctx, d.fs, location, update); err != nil {
		return fmt.Errorf("updating RMS table: %w", err)
	}
	log.Printf("batch %s: wrote %d columns to %s", d.runID, update.Len(), location)
	return nil
}
