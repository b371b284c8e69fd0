package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"treeeval/internal/biometrics"
	"treeeval/internal/config"
	"treeeval/internal/fsutil"
	"treeeval/internal/groundtruth"
	"treeeval/internal/logging"
	"treeeval/internal/report"
	"treeeval/internal/storage"
	"treeeval/internal/tasks"
)

// ErrBusy is returned when a run is started while another is in progress.
var ErrBusy = errors.New("an evaluation is already running")

// MalformedPolicy decides what a malformed importer result does to the run.
type MalformedPolicy string

const (
	PolicySkip  MalformedPolicy = "skip"
	PolicyFatal MalformedPolicy = "fatal"
)

// ParsePolicy validates a policy name. Empty means PolicySkip.
func ParsePolicy(s string) (MalformedPolicy, error) {
	switch MalformedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyFatal:
		return PolicyFatal, nil
	default:
		return "", fmt.Errorf("unknown malformed policy %q", s)
	}
}

// GroundTruthLoader reads a plot's targets.
type GroundTruthLoader interface {
	Load(dir string) (biometrics.MetricSet, string, error)
}

// CaptureSelector lists a plot's captures for the requested platforms.
type CaptureSelector interface {
	Select(dir string, platforms []biometrics.Platform) ([]tasks.Capture, error)
}

// Measurer runs the external tool on one capture.
type Measurer interface {
	Measure(ctx context.Context, capture string) (biometrics.Measurement, error)
}

// Recorder persists run history. *storage.Store satisfies it, nil included.
type Recorder interface {
	RecordRunStart(rec storage.RunRecord) error
	RecordRunResult(id, status string, written, skipped, failed int, errMsg string) error
	RecordPairing(rec storage.PairingRecord) error
}

// Options configures one evaluation run.
type Options struct {
	RunID      string // generated when empty
	Root       string
	ReportPath string
	Truncate   bool
	Platforms  []biometrics.Platform // defaults to the configured platforms
	Policy     MalformedPolicy       // defaults to the configured policy
	Plots      []string              // restrict the run to these plot directories
}

// Summary counts what a run did.
type Summary struct {
	RunID            string        `json:"run_id"`
	Plots            int           `json:"plots"`
	Written          int           `json:"written"`
	NoGroundTruth    int           `json:"no_ground_truth"`
	SkippedNoResult  int           `json:"skipped_no_result"`
	SkippedMalformed int           `json:"skipped_malformed"`
	Failed           int           `json:"failed"`
	Duration         time.Duration `json:"duration"`
}

// Skipped is the number of pairings that produced no row.
func (s Summary) Skipped() int { return s.SkippedNoResult + s.SkippedMalformed }

// EventType names a progress event.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventPairing      EventType = "pairing"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// Event is broadcast to subscribers while a run progresses.
type Event struct {
	Type     EventType `json:"type"`
	RunID    string    `json:"run_id"`
	Plot     string    `json:"plot,omitempty"`
	Capture  string    `json:"capture,omitempty"`
	Platform string    `json:"platform,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Count    int       `json:"count,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Summary  *Summary  `json:"summary,omitempty"`
	Time     time.Time `json:"time"`
}

// Runner walks plot directories and appends one report row per successfully
// measured capture. Runs are sequential; one importer invocation at a time.
type Runner struct {
	eval     config.Evaluation
	loader   GroundTruthLoader
	selector CaptureSelector
	measurer Measurer
	store    Recorder
	console  io.Writer
	log      *slog.Logger

	running   atomic.Bool
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// NewRunner wires the ground-truth loader and capture selector for eval.
// Progress lines go to console; store may be nil.
func NewRunner(eval config.Evaluation, measurer Measurer, store Recorder, console io.Writer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if console == nil {
		console = io.Discard
	}
	if store == nil {
		store = (*storage.Store)(nil)
	}
	return &Runner{
		eval:     eval,
		loader:   groundtruth.NewLoader(eval),
		selector: tasks.NewCaptureSelector(eval.CaptureExt),
		measurer: measurer,
		store:    store,
		console:  console,
		log:      logger,
		subs:     make(map[int]chan Event),
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// run is the state of one evaluation. It owns the report sink.
type run struct {
	id      string
	opts    Options
	report  *report.Writer
	summary Summary
}

// Run evaluates every plot directory under opts.Root (or opts.Plots) and
// returns what it did. Rows written before a fatal error stay in the report.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Summary{}, ErrBusy
	}
	defer r.running.Store(false)

	opts, err := r.withDefaults(opts)
	if err != nil {
		return Summary{}, err
	}

	plots := opts.Plots
	if len(plots) == 0 {
		plots, err = fsutil.ListPlotDirs(opts.Root, r.eval.PlotMarker)
		if err != nil {
			return Summary{}, fmt.Errorf("walk %s: %w", opts.Root, err)
		}
	}

	w, err := report.OpenWriter(opts.ReportPath, opts.Truncate)
	if err != nil {
		return Summary{}, err
	}
	defer w.Close()

	rc := &run{id: opts.RunID, opts: opts, report: w, summary: Summary{RunID: opts.RunID}}
	start := time.Now()
	platforms := biometrics.JoinPlatforms(opts.Platforms)
	r.record(r.store.RecordRunStart(storage.RunRecord{
		ID:         rc.id,
		Root:       opts.Root,
		ReportPath: opts.ReportPath,
		Platforms:  platforms,
		StartedAt:  start,
	}))
	logging.LogRunStart(r.log, rc.id, opts.Root, opts.ReportPath, platforms)
	r.broadcast(Event{Type: EventRunStarted, RunID: rc.id, Detail: opts.Root})

	err = r.evaluate(ctx, rc, plots)
	if cerr := w.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close report: %w", cerr)
	}
	rc.summary.Duration = time.Since(start)
	summary := rc.summary

	if err != nil {
		logging.LogRunError(r.log, rc.id, summary.Duration, err)
		r.record(r.store.RecordRunResult(rc.id, storage.StatusFailed, summary.Written, summary.Skipped(), summary.Failed, err.Error()))
		r.broadcast(Event{Type: EventRunFailed, RunID: rc.id, Detail: err.Error(), Summary: &summary})
		return summary, err
	}
	logging.LogRunComplete(r.log, rc.id, summary.Duration, summary.Written, summary.Skipped(), summary.SkippedMalformed)
	r.record(r.store.RecordRunResult(rc.id, storage.StatusCompleted, summary.Written, summary.Skipped(), summary.Failed, ""))
	r.broadcast(Event{Type: EventRunCompleted, RunID: rc.id, Summary: &summary})
	return summary, nil
}

func (r *Runner) withDefaults(opts Options) (Options, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.ReportPath == "" {
		return opts, errors.New("no report path")
	}
	if opts.Root == "" && len(opts.Plots) == 0 {
		return opts, errors.New("no root directory")
	}
	if len(opts.Platforms) == 0 {
		ps, err := biometrics.ParsePlatforms(r.eval.Platforms)
		if err != nil {
			return opts, err
		}
		opts.Platforms = ps
	}
	if opts.Policy == "" {
		p, err := ParsePolicy(r.eval.MalformedPolicy)
		if err != nil {
			return opts, err
		}
		opts.Policy = p
	}
	return opts, nil
}

func (r *Runner) evaluate(ctx context.Context, rc *run, plots []string) error {
	for _, plot := range plots {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.summary.Plots++
		if err := r.evaluatePlot(ctx, rc, plot); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) evaluatePlot(ctx context.Context, rc *run, plot string) error {
	targets, _, err := r.loader.Load(plot)
	switch {
	case errors.Is(err, groundtruth.ErrNoGroundTruth):
		rc.summary.NoGroundTruth++
		logging.LogPairingSkipped(r.log, plot, "", err.Error())
		return nil
	case err != nil:
		if rc.opts.Policy == PolicyFatal {
			return fmt.Errorf("ground truth: %w", err)
		}
		rc.summary.NoGroundTruth++
		r.log.Warn("unreadable ground truth, plot skipped", "plot", plot, "error", err)
		return nil
	}

	captures, err := r.selector.Select(plot, rc.opts.Platforms)
	if err != nil {
		return fmt.Errorf("select captures in %s: %w", plot, err)
	}
	if len(captures) == 0 {
		logging.LogPairingSkipped(r.log, plot, "", "no matching captures")
	}
	for _, c := range captures {
		if err := r.evaluateCapture(ctx, rc, plot, targets, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) evaluateCapture(ctx context.Context, rc *run, plot string, targets biometrics.MetricSet, c tasks.Capture) error {
	start := time.Now()
	logging.LogPairingStart(r.log, plot, c.Path, string(c.Platform))
	rec := storage.PairingRecord{RunID: rc.id, PlotDir: plot, Capture: c.Path, Platform: string(c.Platform)}

	m, err := r.measurer.Measure(ctx, c.Path)
	switch {
	case errors.Is(err, tasks.ErrNoResult):
		if out := strings.TrimRight(m.Stdout, "\n"); out != "" {
			fmt.Fprintln(r.console, out)
		}
		rc.summary.SkippedNoResult++
		logging.LogPairingSkipped(r.log, plot, c.Path, "no result")
		r.finishPairing(rec, storage.OutcomeSkippedNoResult, err.Error())
		return nil
	case errors.Is(err, tasks.ErrMalformedResult):
		if rc.opts.Policy == PolicyFatal {
			rc.summary.Failed++
			r.finishPairing(rec, storage.OutcomeFailed, err.Error())
			return err
		}
		rc.summary.SkippedMalformed++
		r.log.Warn("malformed importer result, pairing skipped", "plot", plot, "capture", c.Path, "error", err)
		r.finishPairing(rec, storage.OutcomeSkippedMalformed, err.Error())
		return nil
	case err != nil:
		rc.summary.Failed++
		r.finishPairing(rec, storage.OutcomeFailed, err.Error())
		return fmt.Errorf("measure %s: %w", c.Path, err)
	}

	pairs := report.Reconcile(targets, m)
	if err := rc.report.Append(report.Row{Platform: c.Platform, Pairs: pairs}); err != nil {
		return err
	}
	rc.summary.Written++
	fmt.Fprintf(r.console, "%d %s\n", rc.summary.Written, c.Path)
	logging.LogPairingWritten(r.log, rc.summary.Written, c.Path, string(c.Platform), time.Since(start))

	for i, p := range pairs {
		rec.Targets[i] = p.Target
		rec.Estimates[i] = p.Estimate
	}
	rec.Outcome = storage.OutcomeWritten
	r.record(r.store.RecordPairing(rec))
	r.broadcast(Event{Type: EventPairing, RunID: rc.id, Plot: plot, Capture: c.Path, Platform: rec.Platform, Outcome: rec.Outcome, Count: rc.summary.Written})
	return nil
}

func (r *Runner) finishPairing(rec storage.PairingRecord, outcome, detail string) {
	rec.Outcome = outcome
	rec.Detail = detail
	r.record(r.store.RecordPairing(rec))
	r.broadcast(Event{Type: EventPairing, RunID: rec.RunID, Plot: rec.PlotDir, Capture: rec.Capture, Platform: rec.Platform, Outcome: outcome, Detail: detail})
}

// history is best effort; a failing store never stops a run
func (r *Runner) record(err error) {
	if err != nil {
		r.log.Warn("run history not recorded", "error", err)
	}
}

// Subscribe returns a channel for receiving progress events and an unsubscribe function.
func (r *Runner) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Event, 32)
	r.subs[id] = ch
	unsub := func() {
		r.mu.Lock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
		r.mu.Unlock()
	}
	return ch, unsub
}

// Close releases all subscribers.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}

func (r *Runner) broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Warn("event channel full", "subscriber", id, "run", ev.RunID)
		}
	}
}
