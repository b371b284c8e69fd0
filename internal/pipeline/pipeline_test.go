package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"treeeval/internal/biometrics"
	"treeeval/internal/config"
	"treeeval/internal/storage"
	"treeeval/internal/tasks"
)

const fiRecord = `{"type":"Feature","properties":{"measurements":[
 {"source":"FI","DBH_cm":30.0,"crown_base_height_m":"NA","height_m":18.5,"mean_crown_diameter_m":5.0},
 {"source":"TLS","DBH_cm":29.0}
]}}`

type stubMeasurer struct {
	results map[string]biometrics.Measurement
	errs    map[string]error
	calls   []string
}

func (s *stubMeasurer) Measure(ctx context.Context, capture string) (biometrics.Measurement, error) {
	name := filepath.Base(capture)
	s.calls = append(s.calls, name)
	if err, ok := s.errs[name]; ok {
		return s.results[name], err
	}
	return s.results[name], nil
}

type stubRecorder struct {
	runs     []storage.RunRecord
	statuses []string
	pairings []storage.PairingRecord
}

func (s *stubRecorder) RecordRunStart(rec storage.RunRecord) error {
	s.runs = append(s.runs, rec)
	return nil
}

func (s *stubRecorder) RecordRunResult(id, status string, written, skipped, failed int, errMsg string) error {
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *stubRecorder) RecordPairing(rec storage.PairingRecord) error {
	s.pairings = append(s.pairings, rec)
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func estimate() biometrics.Measurement {
	return biometrics.Measurement{
		Success: true,
		Metrics: biometrics.MetricSet{
			TrunkDiameterCm:  biometrics.Measured(28.7, "28.7"),
			CrownBaseHeightM: biometrics.Measured(2.1, "2.1"),
			HeightM:          biometrics.Measured(18, "18.0"),
			CrownDiameterM:   biometrics.Measured(4.8, "4.8"),
		},
	}
}

type fixture struct {
	root     string
	report   string
	console  *bytes.Buffer
	measurer *stubMeasurer
	store    *stubRecorder
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:     root,
		report:   filepath.Join(t.TempDir(), "test.tsv"),
		console:  &bytes.Buffer{},
		measurer: &stubMeasurer{results: map[string]biometrics.Measurement{}, errs: map[string]error{}},
		store:    &stubRecorder{},
	}
	f.runner = NewRunner(config.Default().Evaluation, f.measurer, f.store, f.console, slog.Default())
	return f
}

func (f *fixture) run(t *testing.T, opts Options) (Summary, error) {
	t.Helper()
	if opts.Root == "" {
		opts.Root = f.root
	}
	opts.ReportPath = f.report
	return f.runner.Run(context.Background(), opts)
}

func (f *fixture) reportText(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.report)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	return string(data)
}

func TestRunWritesALSRow(t *testing.T) {
	f := newFixture(t)
	plot := filepath.Join(f.root, "single_trees", "tree1")
	writeFile(t, filepath.Join(plot, "tree1.geojson"), fiRecord)
	writeFile(t, filepath.Join(plot, "tree1_ALS.laz"), "")
	writeFile(t, filepath.Join(plot, "tree1_photo.laz"), "")
	f.measurer.results["tree1_ALS.laz"] = estimate()

	sum, err := f.run(t, Options{RunID: "r1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := f.reportText(t), "30.0\t28.7\t\t\t\t\t\t\t18.5\t18.0\t\t\t5.0\t4.8\t\t\n"; got != want {
		t.Fatalf("report mismatch\nwant %q\ngot  %q", want, got)
	}
	capture := filepath.Join(plot, "tree1_ALS.laz")
	if got := f.console.String(); got != "1 "+capture+"\n" {
		t.Fatalf("unexpected console output %q", got)
	}
	if sum.Written != 1 || sum.Plots != 2 || sum.RunID != "r1" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if diff := cmp.Diff([]string{"tree1_ALS.laz"}, f.measurer.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if len(f.store.pairings) != 1 || f.store.pairings[0].Outcome != storage.OutcomeWritten {
		t.Fatalf("unexpected pairings %+v", f.store.pairings)
	}
	if f.store.pairings[0].Targets != [4]string{"30.0", "", "18.5", "5.0"} {
		t.Fatalf("unexpected recorded targets %v", f.store.pairings[0].Targets)
	}
	if diff := cmp.Diff([]string{storage.StatusCompleted}, f.store.statuses); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSkipsPlotWithoutGroundTruth(t *testing.T) {
	f := newFixture(t)
	plot := filepath.Join(f.root, "single_trees", "tree1")
	writeFile(t, filepath.Join(plot, "tree1_ALS.laz"), "")
	f.measurer.results["tree1_ALS.laz"] = estimate()

	sum, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.reportText(t) != "" || len(f.measurer.calls) != 0 {
		t.Fatalf("expected no rows and no importer calls")
	}
	if sum.NoGroundTruth != 2 { // the marker directory itself and tree1
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestRunIgnoresDirectoriesOutsideMarker(t *testing.T) {
	f := newFixture(t)
	plot := filepath.Join(f.root, "plots", "p1")
	writeFile(t, filepath.Join(plot, "p1.geojson"), fiRecord)
	writeFile(t, filepath.Join(plot, "p1_ALS.laz"), "")

	sum, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Plots != 0 || len(f.measurer.calls) != 0 {
		t.Fatalf("expected no plots, got %+v", sum)
	}
}

func TestRunEmptyResultPrintsStdoutAndContinues(t *testing.T) {
	f := newFixture(t)
	plot := filepath.Join(f.root, "single_trees", "tree1")
	writeFile(t, filepath.Join(plot, "tree1.geojson"), fiRecord)
	writeFile(t, filepath.Join(plot, "tree1_ALS.laz"), "")
	writeFile(t, filepath.Join(plot, "tree1_TLS.laz"), "")
	f.measurer.results["tree1_ALS.laz"] = biometrics.Measurement{Stdout: "segmenting...\n"}
	f.measurer.errs["tree1_ALS.laz"] = fmt.Errorf("%w: tree1_ALS.laz", tasks.ErrNoResult)
	f.measurer.results["tree1_TLS.laz"] = estimate()

	sum, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimRight(f.console.String(), "\n"), "\n")
	want := []string{"segmenting...", "1 " + filepath.Join(plot, "tree1_TLS.laz")}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("console mismatch (-want +got):\n%s", diff)
	}
	if sum.Written != 1 || sum.SkippedNoResult != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := strings.Count(f.reportText(t), "\n"); got != 1 {
		t.Fatalf("expected one row, got %d", got)
	}
}

func TestRunMalformedResultPolicy(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		plot := filepath.Join(f.root, "single_trees", "tree1")
		writeFile(t, filepath.Join(plot, "tree1.geojson"), fiRecord)
		writeFile(t, filepath.Join(plot, "tree1_ALS.laz"), "")
		writeFile(t, filepath.Join(plot, "tree1_ULS.laz"), "")
		f.measurer.errs["tree1_ALS.laz"] = fmt.Errorf("%w: tree1_ALS.laz", tasks.ErrMalformedResult)
		f.measurer.results["tree1_ULS.laz"] = estimate()
		return f
	}

	t.Run("skip", func(t *testing.T) {
		f := setup(t)
		sum, err := f.run(t, Options{Policy: PolicySkip})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if sum.SkippedMalformed != 1 || sum.Written != 1 {
			t.Fatalf("unexpected summary %+v", sum)
		}
	})

	t.Run("fatal", func(t *testing.T) {
		f := setup(t)
		sum, err := f.run(t, Options{Policy: PolicyFatal})
		if !errors.Is(err, tasks.ErrMalformedResult) {
			t.Fatalf("expected malformed error, got %v", err)
		}
		if sum.Written != 0 || len(f.measurer.calls) != 1 {
			t.Fatalf("run should stop at the malformed capture: %+v %v", sum, f.measurer.calls)
		}
		if diff := cmp.Diff([]string{storage.StatusFailed}, f.store.statuses); diff != "" {
			t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRunToolErrorIsFatalAndKeepsRows(t *testing.T) {
	f := newFixture(t)
	first := filepath.Join(f.root, "single_trees", "a")
	second := filepath.Join(f.root, "single_trees", "b")
	writeFile(t, filepath.Join(first, "a.geojson"), fiRecord)
	writeFile(t, filepath.Join(first, "a_ALS.laz"), "")
	writeFile(t, filepath.Join(second, "b.geojson"), fiRecord)
	writeFile(t, filepath.Join(second, "b_ALS.laz"), "")
	writeFile(t, filepath.Join(second, "b_ULS.laz"), "")
	f.measurer.results["a_ALS.laz"] = estimate()
	f.measurer.errs["b_ALS.laz"] = &tasks.ToolError{Tool: "treee", Capture: "b_ALS.laz", ExitCode: 1, Err: errors.New("exit status 1")}

	sum, err := f.run(t, Options{})
	var te *tasks.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if !strings.Contains(err.Error(), filepath.Join(second, "b_ALS.laz")) {
		t.Fatalf("error should name the capture: %v", err)
	}
	if sum.Written != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := strings.Count(f.reportText(t), "\n"); got != 1 {
		t.Fatalf("rows written before the failure must stay, got %d", got)
	}
}

func TestRunAppendsAcrossRuns(t *testing.T) {
	f := newFixture(t)
	plot := filepath.Join(f.root, "single_trees", "tree1")
	writeFile(t, filepath.Join(plot, "tree1.geojson"), fiRecord)
	writeFile(t, filepath.Join(plot, "tree1_TLS.laz"), "")
	f.measurer.results["tree1_TLS.laz"] = estimate()

	for i := 0; i < 2; i++ {
		if _, err := f.run(t, Options{}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := strings.Count(f.reportText(t), "\n"); got != 2 {
		t.Fatalf("expected two appended rows, got %d", got)
	}
	if _, err := f.run(t, Options{Truncate: true}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(f.reportText(t), "\n"); got != 1 {
		t.Fatalf("expected truncated report with one row, got %d", got)
	}
}

func TestRunRestrictedToPlotsAndPlatforms(t *testing.T) {
	f := newFixture(t)
	a := filepath.Join(f.root, "single_trees", "a")
	b := filepath.Join(f.root, "single_trees", "b")
	for _, plot := range []string{a, b} {
		name := filepath.Base(plot)
		writeFile(t, filepath.Join(plot, name+".geojson"), fiRecord)
		writeFile(t, filepath.Join(plot, name+"_ALS.laz"), "")
		writeFile(t, filepath.Join(plot, name+"_TLS.laz"), "")
	}

	_, err := f.run(t, Options{Plots: []string{b}, Platforms: []biometrics.Platform{biometrics.TLS}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"b_TLS.laz"}, f.measurer.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunBroadcastsEvents(t *testing.T) {
	f := newFixture(t)
	plot := filepath.Join(f.root, "single_trees", "tree1")
	writeFile(t, filepath.Join(plot, "tree1.geojson"), fiRecord)
	writeFile(t, filepath.Join(plot, "tree1_ALS.laz"), "")
	f.measurer.results["tree1_ALS.laz"] = estimate()

	events, unsub := f.runner.Subscribe()
	defer unsub()
	if _, err := f.run(t, Options{RunID: "r1"}); err != nil {
		t.Fatal(err)
	}

	var types []EventType
	for len(events) > 0 {
		ev := <-events
		types = append(types, ev.Type)
	}
	want := []EventType{EventRunStarted, EventPairing, EventRunCompleted}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.runner.running.Store(true)
	if _, err := f.run(t, Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]MalformedPolicy{"": PolicySkip, "skip": PolicySkip, "FATAL": PolicyFatal}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("ignore"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
