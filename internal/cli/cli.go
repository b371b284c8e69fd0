package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"treeeval/internal/biometrics"
	"treeeval/internal/config"
	"treeeval/internal/pipeline"
	"treeeval/internal/server"
	"treeeval/internal/storage"
	"treeeval/internal/tasks"
)

// evaluator runs evaluations. *pipeline.Runner satisfies it.
type evaluator interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
	Running() bool
	Subscribe() (<-chan pipeline.Event, func())
}

type evaluatorFactory func(cfg *config.Config, console io.Writer) evaluator

type segmentImporterFactory func(cfg *config.Config) tasks.SegmentImporter

type toolManager interface {
	GetToolStatus(ctx context.Context) map[string]tasks.ToolStatus
}

type toolManagerFactory func(*config.Config) toolManager

type serverFunc func(ctx context.Context, cfg *config.Config, history server.History, ev evaluator, log *slog.Logger) error

type watchFunc func(ctx context.Context, plots []string, exts []string, debounce time.Duration, log *slog.Logger) (<-chan []string, func(), error)

// Root wires CLI commands to the evaluation runner and the run store.
type Root struct {
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	evalFactory evaluatorFactory
	importerFac segmentImporterFactory
	toolFactory toolManagerFactory
	serveFn     serverFunc
	watchFn     watchFunc
}

// NewRoot constructs the CLI root. store may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: defaultServe,
		watchFn: defaultWatch,
	}
	r.evalFactory = func(cfg *config.Config, console io.Writer) evaluator {
		imp := tasks.NewImporter(cfg.Tools.Importer, cfg.Paths.OutputDir, r.log)
		return pipeline.NewRunner(cfg.Evaluation, imp, r.store, console, r.log)
	}
	r.importerFac = func(cfg *config.Config) tasks.SegmentImporter {
		return tasks.NewImporter(cfg.Tools.Importer, cfg.Paths.OutputDir, r.log)
	}
	return r
}

func (r *Root) newEvaluator(cfg *config.Config, console io.Writer) evaluator {
	return r.evalFactory(cfg, console)
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

// history returns the store as a server.History, or nil when none is open.
func (r *Root) history() server.History {
	if r.store == nil {
		return nil
	}
	return r.store
}

func defaultServe(ctx context.Context, cfg *config.Config, history server.History, ev evaluator, log *slog.Logger) error {
	srv := server.NewServer(cfg.Server.Addr, history, ev, server.Defaults{
		Root:       cfg.Paths.DefaultRoot,
		ReportPath: cfg.Paths.Report,
	}, log)
	return srv.Start(ctx)
}

func defaultWatch(ctx context.Context, plots []string, exts []string, debounce time.Duration, log *slog.Logger) (<-chan []string, func(), error) {
	w, err := tasks.NewPlotWatcher(plots, exts, debounce, log)
	if err != nil {
		return nil, nil, err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return nil, nil, err
	}
	return w.Changes, func() { w.Stop() }, nil
}

// runOverrides are the per-invocation settings shared by evaluate, import and watch.
type runOverrides struct {
	output    string
	platforms []string
	strict    bool
	timeout   time.Duration
	tool      string
}

// apply returns a copy of the configuration with the overrides applied.
func (o runOverrides) apply(base *config.Config) (*config.Config, []biometrics.Platform, error) {
	cfg := *base
	cfg.Tools.Importer.ExtraArgs = append([]string(nil), base.Tools.Importer.ExtraArgs...)
	if o.output != "" {
		cfg.Paths.OutputDir = o.output
	}
	if o.tool != "" {
		cfg.Tools.Importer.Binary = o.tool
	}
	if o.timeout > 0 {
		cfg.Tools.Importer.TimeoutSeconds = int((o.timeout + time.Second - 1) / time.Second)
	}
	if o.strict {
		cfg.Evaluation.MalformedPolicy = string(pipeline.PolicyFatal)
	}
	tags := o.platforms
	if len(tags) == 0 {
		tags = base.Evaluation.Platforms
	}
	platforms, err := biometrics.ParsePlatforms(tags)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, platforms, nil
}

func printSummary(w io.Writer, s pipeline.Summary) {
	if s.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run %s: %d written, %d skipped (%d no result, %d malformed), %d plots without ground truth, %s\n",
		s.RunID, s.Written, s.Skipped(), s.SkippedNoResult, s.SkippedMalformed, s.NoGroundTruth, s.Duration.Round(time.Millisecond))
}
