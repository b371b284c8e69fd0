package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"text/tabwriter"
	"time"

	"treeeval/internal/config"
	"treeeval/internal/fsutil"
	"treeeval/internal/logging"
	"treeeval/internal/pipeline"
	"treeeval/internal/storage"
	"treeeval/internal/tasks"

	"github.com/spf13/cobra"
)

// Version is the release string printed by the version command.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "treeeval",
		Short: "treeeval compares single tree measurements against field surveys",
		Long: `treeeval runs the point cloud importer on every single tree capture, compares
its biometric estimates with the field inventory recorded next to the capture,
and appends one tab separated row per capture to a report.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newEvaluateCmd(root))
	rootCmd.AddCommand(newImportCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func addRunFlags(cmd *cobra.Command, o *runOverrides) {
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "importer output directory (default from config)")
	cmd.Flags().StringSliceVar(&o.platforms, "platform", nil, "platforms to evaluate (ALS|ULS|TLS), repeatable; default from config")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "per capture importer timeout, 0 waits forever")
	cmd.Flags().StringVar(&o.tool, "tool", "", "importer binary (default from config)")
}

func newEvaluateCmd(root *Root) *cobra.Command {
	var (
		o          runOverrides
		reportPath string
		truncate   bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate [root]",
		Short: "Evaluate every single tree plot under root",
		Long: `Walk root for plot directories (paths containing the plot marker, "single_trees"
by default), run the importer on each tagged capture, and append one row per
measured capture to the report. Progress lines "<count> <capture>" go to stdout.

Examples:
  treeeval evaluate /data/survey -r test.tsv
  treeeval evaluate /data/survey --platform TLS --strict --timeout 10m`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.DefaultRoot
			if len(args) > 0 {
				dir = args[0]
			}
			cfg, platforms, err := o.apply(root.cfg)
			if err != nil {
				return err
			}
			policy, err := pipeline.ParsePolicy(cfg.Evaluation.MalformedPolicy)
			if err != nil {
				return err
			}

			ev := root.newEvaluator(cfg, cmd.OutOrStdout())
			sum, err := ev.Run(cmd.Context(), pipeline.Options{
				Root:       dir,
				ReportPath: reportPath,
				Truncate:   truncate,
				Platforms:  platforms,
				Policy:     policy,
			})
			printSummary(cmd.ErrOrStderr(), sum)
			return err
		},
	}

	addRunFlags(cmd, &o)
	cmd.Flags().BoolVar(&o.strict, "strict", false, "treat malformed importer output as fatal")
	cmd.Flags().StringVarP(&reportPath, "report", "r", root.cfg.Paths.Report, "report file, appended to")
	cmd.Flags().BoolVar(&truncate, "truncate", false, "start a fresh report instead of appending")

	return cmd
}

func newImportCmd(root *Root) *cobra.Command {
	var o runOverrides

	cmd := &cobra.Command{
		Use:   "import [root]",
		Short: "Run a full segmentation import of every plot capture",
		Long: `Run the importer without the single tree flag on every tagged capture under root
that is not inside a single tree plot directory. Failures are reported and the
batch continues unless --strict is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.DefaultRoot
			if len(args) > 0 {
				dir = args[0]
			}
			cfg, platforms, err := o.apply(root.cfg)
			if err != nil {
				return err
			}

			res, err := tasks.BatchImport(cmd.Context(), root.importerFac(cfg), tasks.BatchImportRequest{
				Root:        dir,
				Ext:         cfg.Evaluation.CaptureExt,
				Exclude:     cfg.Evaluation.PlotMarker,
				Platforms:   platforms,
				StopOnError: o.strict,
			}, root.log)

			out := cmd.OutOrStdout()
			for _, imp := range res.Imported {
				fmt.Fprintf(out, "imported %s -> %s (%s)\n", imp.Capture, imp.Output, imp.Duration.Round(time.Millisecond))
			}
			for _, f := range res.Failed {
				fmt.Fprintf(out, "failed   %s: %v\n", f.Capture, f.Err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d imported, %d failed, %d untagged captures ignored\n", len(res.Imported), len(res.Failed), res.Ignored)
			if err != nil {
				return err
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d of %d imports failed", len(res.Failed), len(res.Failed)+len(res.Imported))
			}
			return nil
		},
	}

	addRunFlags(cmd, &o)
	cmd.Flags().BoolVar(&o.strict, "strict", false, "stop at the first failed import")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded evaluation runs, or the pairings of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run history is not available (no database)")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 0 {
				runs, err := root.store.RecentRuns(limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tWRITTEN\tSKIPPED\tFAILED\tROOT")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", r.ID, r.StartedAt.Format(time.DateTime), r.Status, r.Written, r.Skipped, r.Failed, r.Root)
				}
				return nil
			}

			run, err := root.store.Run(args[0])
			if err != nil {
				return err
			}
			pairings, err := root.store.Pairings(run.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "run %s (%s) report %s\n", run.ID, run.Status, run.ReportPath)
			if run.Error != "" {
				fmt.Fprintf(tw, "error: %s\n", run.Error)
			}
			fmt.Fprintln(tw, "PLATFORM\tOUTCOME\tCAPTURE\tDETAIL")
			for _, p := range pairings {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Platform, p.Outcome, p.Capture, p.Detail)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API over run history with a live progress stream",
		Long: `Start an HTTP server exposing recorded runs and their pairings, accepting
evaluation requests, and streaming progress events.

Endpoints:
  GET  /healthz
  GET  /runs, /runs/{id}, /runs/{id}/pairings
  POST /runs
  GET  /stream (server-sent events), /ws (websocket)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *root.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			root.log.Info("starting server", "addr", cfg.Server.Addr, "history", root.store != nil)

			ev := root.newEvaluator(&cfg, cmd.OutOrStdout())
			return root.serveFn(cmd.Context(), &cfg, root.history(), ev, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), default from config")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		o          runOverrides
		reportPath string
		debounce   time.Duration
		initial    bool
	)

	cmd := &cobra.Command{
		Use:   "watch [root]",
		Short: "Re-evaluate plots whose captures or survey records change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.DefaultRoot
			if len(args) > 0 {
				dir = args[0]
			}
			cfg, platforms, err := o.apply(root.cfg)
			if err != nil {
				return err
			}
			policy, err := pipeline.ParsePolicy(cfg.Evaluation.MalformedPolicy)
			if err != nil {
				return err
			}
			plots, err := fsutil.ListPlotDirs(dir, cfg.Evaluation.PlotMarker)
			if err != nil {
				return fmt.Errorf("walk %s: %w", dir, err)
			}
			if len(plots) == 0 {
				return fmt.Errorf("no plot directories under %s", dir)
			}

			ctx := cmd.Context()
			ev := root.newEvaluator(cfg, cmd.OutOrStdout())
			opts := pipeline.Options{Root: dir, ReportPath: reportPath, Platforms: platforms, Policy: policy}
			if initial {
				sum, err := ev.Run(ctx, opts)
				printSummary(cmd.ErrOrStderr(), sum)
				if err != nil {
					return err
				}
			}

			exts := []string{cfg.Evaluation.CaptureExt, cfg.Evaluation.GroundTruthExt}
			changes, stop, err := root.watchFn(ctx, plots, exts, debounce, root.log)
			if err != nil {
				return err
			}
			defer stop()
			root.log.Info("watching plots", "root", dir, "plots", len(plots))
			return root.watchLoop(ctx, cmd, ev, changes, opts)
		},
	}

	addRunFlags(cmd, &o)
	cmd.Flags().BoolVar(&o.strict, "strict", false, "treat malformed importer output as fatal")
	cmd.Flags().StringVarP(&reportPath, "report", "r", root.cfg.Paths.Report, "report file, appended to")
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "quiet period before a changed plot is evaluated")
	cmd.Flags().BoolVar(&initial, "initial", false, "evaluate every plot once before watching")
	return cmd
}

// watchLoop evaluates each batch of changed plots until ctx ends or the
// watcher closes. A failed run is logged and watching continues.
func (r *Root) watchLoop(ctx context.Context, cmd *cobra.Command, ev evaluator, changes <-chan []string, opts pipeline.Options) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case plots, ok := <-changes:
			if !ok {
				return nil
			}
			run := opts
			run.Plots = plots
			sum, err := ev.Run(ctx, run)
			if err != nil {
				r.log.Error("re-evaluation failed", "plots", plots, "error", err)
				continue
			}
			printSummary(cmd.ErrOrStderr(), sum)
		}
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show external tool availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := root.newToolManager().GetToolStatus(cmd.Context())
			roles := make([]string, 0, len(status))
			for role := range status {
				roles = append(roles, role)
			}
			sort.Strings(roles)

			out := cmd.OutOrStdout()
			missing := 0
			for _, role := range roles {
				st := status[role]
				logging.LogToolStatus(root.log, role, st.Available, st.Version, st.Path, st.Error)
				state := "NOT AVAILABLE"
				if st.Available {
					state = "available"
				} else {
					missing++
				}
				fmt.Fprintf(out, "%-10s %s", role, state)
				if st.Available && st.Version != "" {
					fmt.Fprintf(out, " (%s)", st.Version)
				}
				if verbose {
					if st.Path != "" {
						fmt.Fprintf(out, " [%s]", st.Path)
					}
					if st.Error != nil {
						fmt.Fprintf(out, " - %v", st.Error)
					}
				}
				fmt.Fprintln(out)
			}
			if missing > 0 {
				return fmt.Errorf("%d tool(s) missing", missing)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show tool paths and errors")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("treeeval v%s (%s)\n", Version, runtime.Version())
		},
	}
}
