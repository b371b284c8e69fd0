package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"treeeval/internal/biometrics"
	"treeeval/internal/config"
	"treeeval/internal/fsutil"
)

var (
	// ErrNoResult means the importer finished without a single-tree result
	// (empty diagnostic output). The pairing is skipped.
	ErrNoResult = errors.New("importer reported no single-tree result")

	// ErrMalformedResult means the diagnostic output was not the expected
	// JSON object.
	ErrMalformedResult = errors.New("malformed importer result")
)

// ToolError reports an importer that could not be started, exited non-zero
// or was cancelled.
type ToolError struct {
	Tool     string
	Capture  string
	ExitCode int // -1 when the process never exited normally
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed on %s", e.Tool, e.Capture)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	msg += ": " + e.Err.Error()
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Importer runs the external point cloud importer.
type Importer struct {
	cfg       config.Importer
	outputDir string
	log       *slog.Logger
}

// NewImporter wraps the configured importer binary. Per-capture output
// folders are created under outputDir.
func NewImporter(cfg config.Importer, outputDir string, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{cfg: cfg, outputDir: outputDir, log: log}
}

func (im *Importer) Name() string { return im.cfg.Binary }

func (im *Importer) IsAvailable() bool { return commandExists(im.cfg.Binary) }

// OutputPath is the folder the importer writes the project for capture to.
func (im *Importer) OutputPath(capture string) string {
	return filepath.Join(im.outputDir, fsutil.Stem(capture))
}

// Args returns the command line for capture, excluding the binary.
func (im *Importer) Args(capture string, singleTree bool) []string {
	var args []string
	if im.cfg.Subcommand != "" {
		args = append(args, im.cfg.Subcommand)
	}
	args = append(args, capture, "-o="+im.OutputPath(capture))
	if singleTree && im.cfg.SingleTreeFlag != "" {
		args = append(args, im.cfg.SingleTreeFlag)
	}
	return append(args, im.cfg.ExtraArgs...)
}

// Measure runs the importer in single-tree mode and parses the JSON result it
// prints on stderr. Empty stderr yields ErrNoResult, unparsable stderr
// ErrMalformedResult; both still return the captured stdout. Process failures
// are *ToolError.
func (im *Importer) Measure(ctx context.Context, capture string) (biometrics.Measurement, error) {
	stdout, stderr, err := im.run(ctx, capture, true)
	m := biometrics.Measurement{Stdout: stdout}
	if err != nil {
		return m, err
	}

	payload := strings.TrimSpace(stderr)
	if payload == "" {
		return m, fmt.Errorf("%w: %s", ErrNoResult, capture)
	}

	set, err := ParseResult([]byte(payload))
	if err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrMalformedResult, capture, err)
	}
	m.Metrics = set
	m.Success = true
	return m, nil
}

// Import runs the importer in segmentation mode. The importer reports
// failures on stderr while still exiting zero, so any stderr output is an error.
func (im *Importer) Import(ctx context.Context, capture string) (ImportResult, error) {
	start := time.Now()
	stdout, stderr, err := im.run(ctx, capture, false)
	res := ImportResult{
		Capture:  capture,
		Output:   im.OutputPath(capture),
		Log:      stdout,
		Duration: time.Since(start),
	}
	if err != nil {
		return res, err
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		return res, &ToolError{Tool: im.cfg.Binary, Capture: capture, ExitCode: 0, Stderr: firstLine(msg), Err: errors.New("importer reported an error")}
	}
	return res, nil
}

// ImportResult describes one segmentation import.
type ImportResult struct {
	Capture  string
	Output   string
	Log      string
	Duration time.Duration
}

func (im *Importer) run(ctx context.Context, capture string, singleTree bool) (string, string, error) {
	if im.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(im.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	out := im.OutputPath(capture)
	if im.cfg.CleanOutput {
		// the importer refuses non-empty output folders
		if err := os.RemoveAll(out); err != nil {
			return "", "", fmt.Errorf("clean %s: %w", out, err)
		}
	}
	if err := os.MkdirAll(im.outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}

	args := im.Args(capture, singleTree)
	im.log.Debug("running importer", "tool", im.cfg.Binary, "args", args)

	cmd := exec.CommandContext(ctx, im.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		te := &ToolError{
			Tool:     im.cfg.Binary,
			Capture:  capture,
			ExitCode: -1,
			Stderr:   firstLine(strings.TrimSpace(stderr.String())),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			te.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			te.Err = ctxErr
		}
		return stdout.String(), stderr.String(), te
	}
	return stdout.String(), stderr.String(), nil
}

// ParseResult decodes the importer's single-tree JSON object. At least one of
// the biometric fields must be present.
func ParseResult(data []byte) (biometrics.MetricSet, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return biometrics.MetricSet{}, err
	}
	found := false
	for _, name := range biometrics.FieldNames {
		if _, ok := fields[name]; ok {
			found = true
			break
		}
	}
	if !found {
		return biometrics.MetricSet{}, errors.New("no biometric fields in result")
	}
	return biometrics.DecodeFields(fields, "", "")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
