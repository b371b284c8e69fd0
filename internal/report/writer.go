package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"treeeval/internal/biometrics"
)

// Row is one (plot, capture) comparison.
type Row struct {
	Platform biometrics.Platform
	Pairs    [4]Pair
}

// Padding returns the tabs placed before and after each estimate so that each
// platform's estimates land in their own column band. Unknown platforms share
// the TLS band.
func Padding(p biometrics.Platform) (before, after string) {
	switch p {
	case biometrics.ALS:
		return "", "\t\t"
	case biometrics.ULS:
		return "\t", "\t"
	default:
		return "\t\t", ""
	}
}

// Format renders the row, newline terminated. Output depends only on the row.
func Format(row Row) string {
	before, after := Padding(row.Platform)
	var b strings.Builder
	for i, p := range row.Pairs {
		if i > 0 {
			b.WriteByte('\t')
		}
		b.WriteString(p.Target)
		b.WriteByte('\t')
		b.WriteString(before)
		b.WriteString(p.Estimate)
		b.WriteString(after)
	}
	b.WriteByte('\n')
	return b.String()
}

// Writer appends rows to a report. It never rewrites earlier rows.
type Writer struct {
	w      io.Writer
	closer io.Closer
	path   string
	rows   int
}

// NewWriter appends rows to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// OpenWriter opens the report at path for appending, creating it and its
// directory if needed. truncate starts the report afresh.
func OpenWriter(path string, truncate bool) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create report dir: %w", err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	return &Writer{w: f, closer: f, path: path}, nil
}

// Append writes one row.
func (w *Writer) Append(row Row) error {
	if _, err := io.WriteString(w.w, Format(row)); err != nil {
		return fmt.Errorf("append report row: %w", err)
	}
	w.rows++
	return nil
}

// Rows returns the number of rows appended through this writer.
func (w *Writer) Rows() int { return w.rows }

// Path returns the report file, or "" for a writer over an arbitrary io.Writer.
func (w *Writer) Path() string { return w.path }

// Close releases the report file.
func (w *Writer) Close() error {
	if w == nil || w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}
