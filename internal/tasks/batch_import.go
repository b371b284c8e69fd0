package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"treeeval/internal/biometrics"
	"treeeval/internal/fsutil"
)

// SegmentImporter runs a full segmentation import of one capture.
type SegmentImporter interface {
	Import(ctx context.Context, capture string) (ImportResult, error)
}

// BatchImportRequest selects the captures of a batch import.
type BatchImportRequest struct {
	Root        string
	Ext         string
	Exclude     string // directories containing this substring are skipped (the single tree plots)
	Platforms   []biometrics.Platform
	StopOnError bool
}

// BatchFailure records a capture the importer rejected.
type BatchFailure struct {
	Capture string
	Err     error
}

// BatchImportResult summarizes a batch import.
type BatchImportResult struct {
	Imported []ImportResult
	Failed   []BatchFailure
	Ignored  int // captures without a requested platform tag
}

// BatchImport imports every matching capture under the root one at a time.
// Failures are collected unless StopOnError is set.
func BatchImport(ctx context.Context, imp SegmentImporter, req BatchImportRequest, log *slog.Logger) (BatchImportResult, error) {
	var res BatchImportResult

	files, err := fsutil.WalkFilesWithExt(req.Root, req.Ext, req.Exclude)
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", req.Root, err)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, ok := biometrics.DetectPlatform(filepath.Base(f), req.Platforms); !ok {
			res.Ignored++
			continue
		}

		out, err := imp.Import(ctx, f)
		if err != nil {
			if req.StopOnError {
				return res, err
			}
			log.Warn("import failed", "capture", f, "error", err)
			res.Failed = append(res.Failed, BatchFailure{Capture: f, Err: err})
			continue
		}
		log.Info("import completed", "capture", f, "output", out.Output, "duration", out.Duration.String())
		res.Imported = append(res.Imported, out)
	}
	return res, nil
}
