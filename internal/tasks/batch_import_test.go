package tasks

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"treeeval/internal/biometrics"
)

type stubSegmentImporter struct {
	calls []string
	fail  map[string]bool
}

func (s *stubSegmentImporter) Import(ctx context.Context, capture string) (ImportResult, error) {
	s.calls = append(s.calls, filepath.Base(capture))
	if s.fail[filepath.Base(capture)] {
		return ImportResult{Capture: capture}, errors.New("Corrupt file")
	}
	return ImportResult{Capture: capture, Output: "out/" + filepath.Base(capture)}, nil
}

func batchFixture(t *testing.T) string {
	root := t.TempDir()
	touch(t, filepath.Join(root, "plots", "p1_ALS.laz"))
	touch(t, filepath.Join(root, "plots", "p1_ULS.laz"))
	touch(t, filepath.Join(root, "plots", "p1_photo.laz"))
	touch(t, filepath.Join(root, "single_trees", "t1", "t1_ALS.laz"))
	return root
}

func TestBatchImportSkipsPlotsAndUntaggedCaptures(t *testing.T) {
	root := batchFixture(t)
	stub := &stubSegmentImporter{}
	res, err := BatchImport(context.Background(), stub, BatchImportRequest{
		Root:      root,
		Ext:       ".laz",
		Exclude:   "single_trees",
		Platforms: biometrics.AllPlatforms,
	}, slog.Default())
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if strings.Join(stub.calls, ",") != "p1_ALS.laz,p1_ULS.laz" {
		t.Fatalf("unexpected imports %v", stub.calls)
	}
	if len(res.Imported) != 2 || res.Ignored != 1 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBatchImportCollectsFailures(t *testing.T) {
	root := batchFixture(t)
	stub := &stubSegmentImporter{fail: map[string]bool{"p1_ALS.laz": true}}
	req := BatchImportRequest{Root: root, Ext: ".laz", Exclude: "single_trees", Platforms: biometrics.AllPlatforms}

	res, err := BatchImport(context.Background(), stub, req, slog.Default())
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Failed) != 1 || len(res.Imported) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	stub = &stubSegmentImporter{fail: map[string]bool{"p1_ALS.laz": true}}
	req.StopOnError = true
	if _, err := BatchImport(context.Background(), stub, req, slog.Default()); err == nil {
		t.Fatalf("expected error with StopOnError")
	}
	if len(stub.calls) != 1 {
		t.Fatalf("expected the batch to stop after the first failure, got %v", stub.calls)
	}
}
