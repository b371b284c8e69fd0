package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListPlotDirs(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "site_a", "single_trees", "tree_02", "x.laz"))
	touch(t, filepath.Join(root, "site_a", "single_trees", "tree_01", "x.laz"))
	touch(t, filepath.Join(root, "site_a", "plots", "p1.laz"))

	dirs, err := ListPlotDirs(root, "single_trees")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{
		filepath.Join(root, "site_a", "single_trees"),
		filepath.Join(root, "site_a", "single_trees", "tree_01"),
		filepath.Join(root, "site_a", "single_trees", "tree_02"),
	}
	if diff := cmp.Diff(want, dirs); diff != "" {
		t.Fatalf("plot dirs mismatch (-want +got):\n%s", diff)
	}
}

func TestFilesWithExtSortedAndCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b_TLS.LAZ"))
	touch(t, filepath.Join(dir, "a_ALS.laz"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "nested", "c_ULS.laz"))

	files, err := FilesWithExt(dir, ".laz")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	want := []string{filepath.Join(dir, "a_ALS.laz"), filepath.Join(dir, "b_TLS.LAZ")}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	first, err := FirstWithExt(dir, ".txt")
	if err != nil || first != filepath.Join(dir, "notes.txt") {
		t.Fatalf("unexpected first %q %v", first, err)
	}
	none, err := FirstWithExt(dir, ".geojson")
	if err != nil || none != "" {
		t.Fatalf("expected no match, got %q %v", none, err)
	}
}

func TestWalkFilesWithExtExcludesMarker(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "plots", "p1_ALS.laz"))
	touch(t, filepath.Join(root, "single_trees", "t1", "t1_ALS.laz"))

	files, err := WalkFilesWithExt(root, ".laz", "single_trees")
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(root, "plots", "p1_ALS.laz")}, files); diff != "" {
		t.Fatalf("walk mismatch (-want +got):\n%s", diff)
	}
}

func TestStem(t *testing.T) {
	if got := Stem("/data/plot_7/tree_ULS.laz"); got != "tree_ULS" {
		t.Fatalf("stem = %q", got)
	}
}
