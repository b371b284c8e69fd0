package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Evaluation.PlotMarker != "single_trees" || cfg.Evaluation.SourceTag != "FI" {
		t.Fatalf("unexpected defaults: %+v", cfg.Evaluation)
	}
	if cfg.Tools.Importer.Binary != "treee" || cfg.Tools.Importer.SingleTreeFlag != "--single-tree" {
		t.Fatalf("unexpected importer defaults: %+v", cfg.Tools.Importer)
	}
}

func TestLoadFileJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"evaluation":{"malformed_policy":"fatal","platforms":["ULS"]},"tools":{"importer":{"binary":"/opt/treee","timeout_seconds":30}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Evaluation.MalformedPolicy != "fatal" {
		t.Fatalf("expected fatal policy, got %q", cfg.Evaluation.MalformedPolicy)
	}
	if len(cfg.Evaluation.Platforms) != 1 || cfg.Evaluation.Platforms[0] != "ULS" {
		t.Fatalf("unexpected platforms %v", cfg.Evaluation.Platforms)
	}
	if cfg.Tools.Importer.Binary != "/opt/treee" || cfg.Tools.Importer.TimeoutSeconds != 30 {
		t.Fatalf("unexpected importer %+v", cfg.Tools.Importer)
	}
	// untouched fields keep their defaults
	if cfg.Evaluation.CaptureExt != ".laz" {
		t.Fatalf("expected default capture ext, got %q", cfg.Evaluation.CaptureExt)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "paths:\n  report: /data/eval.tsv\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.Report != "/data/eval.tsv" || cfg.Logging.Level != "debug" {
		t.Fatalf("yaml not applied: %+v %+v", cfg.Paths, cfg.Logging)
	}
}

func TestLoadFileRejectsInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"evaluation":{"malformed_policy":"retry"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestPathHonorsEnv(t *testing.T) {
	t.Setenv(configEnv, "/etc/treeeval.yaml")
	if Path() != "/etc/treeeval.yaml" {
		t.Fatalf("unexpected path %q", Path())
	}
}
