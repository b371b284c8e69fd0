package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/treeeval/config.json"
	configEnv         = "TREEEVAL_CONFIG"
)

// Config holds user-editable settings for the evaluation harness.
type Config struct {
	Evaluation Evaluation `json:"evaluation" yaml:"evaluation"`
	Tools      Tools      `json:"tools" yaml:"tools"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Server     Server     `json:"server" yaml:"server"`
}

// Evaluation describes the on-disk survey layout and the reconciliation rules.
type Evaluation struct {
	PlotMarker      string   `json:"plot_marker" yaml:"plot_marker"`           // substring identifying plot directories
	GroundTruthExt  string   `json:"ground_truth_ext" yaml:"ground_truth_ext"` // survey record extension
	CaptureExt      string   `json:"capture_ext" yaml:"capture_ext"`           // point cloud extension
	SourceTag       string   `json:"source_tag" yaml:"source_tag"`             // measurement source used as ground truth
	MissingValue    string   `json:"missing_value" yaml:"missing_value"`
	RangeSeparator  string   `json:"range_separator" yaml:"range_separator"`
	Platforms       []string `json:"platforms" yaml:"platforms"`
	MalformedPolicy string   `json:"malformed_policy" yaml:"malformed_policy"` // skip, fatal
}

// Tools configures the external programs.
type Tools struct {
	Importer Importer `json:"importer" yaml:"importer"`
}

// Importer configures the point cloud importer invocation.
type Importer struct {
	Binary         string   `json:"binary" yaml:"binary"`
	Subcommand     string   `json:"subcommand" yaml:"subcommand"`
	SingleTreeFlag string   `json:"single_tree_flag" yaml:"single_tree_flag"`
	VersionArgs    []string `json:"version_args" yaml:"version_args"`
	ExtraArgs      []string `json:"extra_args" yaml:"extra_args"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"` // 0 waits forever
	CleanOutput    bool     `json:"clean_output" yaml:"clean_output"`       // remove a capture's previous output first
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultRoot  string `json:"default_root" yaml:"default_root"`
	Report       string `json:"report" yaml:"report"`
	OutputDir    string `json:"output_dir" yaml:"output_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Server configures the history API.
type Server struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Path returns the config file location, honoring TREEEVAL_CONFIG.
func Path() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Evaluation.MalformedPolicy {
	case "skip", "fatal":
	default:
		return fmt.Errorf("evaluation.malformed_policy must be skip or fatal, got %q", c.Evaluation.MalformedPolicy)
	}
	if c.Tools.Importer.Binary == "" {
		return errors.New("tools.importer.binary is required")
	}
	if c.Tools.Importer.TimeoutSeconds < 0 {
		return errors.New("tools.importer.timeout_seconds must not be negative")
	}
	if !strings.HasPrefix(c.Evaluation.CaptureExt, ".") || !strings.HasPrefix(c.Evaluation.GroundTruthExt, ".") {
		return errors.New("evaluation extensions must start with a dot")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Evaluation: Evaluation{
			PlotMarker:      "single_trees",
			GroundTruthExt:  ".geojson",
			CaptureExt:      ".laz",
			SourceTag:       "FI",
			MissingValue:    "NA",
			RangeSeparator:  "-",
			Platforms:       []string{"ALS", "ULS", "TLS"},
			MalformedPolicy: "skip",
		},
		Tools: Tools{
			Importer: Importer{
				Binary:         "treee",
				Subcommand:     "importer",
				SingleTreeFlag: "--single-tree",
				VersionArgs:    []string{"--version"},
				CleanOutput:    true,
			},
		},
		Paths: Paths{
			DefaultRoot:  ".",
			Report:       "test.tsv",
			OutputDir:    filepath.Join(os.TempDir(), "treeeval", "single"),
			DatabasePath: filepath.Join(os.TempDir(), "treeeval.db"),
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Server: Server{
			Addr: "127.0.0.1:8089",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
