// Package groundtruth reads the field survey record of a plot.
//
// A plot directory holds one GeoJSON feature whose properties carry a list
// of measurement entries, one per survey source:
//
//	{"properties": {"measurements": [
//	    {"source": "FI", "DBH_cm": 30.0, "crown_base_height_m": "NA", ...},
//	    {"source": "TLS", ...}
//	]}}
//
// Only the first entry from the configured source is used.
package groundtruth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"treeeval/internal/biometrics"
	"treeeval/internal/config"
	"treeeval/internal/fsutil"
)

// ErrNoGroundTruth means the plot has no usable survey record. It is a normal
// outcome, not a failure.
var ErrNoGroundTruth = errors.New("no ground truth")

// Loader locates and normalizes survey records.
type Loader struct {
	Ext            string
	SourceTag      string
	MissingValue   string
	RangeSeparator string
}

// NewLoader builds a Loader from the evaluation settings.
func NewLoader(cfg config.Evaluation) *Loader {
	return &Loader{
		Ext:            cfg.GroundTruthExt,
		SourceTag:      cfg.SourceTag,
		MissingValue:   cfg.MissingValue,
		RangeSeparator: cfg.RangeSeparator,
	}
}

// Load reads the lexicographically first record in dir. It returns the
// normalized targets and the record path, or ErrNoGroundTruth.
func (l *Loader) Load(dir string) (biometrics.MetricSet, string, error) {
	path, err := fsutil.FirstWithExt(dir, l.Ext)
	if err != nil {
		return biometrics.MetricSet{}, "", fmt.Errorf("list %s: %w", dir, err)
	}
	if path == "" {
		return biometrics.MetricSet{}, "", fmt.Errorf("%w: no %s file in %s", ErrNoGroundTruth, l.Ext, dir)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return biometrics.MetricSet{}, path, err
	}
	set, err := l.Parse(data)
	if err != nil {
		return biometrics.MetricSet{}, path, fmt.Errorf("%s: %w", path, err)
	}
	return set, path, nil
}

type record struct {
	Properties struct {
		Measurements []map[string]json.RawMessage `json:"measurements"`
	} `json:"properties"`
}

// Parse extracts the targets from a survey record.
func (l *Loader) Parse(data []byte) (biometrics.MetricSet, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return biometrics.MetricSet{}, fmt.Errorf("decode survey record: %w", err)
	}

	for _, entry := range rec.Properties.Measurements {
		rawSource, ok := entry["source"]
		if !ok {
			continue
		}
		var source string
		if err := json.Unmarshal(rawSource, &source); err != nil || source != l.SourceTag {
			continue
		}
		set, err := biometrics.DecodeFields(entry, l.MissingValue, l.RangeSeparator)
		if err != nil {
			return biometrics.MetricSet{}, fmt.Errorf("source %s: %w", l.SourceTag, err)
		}
		return set, nil
	}
	return biometrics.MetricSet{}, fmt.Errorf("%w: no %q measurement", ErrNoGroundTruth, l.SourceTag)
}
