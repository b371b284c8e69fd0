// Package biometrics holds the tree measurement types shared by the ground
// truth loader, the importer invoker and the report.
package biometrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field names used by both the survey records and the importer output.
const (
	FieldTrunkDiameter  = "DBH_cm"
	FieldCrownBase      = "crown_base_height_m"
	FieldHeight         = "height_m"
	FieldCrownDiameter  = "mean_crown_diameter_m"
	DefaultMissingValue = "NA"
)

// FieldNames lists the metric fields in report order.
var FieldNames = [4]string{FieldTrunkDiameter, FieldCrownBase, FieldHeight, FieldCrownDiameter}

// Metric is a single measurement that is either present or absent.
// Absent is not the same as zero.
type Metric struct {
	value   float64
	text    string
	present bool
}

// Measured returns a present metric. text is the literal form the value was
// read from and is what the report prints.
func Measured(value float64, text string) Metric {
	if text == "" {
		text = strconv.FormatFloat(value, 'f', -1, 64)
	}
	return Metric{value: value, text: text, present: true}
}

// Missing returns an absent metric.
func Missing() Metric { return Metric{} }

// IsPresent reports whether the metric carries a value.
func (m Metric) IsPresent() bool { return m.present }

// Value returns the numeric value and whether it is present.
func (m Metric) Value() (float64, bool) { return m.value, m.present }

// Text returns the literal text of the value, or "" when absent.
func (m Metric) Text() string {
	if !m.present {
		return ""
	}
	return m.text
}

func (m Metric) String() string {
	if !m.present {
		return "<absent>"
	}
	return m.text
}

// DecodeRules controls which raw values collapse to absent.
type DecodeRules struct {
	// MissingValue is the sentinel string for "not available".
	MissingValue string
	// RangeSeparator marks a range or placeholder token; any string containing
	// it is absent. Empty disables the check.
	RangeSeparator string
}

// Decode converts a raw JSON value into a Metric. Missing fields, null and
// sentinel strings are absent. Numbers keep their literal JSON text.
func Decode(raw json.RawMessage, rules DecodeRules) (Metric, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Missing(), nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Missing(), fmt.Errorf("decode metric string: %w", err)
		}
		return decodeString(s, rules)
	case '{', '[', 't', 'f':
		return Missing(), fmt.Errorf("unexpected metric value %s", raw)
	}

	text := string(raw)
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Missing(), fmt.Errorf("parse metric %q: %w", text, err)
	}
	return Measured(v, text), nil
}

func decodeString(s string, rules DecodeRules) (Metric, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Missing(), nil
	}
	if rules.MissingValue != "" && s == rules.MissingValue {
		return Missing(), nil
	}
	if rules.RangeSeparator != "" && strings.Contains(s, rules.RangeSeparator) {
		// "-3.5" would also hit this; survey sheets never record negative heights.
		return Missing(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Missing(), fmt.Errorf("parse metric %q: %w", s, err)
	}
	return Measured(v, s), nil
}
