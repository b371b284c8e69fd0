package biometrics

import (
	"encoding/json"
	"fmt"
)

// MetricSet is the four biometrics tracked per tree.
type MetricSet struct {
	TrunkDiameterCm  Metric
	CrownBaseHeightM Metric
	HeightM          Metric
	CrownDiameterM   Metric
}

// Ordered returns the metrics in report order: trunk diameter, crown base
// height, height, crown diameter.
func (s MetricSet) Ordered() [4]Metric {
	return [4]Metric{s.TrunkDiameterCm, s.CrownBaseHeightM, s.HeightM, s.CrownDiameterM}
}

// PresentCount returns how many metrics carry a value.
func (s MetricSet) PresentCount() int {
	n := 0
	for _, m := range s.Ordered() {
		if m.IsPresent() {
			n++
		}
	}
	return n
}

// DecodeFields builds a MetricSet from a JSON object keyed by the FieldNames.
// rangeSep is applied to the crown base height only.
func DecodeFields(fields map[string]json.RawMessage, missingValue, rangeSep string) (MetricSet, error) {
	plain := DecodeRules{MissingValue: missingValue}
	crownBase := DecodeRules{MissingValue: missingValue, RangeSeparator: rangeSep}

	var set MetricSet
	var err error
	if set.TrunkDiameterCm, err = Decode(fields[FieldTrunkDiameter], plain); err != nil {
		return MetricSet{}, fmt.Errorf("%s: %w", FieldTrunkDiameter, err)
	}
	if set.CrownBaseHeightM, err = Decode(fields[FieldCrownBase], crownBase); err != nil {
		return MetricSet{}, fmt.Errorf("%s: %w", FieldCrownBase, err)
	}
	if set.HeightM, err = Decode(fields[FieldHeight], plain); err != nil {
		return MetricSet{}, fmt.Errorf("%s: %w", FieldHeight, err)
	}
	if set.CrownDiameterM, err = Decode(fields[FieldCrownDiameter], plain); err != nil {
		return MetricSet{}, fmt.Errorf("%s: %w", FieldCrownDiameter, err)
	}
	return set, nil
}

// Measurement is the importer's single-tree result for one capture.
type Measurement struct {
	Metrics MetricSet
	Success bool
	// Stdout is the importer's console output, kept for diagnostics only.
	Stdout string
}
