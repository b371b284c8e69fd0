// Package report turns reconciled measurements into rows of the evaluation
// report, a header-less tab separated file.
package report

import "treeeval/internal/biometrics"

// Pair is one metric's rendered target and estimate.
type Pair struct {
	Target   string
	Estimate string
}

// Reconcile pairs targets with the importer's estimate, in report order. An
// estimate is only reported when its target is present; otherwise both sides
// are empty, whatever the importer produced.
func Reconcile(targets biometrics.MetricSet, m biometrics.Measurement) [4]Pair {
	var pairs [4]Pair
	want := targets.Ordered()
	got := m.Metrics.Ordered()
	for i := range pairs {
		if !want[i].IsPresent() {
			continue
		}
		pairs[i] = Pair{Target: want[i].Text(), Estimate: got[i].Text()}
	}
	return pairs
}
