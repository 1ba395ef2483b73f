package drift

import (
	"math"
	"testing"
)

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

func TestPSISelfComparisonIsZero(t *testing.T) {
	values := linspace(0, 10, 200)
	if psi := PSI(values, values, 10); math.Abs(psi) > 1e-9 {
		t.Errorf("PSI(x, x) = %v, want ~0", psi)
	}
}

func TestPSIConstantSamples(t *testing.T) {
	values := []float64{5, 5, 5, 5}
	if psi := PSI(values, values, 10); psi != 0.0 {
		t.Errorf("PSI over constant samples = %v, want 0", psi)
	}
}

func TestPSIDetectsShift(t *testing.T) {
	reference := linspace(0, 10, 500)
	shifted := linspace(20, 30, 500)

	if psi := PSI(reference, shifted, 10); psi < 0.25 {
		t.Errorf("disjoint distributions PSI = %v, want >= 0.25", psi)
	}
}

func TestCheckDriftHealthy(t *testing.T) {
	m := NewMonitor(nil)
	values := linspace(0, 10, 300)
	report := m.CheckDrift(
		map[string][]float64{"complaint_count_6m": values},
		map[string][]float64{"complaint_count_6m": values},
		nil, nil,
	)

	if report.OverallHealth != "healthy" {
		t.Errorf("health = %q, want healthy", report.OverallHealth)
	}
	if len(report.Alerts) != 0 {
		t.Errorf("alerts = %v, want none", report.Alerts)
	}
	if len(report.FeatureDrifts) != 1 || report.FeatureDrifts[0].Drifted {
		t.Errorf("unexpected feature drift: %+v", report.FeatureDrifts)
	}
}

func TestCheckDriftCriticalOnLargeShift(t *testing.T) {
	m := NewMonitor(nil)
	report := m.CheckDrift(
		map[string][]float64{"vacancy_rate_pct": linspace(0, 5, 400)},
		map[string][]float64{"vacancy_rate_pct": linspace(15, 20, 400)},
		nil, nil,
	)

	if report.OverallHealth != "critical" {
		t.Errorf("health = %q, want critical", report.OverallHealth)
	}
	if len(report.Alerts) == 0 {
		t.Error("expected drift alert")
	}
	d := report.FeatureDrifts[0]
	if !d.Drifted || d.DriftType == "" {
		t.Errorf("drift not classified: %+v", d)
	}
}

func TestDriftTypeMeanShift(t *testing.T) {
	reference := linspace(0, 10, 400)
	shifted := linspace(30, 40, 400)

	d := checkFeature("x", reference, shifted)
	if d.DriftType != "mean_shift" {
		t.Errorf("drift type = %q, want mean_shift", d.DriftType)
	}
}

func TestDriftTypeVarianceChange(t *testing.T) {
	// Same mean, much wider spread.
	reference := linspace(4.9, 5.1, 400)
	wider := linspace(0, 10, 400)

	d := checkFeature("x", reference, wider)
	if !d.Drifted {
		t.Fatalf("variance blow-up not flagged: %+v", d)
	}
	if d.DriftType != "variance_change" {
		t.Errorf("drift type = %q, want variance_change", d.DriftType)
	}
}

func TestScoreDriftEscalates(t *testing.T) {
	m := NewMonitor(nil)
	steady := linspace(0, 1, 300)
	report := m.CheckDrift(
		map[string][]float64{"complaint_count_6m": steady},
		map[string][]float64{"complaint_count_6m": steady},
		linspace(0.1, 0.3, 300),
		linspace(0.7, 0.9, 300),
	)

	if report.ScoreDrift == nil {
		t.Fatal("score drift not computed")
	}
	if report.OverallHealth != "critical" {
		t.Errorf("health = %q, want critical from score drift", report.OverallHealth)
	}
}

func TestMissingCurrentFeatureSkipped(t *testing.T) {
	m := NewMonitor(nil)
	report := m.CheckDrift(
		map[string][]float64{"permit_count_6m": linspace(0, 10, 100)},
		map[string][]float64{},
		nil, nil,
	)

	if len(report.FeatureDrifts) != 0 {
		t.Errorf("skipped feature still reported: %+v", report.FeatureDrifts)
	}
	if report.OverallHealth != "healthy" {
		t.Errorf("health = %q, want healthy", report.OverallHealth)
	}
}
