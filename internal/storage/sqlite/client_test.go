package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/closurewatch/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return client
}

func TestAssessmentRoundTrip(t *testing.T) {
	client := newTestClient(t)

	rec := &models.AssessmentRecord{
		CaseID:       "case-001",
		Query:        "Golden Dragon Bakery, 966 Grant Ave",
		EntityID:     "biz-001",
		BusinessName: "Golden Dragon Bakery",
		RiskScore:    0.55,
		RiskBand:     "medium",
		QAStatus:     "pass",
		Payload:      `{"case_id":"case-001"}`,
		CreatedAt:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := client.InsertAssessment(rec); err != nil {
		t.Fatalf("InsertAssessment() error = %v", err)
	}

	got, err := client.GetAssessment("case-001")
	if err != nil {
		t.Fatalf("GetAssessment() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetAssessment() returned nil for stored case")
	}
	if got.BusinessName != rec.BusinessName || got.RiskScore != rec.RiskScore || got.Payload != rec.Payload {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestGetAssessmentUnknownCase(t *testing.T) {
	client := newTestClient(t)

	got, err := client.GetAssessment("missing")
	if err != nil {
		t.Fatalf("GetAssessment() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetAssessment() = %+v, want nil", got)
	}
}

func TestInsertAssessmentUpserts(t *testing.T) {
	client := newTestClient(t)

	rec := &models.AssessmentRecord{
		CaseID: "case-001", Query: "q", RiskScore: 0.3, RiskBand: "low",
		QAStatus: "pass", Payload: "{}",
	}
	if err := client.InsertAssessment(rec); err != nil {
		t.Fatalf("InsertAssessment() error = %v", err)
	}

	rec.RiskScore = 0.8
	rec.RiskBand = "high"
	if err := client.InsertAssessment(rec); err != nil {
		t.Fatalf("InsertAssessment() upsert error = %v", err)
	}

	got, err := client.GetAssessment("case-001")
	if err != nil {
		t.Fatalf("GetAssessment() error = %v", err)
	}
	if got.RiskBand != "high" {
		t.Errorf("RiskBand = %q, want high after upsert", got.RiskBand)
	}
}

func TestHistoryOrdersByRecency(t *testing.T) {
	client := newTestClient(t)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"case-a", "case-b", "case-c"} {
		rec := &models.AssessmentRecord{
			CaseID: id, Query: "q", RiskScore: 0.5, RiskBand: "medium",
			Payload: "{}", CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := client.InsertAssessment(rec); err != nil {
			t.Fatalf("InsertAssessment(%s) error = %v", id, err)
		}
	}

	records, err := client.History(2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	var ids []string
	for _, r := range records {
		ids = append(ids, r.CaseID)
	}
	if diff := cmp.Diff([]string{"case-c", "case-b"}, ids); diff != "" {
		t.Errorf("History order mismatch (-want +got):\n%s", diff)
	}
}

func TestReferenceDistributionReplaces(t *testing.T) {
	client := newTestClient(t)

	if err := client.SaveReferenceDistribution("permit_count_3m", []float64{1, 2, 3}, "2024-q1"); err != nil {
		t.Fatalf("SaveReferenceDistribution() error = %v", err)
	}
	if err := client.SaveReferenceDistribution("permit_count_3m", []float64{4, 5}, "2024-q2"); err != nil {
		t.Fatalf("SaveReferenceDistribution() replace error = %v", err)
	}

	dists, err := client.ReferenceDistributions()
	if err != nil {
		t.Fatalf("ReferenceDistributions() error = %v", err)
	}

	want := map[string][]float64{"permit_count_3m": {4, 5}}
	if diff := cmp.Diff(want, dists); diff != "" {
		t.Errorf("distributions mismatch (-want +got):\n%s", diff)
	}
}

func TestLatestCalibration(t *testing.T) {
	client := newTestClient(t)

	got, err := client.LatestCalibration("platt")
	if err != nil {
		t.Fatalf("LatestCalibration() error = %v", err)
	}
	if got != nil {
		t.Fatalf("LatestCalibration() = %+v before any fit, want nil", got)
	}

	old := &models.CalibrationRecord{Method: "platt", A: 1.0, B: 0.0, SampleN: 50,
		FittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := &models.CalibrationRecord{Method: "platt", A: 1.2, B: -0.1, SampleN: 80,
		FittedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}

	if err := client.SaveCalibration(old); err != nil {
		t.Fatalf("SaveCalibration() error = %v", err)
	}
	if err := client.SaveCalibration(newer); err != nil {
		t.Fatalf("SaveCalibration() error = %v", err)
	}

	got, err = client.LatestCalibration("platt")
	if err != nil {
		t.Fatalf("LatestCalibration() error = %v", err)
	}
	if got == nil || got.SampleN != 80 {
		t.Errorf("LatestCalibration() = %+v, want the 2024-06 fit", got)
	}
}
