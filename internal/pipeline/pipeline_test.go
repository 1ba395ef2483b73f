package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/closurewatch/backend/internal/entity"
	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/sources"
	"github.com/closurewatch/backend/internal/storage/models"
	"github.com/closurewatch/backend/internal/storage/sqlite"
	"github.com/closurewatch/backend/pkg/config"
)

type fakeAdapter struct {
	name string
	env  signal.Envelope
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, req sources.Request) signal.Envelope {
	return f.env
}

func (f *fakeAdapter) EmptySignals() signal.Envelope {
	return signal.NewEnvelope(f.name)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Risk.ThresholdMedium = 0.4
	cfg.Risk.ThresholdHigh = 0.7
	cfg.Entity.ConfirmationThreshold = 0.6
	cfg.Evidence.MaxSnippets = 12
	cfg.Pipeline.MaxWorkers = 2
	cfg.Pipeline.AdapterTimeoutSec = 5
	cfg.Pipeline.HorizonMonths = 6
	cfg.Socrata.Datasets.Registry = "g8m3-pdis"
	cfg.Socrata.Datasets.Permits = "i98e-djp9"
	cfg.Socrata.Datasets.Complaints = "vw6y-z8j6"
	return cfg
}

func registryAdapter() sources.Adapter {
	env := signal.NewEnvelope("registry")
	env.Signals["candidates"] = []map[string]any{{
		"business_id":     "biz-001",
		"business_name":   "GOLDEN DRAGON BAKERY",
		"dba_name":        "Golden Dragon Bakery",
		"address":         "966 GRANT AVE",
		"latitude":        37.7941,
		"longitude":       -122.4078,
		"has_coordinates": true,
		"neighborhood":    "Chinatown",
	}}
	env.Signals["total_matches"] = 1
	env.EvidenceRefs = []string{"e:registry-001"}
	env.PulledAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return &fakeAdapter{name: "registry", env: env}
}

func signalAdapter(name string, signals map[string]any) sources.Adapter {
	env := signal.NewEnvelope(name)
	for k, v := range signals {
		env.Signals[k] = v
	}
	env.EvidenceRefs = []string{signal.EvidenceRef(name, 1)}
	env.PulledAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return &fakeAdapter{name: name, env: env}
}

func testAdapters() (sources.Adapter, []sources.Adapter) {
	registry := registryAdapter()
	permits := signalAdapter("permits", map[string]any{
		"permit_count_3m": 2, "permit_count_6m": 3, "permit_count_12m": 5,
		"permit_trend": "up", "has_recent_permits": true,
	})
	complaints := signalAdapter("complaints_311", map[string]any{
		"complaint_count_3m": 4, "complaint_count_6m": 6, "complaint_count_12m": 9,
		"complaint_trend": "up", "open_closed_ratio": 0.8,
	})
	return registry, []sources.Adapter{permits, complaints}
}

func TestAssessEndToEnd(t *testing.T) {
	registry, others := testAdapters()
	o := NewOrchestrator(testConfig(), nil, WithSources(registry, others...))

	var events []string
	progress := func(stage, status string) {
		events = append(events, stage+":"+status)
	}

	asm := o.Assess(context.Background(), AssessRequest{
		Query: "Golden Dragon Bakery, 966 Grant Ave",
		AsOf:  "2024-06-01",
	}, progress)

	if asm.CaseID == "" {
		t.Fatal("CaseID empty")
	}
	if asm.AsOf != "2024-06-01" {
		t.Errorf("AsOf = %q, want 2024-06-01", asm.AsOf)
	}
	if asm.Entity.BusinessName == "" {
		t.Error("entity not resolved")
	}
	if asm.Entity.Neighborhood != "Chinatown" {
		t.Errorf("Neighborhood = %q, want Chinatown", asm.Entity.Neighborhood)
	}
	if asm.Risk.Score < 0 || asm.Risk.Score > 1 {
		t.Errorf("Score = %v, outside [0,1]", asm.Risk.Score)
	}
	switch asm.Risk.Band {
	case "low", "medium", "high":
	default:
		t.Errorf("Band = %q, want a known band", asm.Risk.Band)
	}
	if asm.Strategy == nil || !asm.Strategy.IsFallback {
		t.Error("expected deterministic fallback strategy without an LLM client")
	}
	if asm.Explanation == "" {
		t.Error("Explanation empty")
	}
	if asm.Audit.QAStatus == "" {
		t.Error("QAStatus not set")
	}
	for _, source := range []string{"registry", "permits", "complaints_311"} {
		if _, ok := asm.Signals[source]; !ok {
			t.Errorf("missing envelope for %s", source)
		}
	}

	var wantEvents []string
	for _, s := range Stages {
		wantEvents = append(wantEvents, s+":running", s+":complete")
	}
	if diff := cmp.Diff(wantEvents, events); diff != "" {
		t.Errorf("progress events mismatch (-want +got):\n%s", diff)
	}
}

func TestAssessPersistsToStore(t *testing.T) {
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	registry, others := testAdapters()
	o := NewOrchestrator(testConfig(), nil, WithSources(registry, others...), WithStore(store))

	asm := o.Assess(context.Background(), AssessRequest{
		Query: "Golden Dragon Bakery, 966 Grant Ave",
	}, nil)

	rec, err := store.GetAssessment(asm.CaseID)
	if err != nil {
		t.Fatalf("GetAssessment() error = %v", err)
	}
	if rec == nil {
		t.Fatal("assessment not persisted")
	}
	if rec.RiskBand != asm.Risk.Band {
		t.Errorf("stored band = %q, want %q", rec.RiskBand, asm.Risk.Band)
	}
	if rec.Payload == "" {
		t.Error("payload empty")
	}
}

func TestStageFailureProducesErrorResponse(t *testing.T) {
	registry, others := testAdapters()
	o := NewOrchestrator(testConfig(), nil, WithSources(registry, others...))

	cc := o.newCase(AssessRequest{Query: "Golden Dragon Bakery"})
	err := o.runStage(cc, "score", nil, func() error {
		return errors.New("model exploded")
	})
	if err == nil {
		t.Fatal("runStage() swallowed the error")
	}

	asm := o.failed(cc, "live", time.Now())
	if asm.Risk.Score != 0.0 {
		t.Errorf("Score = %v, want 0.0", asm.Risk.Score)
	}
	if asm.Risk.Band != "unknown" {
		t.Errorf("Band = %q, want unknown", asm.Risk.Band)
	}
	if asm.Audit.QAStatus != "ERROR" {
		t.Errorf("QAStatus = %q, want ERROR", asm.Audit.QAStatus)
	}
	if len(asm.Errors) != 1 {
		t.Fatalf("Errors = %v, want one entry", asm.Errors)
	}
	if asm.Errors[0] != "score: model exploded" {
		t.Errorf("Errors[0] = %q", asm.Errors[0])
	}
}

func TestRunStageRecoversPanic(t *testing.T) {
	registry, others := testAdapters()
	o := NewOrchestrator(testConfig(), nil, WithSources(registry, others...))

	cc := o.newCase(AssessRequest{Query: "x"})
	err := o.runStage(cc, "features", nil, func() error {
		panic("nil map write")
	})
	if err == nil {
		t.Fatal("panic not converted to error")
	}
	if len(cc.Errors) != 1 || cc.Errors[0].Stage != "features" {
		t.Errorf("stage error not recorded: %+v", cc.Errors)
	}
}

func TestNewCaseParsing(t *testing.T) {
	o := NewOrchestrator(testConfig(), nil, WithSources(registryAdapter()))

	synthetic := true
	cc := o.newCase(AssessRequest{
		Query:        "Golden Dragon Bakery, 966 Grant Ave",
		AsOf:         "2024-06-01",
		UseSynthetic: &synthetic,
	})

	if cc.BusinessName != "Golden Dragon Bakery" {
		t.Errorf("BusinessName = %q", cc.BusinessName)
	}
	if cc.Address != "966 Grant Ave" {
		t.Errorf("Address = %q", cc.Address)
	}
	if !cc.AsOf.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("AsOf = %v", cc.AsOf)
	}
	if cc.HorizonMonths != 6 {
		t.Errorf("HorizonMonths = %d, want config default 6", cc.HorizonMonths)
	}
	if !cc.Synthetic {
		t.Error("UseSynthetic override ignored")
	}
}

func TestCacheKeyNormalizesQuery(t *testing.T) {
	o := NewOrchestrator(testConfig(), nil, WithSources(registryAdapter()))

	a := o.newCase(AssessRequest{Query: "Golden Dragon Bakery"})
	b := o.newCase(AssessRequest{Query: "  golden dragon bakery  "})

	if o.cacheKey(a) != o.cacheKey(b) {
		t.Error("cache key differs for equivalent queries")
	}

	c := o.newCase(AssessRequest{Query: "Golden Dragon Bakery", HorizonMonths: 12})
	if o.cacheKey(a) == o.cacheKey(c) {
		t.Error("cache key ignores horizon")
	}
}

func TestDeriveKeysPrefersLocatedCandidate(t *testing.T) {
	cc := &CaseContext{Address: "966 Grant Ave"}
	keys := deriveKeys(cc, sources.Candidates(registryAdapter().(*fakeAdapter).env))

	if !keys.HaveCoords {
		t.Fatal("expected coordinates from candidate")
	}
	if keys.Neighborhood != "Chinatown" {
		t.Errorf("Neighborhood = %q", keys.Neighborhood)
	}
	if keys.ID != "biz-001" {
		t.Errorf("ID = %q", keys.ID)
	}
}

func TestDeriveKeysAddressBreaksTies(t *testing.T) {
	candidates := []entity.Candidate{
		{
			BusinessID: "biz-101", BusinessName: "GOLDEN DRAGON BAKERY",
			Address: "1500 IRVING ST", Latitude: 37.7636, Longitude: -122.4727,
			HasCoordinates: true, Neighborhood: "Inner Sunset",
		},
		{
			BusinessID: "biz-102", BusinessName: "GOLDEN DRAGON BAKERY",
			Address: "966 GRANT AVE", Latitude: 37.7941, Longitude: -122.4078,
			HasCoordinates: true, Neighborhood: "Chinatown",
		},
	}

	cc := &CaseContext{Address: "966 Grant Ave"}
	keys := deriveKeys(cc, candidates)
	if keys.ID != "biz-102" {
		t.Errorf("ID = %q, want the address-matching candidate biz-102", keys.ID)
	}
	if keys.Neighborhood != "Chinatown" {
		t.Errorf("Neighborhood = %q, want Chinatown", keys.Neighborhood)
	}

	// Without a query address the first located candidate wins.
	cc = &CaseContext{}
	keys = deriveKeys(cc, candidates)
	if keys.ID != "biz-101" {
		t.Errorf("ID = %q, want first located candidate biz-101", keys.ID)
	}
}

func TestCalibrationLoadedFromStore(t *testing.T) {
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	err = store.SaveCalibration(&models.CalibrationRecord{
		Method: "platt", A: -4.0, B: 2.0, SampleN: 200,
	})
	if err != nil {
		t.Fatalf("SaveCalibration() error = %v", err)
	}

	cfg := testConfig()
	cfg.Risk.CalibrationMethod = "platt"
	registry, others := testAdapters()
	o := NewOrchestrator(cfg, nil, WithStore(store), WithSources(registry, others...))

	asm := o.Assess(context.Background(), AssessRequest{
		Query: "Golden Dragon Bakery, 966 Grant Ave",
		AsOf:  "2024-06-01",
	}, nil)

	if asm.Calibration == nil {
		t.Fatal("Calibration not set")
	}
	if asm.Calibration.CalibrationMethod != "platt" {
		t.Errorf("CalibrationMethod = %q, want platt", asm.Calibration.CalibrationMethod)
	}
	if asm.Calibration.OriginalScore != asm.Risk.Score {
		t.Errorf("OriginalScore = %v, want raw score %v",
			asm.Calibration.OriginalScore, asm.Risk.Score)
	}
	if asm.Calibration.CalibratedScore < 0 || asm.Calibration.CalibratedScore > 1 {
		t.Errorf("CalibratedScore = %v, want within [0, 1]", asm.Calibration.CalibratedScore)
	}
}

func TestAssessAllSourcesEmptyScoresLow(t *testing.T) {
	registry := &fakeAdapter{name: "registry", env: signal.NewEnvelope("registry")}
	fanout := []sources.Adapter{
		&fakeAdapter{name: "permits", env: signal.NewEnvelope("permits")},
		&fakeAdapter{name: "complaints_311", env: signal.NewEnvelope("complaints_311")},
		&fakeAdapter{name: "dbi", env: signal.NewEnvelope("dbi")},
		&fakeAdapter{name: "sfpd", env: signal.NewEnvelope("sfpd")},
		signalAdapter("evictions", map[string]any{
			"relative_to_citywide":      1.0,
			"neighborhood_stress_level": "unknown",
		}),
		signalAdapter("vacancy", map[string]any{
			"vacancy_rate_pct": 0.0,
			"corridor_health":  "unknown",
		}),
	}
	o := NewOrchestrator(testConfig(), nil, WithSources(registry, fanout...))

	asm := o.Assess(context.Background(), AssessRequest{
		Query: "Blue Bottle Coffee, 300 Webster St",
		AsOf:  "2024-06-01",
	}, nil)

	if asm.Risk.Band != "low" {
		t.Errorf("band = %q, want low (score %v)", asm.Risk.Band, asm.Risk.Score)
	}
	if asm.Risk.Score != 0.3 {
		t.Errorf("score = %v, want base rate 0.3 with no usable signals", asm.Risk.Score)
	}
	if len(asm.Limitations) == 0 {
		t.Error("limitations empty; empty sources must be disclosed")
	}
	if asm.Audit.QAStatus != "PASS" && asm.Audit.QAStatus != "FAIL" {
		t.Errorf("qa_status = %q, want PASS or FAIL", asm.Audit.QAStatus)
	}
}

func TestAssessLowConfidenceMatchSurfaced(t *testing.T) {
	// Name-only query against the registry fixture scores well below the
	// 0.6 confirmation threshold.
	registry, others := testAdapters()
	o := NewOrchestrator(testConfig(), nil, WithSources(registry, others...))

	asm := o.Assess(context.Background(), AssessRequest{
		Query: "Golden Dragon Bakery",
		AsOf:  "2024-06-01",
	}, nil)

	if !asm.Entity.NeedsConfirmation {
		t.Fatalf("NeedsConfirmation = false at confidence %v", asm.Entity.MatchConfidence)
	}
	if asm.Entity.MatchConfidence >= 0.6 {
		t.Errorf("MatchConfidence = %v, want below threshold", asm.Entity.MatchConfidence)
	}

	if asm.Evidence == nil {
		t.Fatal("evidence pack missing")
	}
	found := false
	for _, note := range asm.Evidence.ConfidenceNotes {
		if strings.Contains(strings.ToLower(note), "confidence") {
			found = true
		}
	}
	if !found {
		t.Errorf("no low-confidence note in %v", asm.Evidence.ConfidenceNotes)
	}
}
