package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AssessmentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closure_assessment_duration_seconds",
			Help:    "End-to-end assessment duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	AssessmentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closure_assessment_total",
			Help: "Total assessments processed",
		},
		[]string{"status", "band"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closure_stage_duration_seconds",
			Help:    "Per-stage pipeline duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"stage"},
	)

	RiskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "closure_risk_score",
			Help:    "Distribution of produced risk scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	AdapterFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closure_adapter_failures_total",
			Help: "Total data-source adapter failures",
		},
		[]string{"source"},
	)

	AdapterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closure_adapter_duration_seconds",
			Help:    "Per-adapter fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"source"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closure_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closure_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	QAPatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closure_qa_patches_total",
			Help: "Total quality-gate patch operations applied",
		},
	)

	QAStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closure_qa_status_total",
			Help: "Quality-gate outcomes by status",
		},
		[]string{"status"},
	)

	FallbackStrategies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closure_fallback_strategies_total",
			Help: "Total strategies produced by the deterministic fallback",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closure_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	// DriftStatus is 0 healthy, 1 warning, 2 critical.
	DriftStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "closure_drift_status",
			Help: "Current drift monitor status (0 healthy, 1 warning, 2 critical)",
		},
	)
)

func Init() {
	prometheus.MustRegister(AssessmentDuration)
	prometheus.MustRegister(AssessmentTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(RiskScore)
	prometheus.MustRegister(AdapterFailures)
	prometheus.MustRegister(AdapterDuration)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(QAPatches)
	prometheus.MustRegister(QAStatus)
	prometheus.MustRegister(FallbackStrategies)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(DriftStatus)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// SetDriftStatus maps the drift monitor's overall status onto the gauge.
func SetDriftStatus(status string) {
	switch status {
	case "critical":
		DriftStatus.Set(2)
	case "warning":
		DriftStatus.Set(1)
	default:
		DriftStatus.Set(0)
	}
}
