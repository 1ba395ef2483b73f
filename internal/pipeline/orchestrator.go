package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/cache/redis"
	"github.com/closurewatch/backend/internal/entity"
	"github.com/closurewatch/backend/internal/evidence"
	"github.com/closurewatch/backend/internal/features"
	"github.com/closurewatch/backend/internal/freshness"
	"github.com/closurewatch/backend/internal/llm"
	"github.com/closurewatch/backend/internal/metrics"
	"github.com/closurewatch/backend/internal/qa"
	"github.com/closurewatch/backend/internal/risk"
	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/sources"
	"github.com/closurewatch/backend/internal/storage/models"
	"github.com/closurewatch/backend/internal/storage/sqlite"
	"github.com/closurewatch/backend/pkg/config"
	"github.com/closurewatch/backend/pkg/utils"
)

// Orchestrator owns the assessment pipeline and every component it
// wires together. Safe for concurrent use; the adapter set is the only
// mutable piece and is guarded for lazy synthetic/live swaps.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	resolver   *entity.Resolver
	builder    *features.Builder
	model      *risk.Model
	checker    *freshness.Checker
	packager   *evidence.Packager
	planner    *llm.Planner
	explainer  *llm.Explainer
	gate       *qa.Gate
	guard      *qa.PolicyGuard
	calibrator *risk.Calibrator
	store      *sqlite.Client
	cache      *redis.Client
	cacheTTL   time.Duration

	mu        sync.Mutex
	fixedSet  bool
	built     bool
	synthetic bool
	liveAPI   sources.DataAPI
	synthAPI  sources.DataAPI
	registry  sources.Adapter
	adapters  []sources.Adapter
}

type Option func(*Orchestrator)

func WithStore(store *sqlite.Client) Option {
	return func(o *Orchestrator) { o.store = store }
}

func WithCache(cache *redis.Client) Option {
	return func(o *Orchestrator) { o.cache = cache }
}

// WithSources pins the adapter set, disabling the lazy synthetic/live
// swap. Used by tests.
func WithSources(registry sources.Adapter, others ...sources.Adapter) Option {
	return func(o *Orchestrator) {
		o.registry = registry
		o.adapters = others
		o.fixedSet = true
		o.built = true
	}
}

func WithPlanner(p *llm.Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

func WithExplainer(e *llm.Explainer) Option {
	return func(o *Orchestrator) { o.explainer = e }
}

func NewOrchestrator(cfg *config.Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	var modelOpts []risk.Option
	if cfg.Risk.ModelArtifactPath != "" {
		if artifact, err := risk.LoadArtifact(cfg.Risk.ModelArtifactPath); err == nil {
			modelOpts = append(modelOpts, risk.WithArtifact(artifact))
		} else {
			logger.Warn("model artifact unavailable, using heuristic model", zap.Error(err))
		}
	}
	modelOpts = append(modelOpts, risk.WithLogger(logger))

	var llmClient *llm.Client
	if cfg.LLM.Enabled && cfg.LLM.APIKey != "" {
		llmClient = llm.NewClient(cfg.LLM)
	}

	cacheTTL := time.Duration(cfg.Socrata.CacheTTLH) * time.Hour
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		resolver:  entity.NewResolver(addressNormalizer(), geoResolver(logger), cfg.Entity.ConfirmationThreshold),
		builder:   features.NewBuilder(),
		model:     risk.NewModel(cfg.Risk.ThresholdMedium, cfg.Risk.ThresholdHigh, modelOpts...),
		checker:   freshness.NewChecker(cfg.Freshness),
		packager:  evidence.NewPackager(cfg.Evidence.MaxSnippets),
		planner:   llm.NewPlanner(llmClient, logger),
		explainer: llm.NewExplainer(llmClient, logger),
		gate:      qa.NewGate(logger),
		guard:     qa.NewPolicyGuard(cfg.QA.StrictMode),
		cacheTTL:  cacheTTL,
	}

	for _, opt := range opts {
		opt(o)
	}

	if method := cfg.Risk.CalibrationMethod; method != "" && method != "identity" {
		o.calibrator = risk.NewCalibrator(o.loadCalibration(method))
	}
	return o
}

// loadCalibration reads the latest fitted parameters for the configured
// method. Missing or unreadable parameters yield identity-like defaults.
func (o *Orchestrator) loadCalibration(method string) risk.CalibrationParams {
	params := risk.CalibrationParams{Method: method}
	if o.store == nil {
		return params
	}

	rec, err := o.store.LatestCalibration(method)
	if err != nil || rec == nil {
		if err != nil {
			o.logger.Warn("failed to load calibration parameters", zap.Error(err))
		}
		return params
	}

	params.A = rec.A
	params.B = rec.B
	if rec.Mapping != "" {
		if err := json.Unmarshal([]byte(rec.Mapping), &params.Mapping); err != nil {
			o.logger.Warn("corrupt calibration mapping, ignoring", zap.Error(err))
			params.Mapping = nil
		}
	}
	return params
}

// Assess runs the full pipeline. It always returns a well-formed
// assessment: a stage failure produces the error response (score 0.0,
// band "unknown") instead of an error.
func (o *Orchestrator) Assess(ctx context.Context, req AssessRequest, progress ProgressFunc) *models.Assessment {
	start := time.Now()
	cc := o.newCase(req)
	mode := "live"
	if cc.Synthetic {
		mode = "synthetic"
	}

	cacheKey := o.cacheKey(cc)
	if o.cache != nil {
		var cached models.Assessment
		if hit, err := o.cache.GetAssessment(ctx, cacheKey, &cached); err == nil && hit {
			metrics.CacheHits.WithLabelValues("assessment").Inc()
			o.logger.Info("assessment served from cache", zap.String("case_id", cached.CaseID))
			return &cached
		}
		metrics.CacheMisses.WithLabelValues("assessment").Inc()
	}

	registryAdapter, fanout := o.adaptersFor(cc.Synthetic)

	var envelopes map[string]signal.Envelope
	var candidates []entity.Candidate
	if err := o.runStage(cc, "acquire", progress, func() error {
		envelopes, candidates = o.acquire(ctx, cc, registryAdapter, fanout)
		return nil
	}); err != nil {
		return o.failed(cc, mode, start)
	}

	var ent entity.ResolvedEntity
	if err := o.runStage(cc, "resolve", progress, func() error {
		ent = o.resolver.Resolve(entity.Input{
			BusinessName: cc.BusinessName,
			Address:      cc.Address,
			Lat:          cc.Keys.Lat,
			Lon:          cc.Keys.Lon,
			HaveCoords:   cc.Keys.HaveCoords,
		}, candidates)
		return nil
	}); err != nil {
		return o.failed(cc, mode, start)
	}

	var feats features.ModelFeatures
	if err := o.runStage(cc, "features", progress, func() error {
		feats = o.builder.Build(ent.EntityID, envelopes, cc.AsOf)
		return nil
	}); err != nil {
		return o.failed(cc, mode, start)
	}

	var score risk.Score
	var calibrated *risk.CalibratedScore
	if err := o.runStage(cc, "score", progress, func() error {
		score = o.model.Predict(feats)
		if o.calibrator != nil {
			cs := o.calibrator.Calibrate(score.Score, o.cfg.Risk.CalibrationMethod)
			calibrated = &cs
		}
		metrics.RiskScore.Observe(score.Score)
		return nil
	}); err != nil {
		return o.failed(cc, mode, start)
	}

	var freshReport freshness.Report
	if err := o.runStage(cc, "freshness", progress, func() error {
		freshReport = o.checker.CheckEnvelopes(envelopes, cc.AsOf)
		cc.Warnings = append(cc.Warnings, freshReport.Warnings...)
		return nil
	}); err != nil {
		return o.failed(cc, mode, start)
	}

	var pack evidence.Pack
	var strategy *models.Strategy
	var explanation *llm.Explanation
	if err := o.runStage(cc, "strategy", progress, func() error {
		pack = o.packager.Package(ent, envelopes, score, cc.AsOf, cc.HorizonMonths)
		strategy = o.planner.Plan(ctx, &pack)
		explanation = o.explainer.Explain(ctx, &pack)
		if strategy.IsFallback {
			metrics.FallbackStrategies.Inc()
		}
		return nil
	}); err != nil {
		return o.failed(cc, mode, start)
	}

	var asm *models.Assessment
	if err := o.runStage(cc, "qa_assemble", progress, func() error {
		asm = o.assemble(cc, ent, score, calibrated, envelopes, &freshReport, &pack, strategy, explanation)
		return nil
	}); err != nil {
		return o.failed(cc, mode, start)
	}

	o.persist(ctx, cc, cacheKey, asm)

	metrics.AssessmentDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	metrics.AssessmentTotal.WithLabelValues("ok", asm.Risk.Band).Inc()
	o.logger.Info("assessment complete",
		zap.String("case_id", cc.CaseID),
		zap.Float64("score", asm.Risk.Score),
		zap.String("band", asm.Risk.Band),
		zap.Duration("elapsed", time.Since(start)))

	return asm
}

func (o *Orchestrator) newCase(req AssessRequest) *CaseContext {
	asOf := time.Now().UTC()
	if req.AsOf != "" {
		if t, err := time.Parse("2006-01-02", req.AsOf); err == nil {
			asOf = t
		} else if t, err := time.Parse(time.RFC3339, req.AsOf); err == nil {
			asOf = t
		}
	}

	horizon := req.HorizonMonths
	if horizon <= 0 {
		horizon = o.cfg.Pipeline.HorizonMonths
	}
	if horizon <= 0 {
		horizon = 6
	}

	synthetic := o.cfg.Pipeline.UseSynthetic
	if req.UseSynthetic != nil {
		synthetic = *req.UseSynthetic
	}

	name, addr := sources.SplitQuery(req.Query)

	return &CaseContext{
		CaseID:        uuid.NewString(),
		Query:         req.Query,
		AsOf:          asOf,
		HorizonMonths: horizon,
		BusinessName:  name,
		Address:       addr,
		Synthetic:     synthetic,
	}
}

func (o *Orchestrator) cacheKey(cc *CaseContext) string {
	mode := "live"
	if cc.Synthetic {
		mode = "synthetic"
	}
	normalized := strings.ToLower(strings.TrimSpace(cc.Query))
	return utils.ShortHash(fmt.Sprintf("%s|%d|%s", normalized, cc.HorizonMonths, mode))
}

// runStage wraps one stage: panics become stage errors, progress is
// reported, and duration is observed.
func (o *Orchestrator) runStage(cc *CaseContext, stage string, progress ProgressFunc, fn func() error) (err error) {
	if progress != nil {
		progress(stage, "running")
	}
	start := time.Now()

	defer func() {
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panic: %v", r)
		}
		if err != nil {
			cc.recordError(stage, err)
			o.logger.Error("pipeline stage failed",
				zap.String("case_id", cc.CaseID),
				zap.String("stage", stage),
				zap.Error(err))
			if progress != nil {
				progress(stage, "failed")
			}
			return
		}
		cc.StagesCompleted = append(cc.StagesCompleted, stage)
		if progress != nil {
			progress(stage, "complete")
		}
	}()

	return fn()
}

// failed builds the well-formed error response.
func (o *Orchestrator) failed(cc *CaseContext, mode string, start time.Time) *models.Assessment {
	errs := make([]string, 0, len(cc.Errors))
	for _, e := range cc.Errors {
		errs = append(errs, fmt.Sprintf("%s: %s", e.Stage, e.Message))
	}

	metrics.AssessmentDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	metrics.AssessmentTotal.WithLabelValues("error", "unknown").Inc()

	return &models.Assessment{
		CaseID:        cc.CaseID,
		AsOf:          cc.AsOf.Format("2006-01-02"),
		HorizonMonths: cc.HorizonMonths,
		Risk: risk.Score{
			Score:        0.0,
			Band:         "unknown",
			ModelVersion: o.model.Version(),
			AsOf:         cc.AsOf.Format("2006-01-02"),
		},
		Limitations: []string{"Assessment could not be completed; see errors"},
		Errors:      errs,
		Audit: models.Audit{
			QAStatus:    "ERROR",
			StageErrors: cc.Errors,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func (o *Orchestrator) assemble(
	cc *CaseContext,
	ent entity.ResolvedEntity,
	score risk.Score,
	calibrated *risk.CalibratedScore,
	envelopes map[string]signal.Envelope,
	freshReport *freshness.Report,
	pack *evidence.Pack,
	strategy *models.Strategy,
	explanation *llm.Explanation,
) *models.Assessment {
	asm := &models.Assessment{
		CaseID:        cc.CaseID,
		AsOf:          cc.AsOf.Format("2006-01-02"),
		HorizonMonths: cc.HorizonMonths,
		Entity:        ent,
		Risk:          score,
		Calibration:   calibrated,
		Signals:       envelopes,
		Freshness:     freshReport,
		Evidence:      pack,
		Strategy:      strategy,
		Audit: models.Audit{
			DatasetVersions: o.datasetVersions(),
			AgentVersions: map[string]string{
				"model":     o.model.Version(),
				"planner":   llm.PlannerVersion,
				"explainer": llm.ExplainerVersion,
			},
			StageErrors: cc.Errors,
		},
		CreatedAt: time.Now().UTC(),
	}

	if explanation != nil {
		asm.Explanation = explanation.Summary
		for _, l := range explanation.Limitations {
			addUnique(&asm.Limitations, l)
		}
	}
	for _, w := range cc.Warnings {
		addUnique(&asm.Limitations, w)
	}

	result := o.gate.Validate(asm)
	asm.Audit.QAStatus = result.Status
	metrics.QAStatus.WithLabelValues(result.Status).Inc()
	if len(result.PatchPlan) > 0 {
		o.gate.ApplyPatches(asm, result.PatchPlan)
		metrics.QAPatches.Add(float64(len(result.PatchPlan)))
	}

	policy := o.guard.Validate(strategy, "compliance", asm.Limitations, nil)
	if !policy.Valid {
		for _, d := range qa.Disclaimers("compliance") {
			addUnique(&asm.Limitations, d)
		}
		for _, v := range policy.Violations {
			if v.Recommendation != "" {
				addUnique(&asm.Limitations, v.Recommendation)
			}
		}
	}

	return asm
}

func (o *Orchestrator) datasetVersions() map[string]string {
	ds := o.cfg.Socrata.Datasets
	return map[string]string{
		"registry":       ds.Registry,
		"permits":        ds.Permits,
		"complaints_311": ds.Complaints,
		"dbi":            ds.DBI,
		"sfpd":           ds.Crime,
		"evictions":      ds.Eviction,
		"vacancy":        ds.Vacancy,
		"licenses":       ds.Licenses,
	}
}

// persist stores the assessment best-effort: storage failures are
// logged, never surfaced.
func (o *Orchestrator) persist(ctx context.Context, cc *CaseContext, cacheKey string, asm *models.Assessment) {
	if o.store != nil {
		payload, err := json.Marshal(asm)
		if err == nil {
			err = o.store.InsertAssessment(&models.AssessmentRecord{
				CaseID:       asm.CaseID,
				Query:        cc.Query,
				EntityID:     asm.Entity.EntityID,
				BusinessName: asm.Entity.BusinessName,
				RiskScore:    asm.Risk.Score,
				RiskBand:     asm.Risk.Band,
				QAStatus:     asm.Audit.QAStatus,
				Payload:      string(payload),
				CreatedAt:    asm.CreatedAt,
			})
		}
		if err != nil {
			o.logger.Warn("failed to persist assessment", zap.String("case_id", asm.CaseID), zap.Error(err))
		}
	}

	if o.cache != nil {
		if err := o.cache.SetAssessment(ctx, cacheKey, asm, o.cacheTTL); err != nil {
			o.logger.Warn("failed to cache assessment", zap.String("case_id", asm.CaseID), zap.Error(err))
		}
	}
}

func addUnique(list *[]string, value string) {
	if value == "" {
		return
	}
	for _, v := range *list {
		if v == value {
			return
		}
	}
	*list = append(*list, value)
}
