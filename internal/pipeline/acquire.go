package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/address"
	"github.com/closurewatch/backend/internal/entity"
	"github.com/closurewatch/backend/internal/geo"
	"github.com/closurewatch/backend/internal/metrics"
	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
	"github.com/closurewatch/backend/internal/sources"
	"github.com/closurewatch/backend/pkg/config"
)

func addressNormalizer() *address.Normalizer {
	return address.NewNormalizer()
}

func geoResolver(logger *zap.Logger) *geo.Resolver {
	return geo.NewResolver(0, logger)
}

// adaptersFor returns the adapter set for the requested mode,
// rebuilding it only when the mode changed since the last request.
func (o *Orchestrator) adaptersFor(synthetic bool) (sources.Adapter, []sources.Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fixedSet {
		return o.registry, o.adapters
	}

	if !o.built || o.synthetic != synthetic {
		var api sources.DataAPI
		if synthetic {
			if o.synthAPI == nil {
				o.synthAPI = sources.NewSyntheticClient(o.cfg.Socrata.SyntheticDir, o.logger)
			}
			api = o.synthAPI
		} else {
			if o.liveAPI == nil {
				o.liveAPI = socrata.NewClient(o.cfg.Socrata, o.logger)
			}
			api = o.liveAPI
		}

		o.registry, o.adapters = buildAdapters(api, o.cfg, !synthetic, o.logger)
		o.synthetic = synthetic
		o.built = true
		o.logger.Info("data source adapters initialized", zap.Bool("synthetic", synthetic))
	}

	return o.registry, o.adapters
}

// buildAdapters wires every data source against one DataAPI. The news
// adapter scrapes the open web and is excluded in synthetic mode so
// synthetic runs stay offline and deterministic.
func buildAdapters(api sources.DataAPI, cfg *config.Config, includeNews bool, logger *zap.Logger) (sources.Adapter, []sources.Adapter) {
	ds := cfg.Socrata.Datasets
	registry := sources.NewRegistryAdapter(api, ds.Registry, logger)
	others := []sources.Adapter{
		sources.NewPermitsAdapter(api, ds.Permits, logger),
		sources.NewComplaintsAdapter(api, ds.Complaints, logger),
		sources.NewDBIAdapter(api, ds.DBI, logger),
		sources.NewSFPDAdapter(api, ds.Crime, logger),
		sources.NewEvictionsAdapter(api, ds.Eviction, logger),
		sources.NewVacancyAdapter(api, ds.Vacancy, ds.VacancyTax, logger),
		sources.NewLicensesAdapter(api, ds.Licenses, logger),
	}
	if includeNews {
		others = append(others, sources.NewNewsAdapter(nil, "", logger))
	}
	return registry, others
}

// acquire runs the synchronous registry lookup, derives the entity keys
// for the fan-out, and fetches the remaining sources on a bounded
// worker pool. It never fails: adapter errors become degraded
// envelopes.
func (o *Orchestrator) acquire(
	ctx context.Context,
	cc *CaseContext,
	registry sources.Adapter,
	fanout []sources.Adapter,
) (map[string]signal.Envelope, []entity.Candidate) {
	baseReq := sources.Request{
		BusinessName:  cc.BusinessName,
		Address:       cc.Address,
		AsOf:          cc.AsOf,
		HorizonMonths: cc.HorizonMonths,
	}

	regEnv := o.fetchOne(ctx, registry, baseReq)
	candidates := sources.Candidates(regEnv)
	cc.Keys = deriveKeys(cc, candidates)

	adapterReq := baseReq
	adapterReq.EntityID = cc.Keys.ID
	adapterReq.Lat = cc.Keys.Lat
	adapterReq.Lon = cc.Keys.Lon
	adapterReq.HaveCoords = cc.Keys.HaveCoords
	adapterReq.Neighborhood = cc.Keys.Neighborhood

	envelopes := map[string]signal.Envelope{
		registry.Name(): signal.Normalize(regEnv),
	}

	maxWorkers := o.cfg.Pipeline.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 5
	}

	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, adapter := range fanout {
		wg.Add(1)
		go func(a sources.Adapter) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			env := o.fetchOne(ctx, a, adapterReq)

			mu.Lock()
			envelopes[a.Name()] = signal.Normalize(env)
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()

	return envelopes, candidates
}

// fetchOne runs one adapter under its timeout, converting panics and
// timeouts into degraded envelopes.
func (o *Orchestrator) fetchOne(ctx context.Context, a sources.Adapter, req sources.Request) (env signal.Envelope) {
	timeout := time.Duration(o.cfg.Pipeline.AdapterTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.AdapterDuration.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.AdapterFailures.WithLabelValues(a.Name()).Inc()
			o.logger.Error("adapter panic",
				zap.String("source", a.Name()),
				zap.Any("panic", r))
			env = a.EmptySignals()
			env.DataGaps = append(env.DataGaps, fmt.Sprintf("Adapter panic (%s): %v", a.Name(), r))
		} else if len(env.DataGaps) > 0 {
			metrics.AdapterFailures.WithLabelValues(a.Name()).Inc()
		}
	}()

	return a.Fetch(tctx, req)
}

// deriveKeys picks the coordinates and neighborhood the fan-out keys
// on. With several located candidates and a query address, the one
// whose address best matches the query wins; otherwise the first
// located one.
func deriveKeys(cc *CaseContext, candidates []entity.Candidate) EntityKeys {
	keys := EntityKeys{Address: cc.Address}

	best := bestLocatedCandidate(cc.Address, candidates)
	if best != nil {
		keys.ID = best.BusinessID
		keys.Lat = best.Latitude
		keys.Lon = best.Longitude
		keys.HaveCoords = best.HasCoordinates
		keys.Neighborhood = best.Neighborhood
		if keys.Address == "" {
			keys.Address = best.Address
		}
		return keys
	}

	// Neighborhood-only path: no located candidate, but a candidate may
	// still name the neighborhood.
	for _, c := range candidates {
		if c.Neighborhood != "" {
			keys.Neighborhood = c.Neighborhood
			keys.ID = c.BusinessID
			break
		}
	}
	return keys
}

func bestLocatedCandidate(refAddress string, candidates []entity.Candidate) *entity.Candidate {
	var best *entity.Candidate
	bestScore := -1.0

	var norm *address.Normalizer
	if refAddress != "" {
		norm = addressNormalizer()
	}

	for i := range candidates {
		c := &candidates[i]
		if !c.HasCoordinates {
			continue
		}
		if norm == nil {
			return c
		}
		s := norm.MatchScore(refAddress, c.Address)
		if best == nil || s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best
}
