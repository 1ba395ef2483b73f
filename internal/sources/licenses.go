package sources

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

// LicensesAdapter queries active business licenses for the entity. A
// business with no active license on record is either newly informal or
// winding down; either way it raises uncertainty, not risk directly.
type LicensesAdapter struct {
	client    DataAPI
	datasetID string
	logger    *zap.Logger
}

func NewLicensesAdapter(client DataAPI, datasetID string, logger *zap.Logger) *LicensesAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LicensesAdapter{client: client, datasetID: datasetID, logger: logger}
}

func (a *LicensesAdapter) Name() string { return "licenses" }

func (a *LicensesAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"active_license_count": 0,
		"license_types":        []string{},
		"has_active_license":   false,
	}
	return env
}

func (a *LicensesAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if req.BusinessName == "" && req.Address == "" {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "No business name or address provided")
	}

	env := signal.NewEnvelope(a.Name())

	result, err := a.client.Query(ctx, a.datasetID, a.licenseQuery(req))
	if err != nil {
		a.logger.Warn("license query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), 1))

	active := 0
	types := []string{}
	seen := map[string]struct{}{}
	for _, row := range result.Data {
		status := strings.ToLower(asString(row["license_status"]))
		if status != "" && !strings.Contains(status, "active") && !strings.Contains(status, "issued") {
			continue
		}
		active++
		if t := asString(row["license_type"]); t != "" {
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				types = append(types, t)
			}
		}
	}

	env.Signals = map[string]any{
		"active_license_count": active,
		"license_types":        types,
		"has_active_license":   active > 0,
	}
	return env
}

func (a *LicensesAdapter) licenseQuery(req Request) string {
	if req.BusinessName != "" {
		word := firstSearchWord(req.BusinessName)
		if word != "" {
			return fmt.Sprintf("$where=upper(business_name) like '%%%s%%'&$limit=100",
				strings.ToUpper(socrata.SanitizeForSoQL(word)))
		}
	}

	cleaned := citySuffixRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(req.Address)), "")
	if m := streetNumRe.FindStringSubmatch(cleaned); m != nil {
		return fmt.Sprintf("$where=location_address like '%%%s%%'&$limit=100", m[1])
	}
	return fmt.Sprintf("$where=upper(location_address) like '%%%s%%'&$limit=100",
		strings.ToUpper(socrata.SanitizeForSoQL(cleaned)))
}
