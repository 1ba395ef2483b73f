// Package socrata is a SODA/SoQL client for DataSF datasets with file
// caching, retries, and a circuit breaker per client.
package socrata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/pkg/circuitbreaker"
	"github.com/closurewatch/backend/pkg/config"
	"github.com/closurewatch/backend/pkg/retry"
	"github.com/closurewatch/backend/pkg/utils"
)

// Record is one row returned by a SoQL query.
type Record map[string]any

// QueryResult carries query rows with provenance metadata.
type QueryResult struct {
	Data        []Record  `json:"data"`
	DatasetID   string    `json:"dataset_id"`
	Query       string    `json:"query"`
	PulledAt    time.Time `json:"pulled_at"`
	RecordCount int       `json:"record_count"`
	CacheHit    bool      `json:"cache_hit"`
	DataGaps    []string  `json:"data_gaps,omitempty"`
}

type Client struct {
	baseURL    string
	appToken   string
	cacheDir   string
	cacheTTL   time.Duration
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	retryCfg   retry.Config
	logger     *zap.Logger
}

func NewClient(cfg config.SocrataConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTLH) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Logger = logger

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appToken:   cfg.AppToken,
		cacheDir:   cfg.CachePath,
		cacheTTL:   ttl,
		httpClient: &http.Client{Timeout: timeout},
		breaker: circuitbreaker.NewCircuitBreaker("socrata", circuitbreaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			Logger:           logger,
		}),
		retryCfg: retryCfg,
		logger:   logger,
	}
}

var soqlUnsafe = regexp.MustCompile(`[^\w\s\-\#\.]`)

// SanitizeForSoQL escapes quotes and strips characters that break SoQL
// LIKE patterns.
func SanitizeForSoQL(value string) string {
	if value == "" {
		return ""
	}
	s := strings.ReplaceAll(value, "'", "''")
	s = soqlUnsafe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Query executes a SoQL query, serving from the file cache when a fresh
// entry exists. On network failure an expired cache entry is served with a
// stale-data gap; with no cache the error propagates.
func (c *Client) Query(ctx context.Context, datasetID, soql string) (*QueryResult, error) {
	fullQuery := soql
	if !strings.Contains(strings.ToLower(soql), "$limit") {
		if fullQuery != "" {
			fullQuery += "&"
		}
		fullQuery += "$limit=50000"
	}

	cacheKey := cacheKey(datasetID, fullQuery)
	if cached := c.readCache(cacheKey, false); cached != nil {
		return cached, nil
	}

	result, err := retry.DoWithResult(ctx, c.retryCfg, func() (*QueryResult, error) {
		var r *QueryResult
		execErr := c.breaker.Execute(ctx, func() error {
			var fetchErr error
			r, fetchErr = c.fetch(ctx, datasetID, fullQuery)
			return fetchErr
		})
		return r, execErr
	})
	if err != nil {
		if stale := c.readCache(cacheKey, true); stale != nil {
			c.logger.Warn("serving stale cache",
				zap.String("dataset_id", datasetID),
				zap.Error(err))
			stale.DataGaps = append(stale.DataGaps,
				fmt.Sprintf("Stale data: network error at %s", time.Now().UTC().Format(time.RFC3339)))
			return stale, nil
		}
		return nil, fmt.Errorf("query %s: %w", datasetID, err)
	}

	c.writeCache(cacheKey, result)
	return result, nil
}

// QueryTimeWindow adds a months-back date filter to a query.
func (c *Client) QueryTimeWindow(ctx context.Context, datasetID string, opts TimeWindowOptions) (*QueryResult, error) {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	start := asOf.AddDate(0, 0, -opts.MonthsBack*30)

	where := fmt.Sprintf("%s >= '%s'", opts.DateField, start.Format("2006-01-02T15:04:05"))
	if opts.Where != "" {
		where = fmt.Sprintf("(%s) AND (%s)", where, opts.Where)
	}

	return c.Query(ctx, datasetID, buildSoQL(opts.Select, where, opts.Group, opts.Order))
}

// QuerySpatial filters with within_circle, optionally combined with a
// time window.
func (c *Client) QuerySpatial(ctx context.Context, datasetID string, opts SpatialOptions) (*QueryResult, error) {
	pointField := opts.PointField
	if pointField == "" {
		pointField = "point"
	}
	radius := opts.RadiusMeters
	if radius <= 0 {
		radius = 500
	}

	filters := []string{
		fmt.Sprintf("within_circle(%s, %f, %f, %d)", pointField, opts.Lat, opts.Lon, radius),
	}
	if opts.DateField != "" && opts.MonthsBack > 0 {
		asOf := opts.AsOf
		if asOf.IsZero() {
			asOf = time.Now().UTC()
		}
		start := asOf.AddDate(0, 0, -opts.MonthsBack*30)
		filters = append(filters, fmt.Sprintf("%s >= '%s'", opts.DateField, start.Format("2006-01-02T15:04:05")))
	}
	if opts.Where != "" {
		filters = append(filters, "("+opts.Where+")")
	}

	where := strings.Join(filters, " AND ")
	return c.Query(ctx, datasetID, buildSoQL(opts.Select, where, opts.Group, opts.Order))
}

// TimeWindowOptions configure QueryTimeWindow.
type TimeWindowOptions struct {
	MonthsBack int
	DateField  string
	Select     string
	Where      string
	Group      string
	Order      string
	AsOf       time.Time
}

// SpatialOptions configure QuerySpatial.
type SpatialOptions struct {
	Lat          float64
	Lon          float64
	RadiusMeters int
	PointField   string
	DateField    string
	MonthsBack   int
	Select       string
	Where        string
	Group        string
	Order        string
	AsOf         time.Time
}

func buildSoQL(selectClause, where, group, order string) string {
	if selectClause == "" {
		selectClause = "*"
	}
	parts := []string{"$select=" + selectClause, "$where=" + where}
	if group != "" {
		parts = append(parts, "$group="+group)
	}
	if order != "" {
		parts = append(parts, "$order="+order)
	}
	return strings.Join(parts, "&")
}

func (c *Client) fetch(ctx context.Context, datasetID, soql string) (*QueryResult, error) {
	endpoint := fmt.Sprintf("%s/%s.json", c.baseURL, datasetID)

	params := url.Values{}
	for _, part := range strings.Split(soql, "&") {
		key, value, found := strings.Cut(part, "=")
		if found {
			params.Set(key, value)
		}
	}
	if c.appToken != "" {
		params.Set("$$app_token", c.appToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("socrata %s: status %d: %s", datasetID, resp.StatusCode, string(body))
		// A bad query or dataset ID fails identically on every attempt;
		// only 429 and server errors are worth the backoff.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var data []Record
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", datasetID, err)
	}

	c.logger.Debug("socrata query complete",
		zap.String("dataset_id", datasetID),
		zap.Int("records", len(data)))

	return &QueryResult{
		Data:        data,
		DatasetID:   datasetID,
		Query:       soql,
		PulledAt:    time.Now().UTC(),
		RecordCount: len(data),
	}, nil
}

func cacheKey(datasetID, query string) string {
	return fmt.Sprintf("%s_%s", datasetID, utils.ShortHash(query))
}

func (c *Client) cachePath(key string) string {
	return filepath.Join(c.cacheDir, key+".json")
}

func (c *Client) readCache(key string, ignoreTTL bool) *QueryResult {
	if c.cacheDir == "" {
		return nil
	}

	data, err := os.ReadFile(c.cachePath(key))
	if err != nil {
		return nil
	}

	var result QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}

	if !ignoreTTL && time.Since(result.PulledAt) > c.cacheTTL {
		return nil
	}

	result.CacheHit = true
	return &result
}

func (c *Client) writeCache(key string, result *QueryResult) {
	if c.cacheDir == "" || result == nil {
		return
	}
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.cachePath(key), data, 0o644); err != nil {
		c.logger.Debug("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
