package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/socrata"
)

var (
	eqFilterRe   = regexp.MustCompile(`(\w+)\s*=\s*'([^']*)'`)
	likeFilterRe = regexp.MustCompile(`(?i)(?:upper\()?(\w+)\)?\s+like\s+'%([^%]*)%'`)
	dateFilterRe = regexp.MustCompile(`(\w+)\s*>=\s*'([^']+)'`)
	selectPartRe = regexp.MustCompile(`\$select=([^&]*)`)
	wherePartRe  = regexp.MustCompile(`\$where=([^&]*)`)
	groupPartRe  = regexp.MustCompile(`\$group=([^&]*)`)
	avgSelectRe  = regexp.MustCompile(`avg\((\w+)\)`)
	aliasRe      = regexp.MustCompile(`avg\(\w+\)\s+as\s+(\w+)`)
	fieldAliasRe = regexp.MustCompile(`(\w+)\s+as\s+(\w+)`)
)

// SyntheticClient serves fixture data from local JSON files instead of the
// live Socrata API, one file per dataset id. It evaluates the subset of SoQL
// the adapters actually emit: equality, LIKE, and date lower-bound filters,
// count(*), avg(), and single-field grouping. Spatial filters pass all rows.
type SyntheticClient struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string][]socrata.Record
}

func NewSyntheticClient(dir string, logger *zap.Logger) *SyntheticClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyntheticClient{
		dir:    dir,
		logger: logger,
		cache:  map[string][]socrata.Record{},
	}
}

func (c *SyntheticClient) Query(_ context.Context, datasetID, soql string) (*socrata.QueryResult, error) {
	records, err := c.load(datasetID)
	if err != nil {
		return nil, err
	}

	matched := filterRecords(records, extractPart(wherePartRe, soql))

	selectClause := extractPart(selectPartRe, soql)
	groupField := strings.TrimSpace(extractPart(groupPartRe, soql))

	var data []socrata.Record
	switch {
	case groupField != "":
		data = groupCount(matched, groupField, selectClause)
	case strings.Contains(strings.ToLower(selectClause), "count(*)"):
		row := socrata.Record{"count": fmt.Sprintf("%d", len(matched))}
		if m := avgSelectRe.FindStringSubmatch(selectClause); m != nil {
			alias := "avg_" + m[1]
			if am := aliasRe.FindStringSubmatch(selectClause); am != nil {
				alias = am[1]
			}
			row[alias] = avgField(matched, m[1])
		}
		data = []socrata.Record{row}
	default:
		data = matched
	}

	return &socrata.QueryResult{
		Data:        data,
		DatasetID:   datasetID,
		Query:       soql,
		PulledAt:    time.Now().UTC(),
		RecordCount: len(data),
	}, nil
}

func (c *SyntheticClient) QueryTimeWindow(ctx context.Context, datasetID string, opts socrata.TimeWindowOptions) (*socrata.QueryResult, error) {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	start := asOf.AddDate(0, 0, -opts.MonthsBack*30)

	where := fmt.Sprintf("%s >= '%s'", opts.DateField, start.Format("2006-01-02T15:04:05"))
	if opts.Where != "" {
		where = fmt.Sprintf("(%s) AND (%s)", where, opts.Where)
	}

	parts := []string{"$select=" + orStar(opts.Select), "$where=" + where}
	if opts.Group != "" {
		parts = append(parts, "$group="+opts.Group)
	}
	return c.Query(ctx, datasetID, strings.Join(parts, "&"))
}

func (c *SyntheticClient) QuerySpatial(ctx context.Context, datasetID string, opts socrata.SpatialOptions) (*socrata.QueryResult, error) {
	// Fixtures are already scoped to the test location, so the circle
	// filter passes everything and only date/field filters apply.
	parts := []string{"$select=" + orStar(opts.Select)}

	filters := []string{}
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
	if len(filters) > 0 {
		parts = append(parts, "$where="+strings.Join(filters, " AND "))
	}
	if opts.Group != "" {
		parts = append(parts, "$group="+opts.Group)
	}
	return c.Query(ctx, datasetID, strings.Join(parts, "&"))
}

func (c *SyntheticClient) load(datasetID string) ([]socrata.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if records, ok := c.cache[datasetID]; ok {
		return records, nil
	}

	path := filepath.Join(c.dir, datasetID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Warn("no synthetic fixture for dataset", zap.String("dataset", datasetID))
			c.cache[datasetID] = []socrata.Record{}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read synthetic fixture %s: %w", path, err)
	}

	var records []socrata.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse synthetic fixture %s: %w", path, err)
	}
	c.cache[datasetID] = records
	return records, nil
}

func extractPart(re *regexp.Regexp, soql string) string {
	if m := re.FindStringSubmatch(soql); m != nil {
		return m[1]
	}
	return ""
}

func orStar(selectClause string) string {
	if selectClause == "" {
		return "*"
	}
	return selectClause
}

// filterRecords applies top-level AND clauses; a clause containing OR
// matches when any of its alternatives does.
func filterRecords(records []socrata.Record, where string) []socrata.Record {
	if strings.TrimSpace(where) == "" {
		return records
	}

	clauses := strings.Split(where, " AND ")
	matched := []socrata.Record{}
	for _, rec := range records {
		ok := true
		for _, clause := range clauses {
			if !clauseMatches(rec, clause) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	return matched
}

func clauseMatches(rec socrata.Record, clause string) bool {
	clause = strings.TrimSpace(clause)
	if clause == "" || strings.HasPrefix(clause, "within_circle") {
		return true
	}

	if strings.Contains(clause, " OR ") {
		for _, alt := range strings.Split(clause, " OR ") {
			if clauseMatches(rec, alt) {
				return true
			}
		}
		return false
	}
	clause = strings.Trim(clause, "()")

	if m := likeFilterRe.FindStringSubmatch(clause); m != nil {
		value := strings.ToUpper(recString(rec, m[1]))
		return strings.Contains(value, strings.ToUpper(m[2]))
	}
	if m := dateFilterRe.FindStringSubmatch(clause); m != nil {
		// ISO timestamps compare lexically.
		value := recString(rec, m[1])
		return value == "" || value >= m[2]
	}
	if m := eqFilterRe.FindStringSubmatch(clause); m != nil {
		return recString(rec, m[1]) == m[2]
	}
	return true
}

func recString(rec socrata.Record, field string) string {
	switch v := rec[field].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	}
	return ""
}

func groupCount(records []socrata.Record, field, selectClause string) []socrata.Record {
	field = strings.Fields(field)[0]

	// "receiving_division as division" in the select means consumers read
	// the alias, so grouped rows carry both names.
	alias := field
	for _, m := range fieldAliasRe.FindAllStringSubmatch(selectClause, -1) {
		if m[1] == field {
			alias = m[2]
		}
	}

	counts := map[string]int{}
	for _, rec := range records {
		if v := recString(rec, field); v != "" {
			counts[v]++
		}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	rows := make([]socrata.Record, 0, len(keys))
	for _, k := range keys {
		row := socrata.Record{
			field:   k,
			"count": fmt.Sprintf("%d", counts[k]),
		}
		if alias != field {
			row[alias] = k
		}
		rows = append(rows, row)
	}
	return rows
}

func avgField(records []socrata.Record, field string) string {
	total := 0.0
	n := 0
	for _, rec := range records {
		if v := asFloat(rec[field]); v > 0 {
			total += v
			n++
		}
	}
	if n == 0 {
		return "0"
	}
	return fmt.Sprintf("%.1f", total/float64(n))
}
