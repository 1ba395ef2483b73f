package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/signal"
)

const defaultNewsSearchURL = "https://news.google.com/rss/search"

// negativeNewsTerms flag coverage about distress rather than openings or
// reviews.
var negativeNewsTerms = []string{
	"closing", "closure", "closed", "shut down", "shutting",
	"eviction", "evicted", "bankrupt", "bankruptcy",
	"robbery", "burglary", "break-in", "vandalism", "vacant",
}

// NewsAdapter scrapes local news search results for mentions of the
// business. It is the one adapter without a Socrata dataset behind it, so
// its signals are counted as soft evidence only.
type NewsAdapter struct {
	httpClient *http.Client
	searchURL  string
	logger     *zap.Logger
}

func NewNewsAdapter(httpClient *http.Client, searchURL string, logger *zap.Logger) *NewsAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if searchURL == "" {
		searchURL = defaultNewsSearchURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NewsAdapter{httpClient: httpClient, searchURL: searchURL, logger: logger}
}

func (a *NewsAdapter) Name() string { return "news" }

func (a *NewsAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"mention_count":          0,
		"negative_mention_count": 0,
		"recent_headlines":       []string{},
		"mentioned_orgs":         []string{},
		"has_news_coverage":      false,
	}
	return env
}

func (a *NewsAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if req.BusinessName == "" {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "Business name required for news search")
	}

	headlines, err := a.search(ctx, req.BusinessName)
	if err != nil {
		a.logger.Warn("news search failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}

	env := signal.NewEnvelope(a.Name())
	matched := matchHeadlines(headlines, req.BusinessName)
	for i := range matched {
		env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), i+1))
	}

	negative := 0
	for _, h := range matched {
		lower := strings.ToLower(h)
		for _, term := range negativeNewsTerms {
			if strings.Contains(lower, term) {
				negative++
				break
			}
		}
	}

	recent := matched
	if len(recent) > 5 {
		recent = recent[:5]
	}

	env.Signals = map[string]any{
		"mention_count":          len(matched),
		"negative_mention_count": negative,
		"recent_headlines":       recent,
		"mentioned_orgs":         extractOrgs(matched),
		"has_news_coverage":      len(matched) > 0,
	}
	return env
}

func (a *NewsAdapter) search(ctx context.Context, businessName string) ([]string, error) {
	query := url.Values{}
	query.Set("q", fmt.Sprintf("%s San Francisco", businessName))
	query.Set("hl", "en-US")

	reqURL := a.searchURL + "?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", "closurewatch/1.0")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	headlines := []string{}
	// RSS feeds and plain result pages both reduce to item/article titles.
	doc.Find("item title").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			headlines = append(headlines, t)
		}
	})
	if len(headlines) == 0 {
		doc.Find("article h3, article h4, h3 a").Each(func(_ int, s *goquery.Selection) {
			if t := strings.TrimSpace(s.Text()); t != "" {
				headlines = append(headlines, t)
			}
		})
	}
	return headlines, nil
}

// matchHeadlines keeps headlines containing at least one meaningful word of
// the business name.
func matchHeadlines(headlines []string, businessName string) []string {
	words := []string{}
	for _, w := range strings.Fields(strings.ToLower(businessName)) {
		if len(w) >= 3 {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return nil
	}

	matched := []string{}
	for _, h := range headlines {
		lower := strings.ToLower(h)
		for _, w := range words {
			if strings.Contains(lower, w) {
				matched = append(matched, h)
				break
			}
		}
	}
	return matched
}

// extractOrgs runs named-entity extraction over the matched headlines and
// returns the organizations and places mentioned alongside the business.
func extractOrgs(headlines []string) []string {
	if len(headlines) == 0 {
		return []string{}
	}

	doc, err := prose.NewDocument(strings.Join(headlines, ". "))
	if err != nil {
		return []string{}
	}

	orgs := []string{}
	seen := map[string]struct{}{}
	for _, ent := range doc.Entities() {
		// The default prose model labels GPE and PERSON; ORG comes from
		// custom models.
		if ent.Label != "ORG" && ent.Label != "GPE" && ent.Label != "PERSON" {
			continue
		}
		if _, dup := seen[ent.Text]; dup {
			continue
		}
		seen[ent.Text] = struct{}{}
		orgs = append(orgs, ent.Text)
		if len(orgs) >= 10 {
			break
		}
	}
	return orgs
}
