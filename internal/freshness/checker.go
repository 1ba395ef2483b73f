// Package freshness compares per-source pull timestamps against the
// configured maximum age per dataset and reports stale sources.
package freshness

import (
	"fmt"
	"sort"
	"time"

	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/pkg/config"
)

// Check is the freshness verdict for one source.
type Check struct {
	Source          string     `json:"source"`
	MaxAgeHours     float64    `json:"expected_max_age_hours"`
	ActualAgeHours  float64    `json:"actual_age_hours"`
	Fresh           bool       `json:"is_fresh"`
	LastPulled      *time.Time `json:"last_pulled,omitempty"`
	Warning         string     `json:"warning,omitempty"`
	DeclaredStatus  string     `json:"declared_status,omitempty"`
}

// Report aggregates freshness checks for one assessment.
type Report struct {
	CheckTime time.Time `json:"check_time"`
	AllFresh  bool      `json:"all_fresh"`
	Checks    []Check   `json:"checks"`
	Warnings  []string  `json:"warnings"`
}

type Checker struct {
	maxAge map[string]time.Duration
}

func NewChecker(cfg config.FreshnessConfig) *Checker {
	days := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
	return &Checker{maxAge: map[string]time.Duration{
		"registry":       days(cfg.RegistryMaxAgeDays),
		"permits":        days(cfg.PermitsMaxAgeDays),
		"sfpd":           days(cfg.CrimeMaxAgeDays),
		"complaints_311": days(cfg.ComplaintsMaxAgeDays),
		"dbi":            days(cfg.ComplaintsMaxAgeDays),
		"evictions":      days(cfg.EvictionMaxAgeDays),
		"vacancy":        days(cfg.VacancyMaxAgeDays),
		"licenses":       days(cfg.RegistryMaxAgeDays),
		"news":           days(cfg.NewsMaxAgeDays),
	}}
}

const defaultMaxAge = 7 * 24 * time.Hour

// CheckEnvelopes inspects each source envelope's PulledAt against asOf.
// Sources already flagged stale by their adapter stay stale regardless
// of age. Checks are ordered by source name for stable output.
func (c *Checker) CheckEnvelopes(envelopes map[string]signal.Envelope, asOf time.Time) Report {
	checks := []Check{}
	warnings := []string{}

	names := make([]string, 0, len(envelopes))
	for name := range envelopes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		env := envelopes[name]
		check := c.checkOne(name, env, asOf)
		checks = append(checks, check)
		if check.Warning != "" {
			warnings = append(warnings, check.Warning)
		}
	}

	return Report{
		CheckTime: asOf,
		AllFresh:  len(warnings) == 0,
		Checks:    checks,
		Warnings:  warnings,
	}
}

func (c *Checker) checkOne(name string, env signal.Envelope, asOf time.Time) Check {
	maxAge, ok := c.maxAge[name]
	if !ok || maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	check := Check{
		Source:         name,
		MaxAgeHours:    maxAge.Hours(),
		Fresh:          true,
		DeclaredStatus: env.Freshness,
	}

	if env.PulledAt.IsZero() {
		check.Fresh = false
		check.Warning = fmt.Sprintf("Source %q has no pull timestamp", name)
		return check
	}

	pulled := env.PulledAt
	check.LastPulled = &pulled
	age := asOf.Sub(pulled)
	check.ActualAgeHours = roundTenth(age.Hours())

	if age > maxAge {
		check.Fresh = false
		check.Warning = fmt.Sprintf("Source %q is stale: %.1fh old (expected <%.0fh)",
			name, age.Hours(), maxAge.Hours())
	} else if env.Freshness == "stale" {
		check.Fresh = false
		check.Warning = fmt.Sprintf("Source %q served stale cached data", name)
	}

	return check
}

func roundTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
