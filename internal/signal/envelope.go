package signal

import (
	"fmt"
	"time"
)

// Envelope is the uniform output contract for every data source adapter.
// Downstream stages read Signals by documented key; a failed source still
// produces an envelope with default values and the failure recorded in
// DataGaps, so no consumer ever branches on source presence.
type Envelope struct {
	Source       string         `json:"source"`
	Signals      map[string]any `json:"signals"`
	EvidenceRefs []string       `json:"evidence_refs"`
	DataGaps     []string       `json:"data_gaps"`
	Freshness    string         `json:"freshness"`
	PulledAt     time.Time      `json:"pulled_at"`
}

func NewEnvelope(source string) Envelope {
	return Envelope{
		Source:       source,
		Signals:      map[string]any{},
		EvidenceRefs: []string{},
		DataGaps:     []string{},
		PulledAt:     time.Now().UTC(),
	}
}

// Degraded builds the envelope an adapter returns when it cannot fetch:
// the given default signals plus the failure recorded as a data gap.
func Degraded(source string, defaults map[string]any, reason string) Envelope {
	env := NewEnvelope(source)
	for k, v := range defaults {
		env.Signals[k] = v
	}
	env.DataGaps = append(env.DataGaps, reason)
	return env
}

// Normalize collapses the two shapes adapters historically produced (signals
// nested under a "signals" key, or flat) into the canonical Envelope. It runs
// exactly once, at the orchestrator boundary. Normalizing an already-canonical
// envelope is a no-op.
func Normalize(env Envelope) Envelope {
	if nested, ok := env.Signals["signals"].(map[string]any); ok {
		flat := make(map[string]any, len(nested))
		for k, v := range nested {
			flat[k] = v
		}
		for k, v := range env.Signals {
			if k == "signals" {
				continue
			}
			if _, exists := flat[k]; !exists {
				flat[k] = v
			}
		}
		env.Signals = flat
	}
	if env.Signals == nil {
		env.Signals = map[string]any{}
	}
	if env.EvidenceRefs == nil {
		env.EvidenceRefs = []string{}
	}
	if env.DataGaps == nil {
		env.DataGaps = []string{}
	}
	return env
}

// EvidenceRef formats the opaque id linking a claim back to a source record,
// e.g. "e:permits-003".
func EvidenceRef(source string, n int) string {
	return fmt.Sprintf("e:%s-%03d", source, n)
}

// Float reads a numeric signal, tolerating the JSON number types that survive
// a decode round trip. Missing or non-numeric values return the fallback.
func Float(signals map[string]any, key string, fallback float64) float64 {
	v, ok := signals[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return fallback
	}
}

func String(signals map[string]any, key, fallback string) string {
	if s, ok := signals[key].(string); ok {
		return s
	}
	return fallback
}

// Float reads a numeric signal from the envelope, defaulting to 0.
func (e Envelope) Float(key string) float64 {
	return Float(e.Signals, key, 0)
}

// String reads a string signal from the envelope, defaulting to "".
func (e Envelope) String(key string) string {
	return String(e.Signals, key, "")
}

// ComputeTrend compares a recent window count against the prior window count
// and reports "up", "down" or "stable", with a 10% band around parity counted
// as stable.
func ComputeTrend(recent, prior float64) string {
	if prior == 0 {
		if recent > 0 {
			return "up"
		}
		return "stable"
	}
	ratio := recent / prior
	switch {
	case ratio > 1.1:
		return "up"
	case ratio < 0.9:
		return "down"
	default:
		return "stable"
	}
}
