// Package tokens reconstructs provider-agnostic context-window accounting.
// Providers report raw token counts in incompatible shapes; the normalizer
// folds them into frozen per-turn records and a running session window.
package tokens

import (
	"time"

	"loom/pkg/logger"
)

// Calculation methods.
const (
	MethodAnthropicCacheAware = "anthropic_cache_aware"
	MethodDirect              = "direct"
)

// ProviderAnthropic is the provider whose input accounting splits across
// cache buckets.
const ProviderAnthropic = "anthropic"

// Source is the provider's raw usage for one turn.
type Source struct {
	Provider             string    `json:"provider"`
	RawInputTokens       int       `json:"rawInputTokens"`
	RawOutputTokens      int       `json:"rawOutputTokens"`
	RawCacheReadTokens   int       `json:"rawCacheReadTokens"`
	RawCacheCreateTokens int       `json:"rawCacheCreationTokens"`
	Timestamp            time.Time `json:"timestamp"`
}

// Computed is the normalized accounting derived from a Source.
type Computed struct {
	ContextWindowTokens     int    `json:"contextWindowTokens"`
	NewInputTokens          int    `json:"newInputTokens"`
	PreviousContextBaseline int    `json:"previousContextBaseline"`
	CalculationMethod       string `json:"calculationMethod"`
}

// Meta locates a record.
type Meta struct {
	Turn         int       `json:"turn"`
	SessionID    string    `json:"sessionId"`
	ExtractedAt  time.Time `json:"extractedAt"`
	NormalizedAt time.Time `json:"normalizedAt"`
}

// Record is one turn's accounting. Frozen after creation.
type Record struct {
	Source   Source   `json:"source"`
	Computed Computed `json:"computed"`
	Meta     Meta     `json:"meta"`
}

// Normalize derives the context-window size and the new-input delta for one
// turn.
//
// Anthropic reports input split across three mutually exclusive buckets, so
// the live window is their sum. Everyone else reports the full window as
// input directly.
//
// newInputTokens: first turn (baseline 0) counts the whole window; a window
// smaller than the baseline means the context shrank (compaction, clear) and
// contributes nothing new; otherwise the growth is the delta.
func Normalize(source Source, previousBaseline int, meta Meta) Record {
	var window int
	var method string
	if source.Provider == ProviderAnthropic {
		window = source.RawInputTokens + source.RawCacheReadTokens + source.RawCacheCreateTokens
		method = MethodAnthropicCacheAware
	} else {
		window = source.RawInputTokens
		method = MethodDirect
	}

	var newInput int
	switch {
	case previousBaseline == 0:
		newInput = window
	case window < previousBaseline:
		logger.Debug().
			Str("session_id", meta.SessionID).
			Int("window", window).
			Int("baseline", previousBaseline).
			Msg("context window shrank; counting zero new input")
		newInput = 0
	default:
		newInput = window - previousBaseline
	}

	meta.NormalizedAt = time.Now().UTC()
	if meta.ExtractedAt.IsZero() {
		meta.ExtractedAt = source.Timestamp
	}

	return Record{
		Source: source,
		Computed: Computed{
			ContextWindowTokens:     window,
			NewInputTokens:          newInput,
			PreviousContextBaseline: previousBaseline,
			CalculationMethod:       method,
		},
		Meta: meta,
	}
}
