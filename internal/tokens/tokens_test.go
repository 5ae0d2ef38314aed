package tokens

import (
	"testing"
	"time"
)

func TestNormalize_AnthropicCacheAware(t *testing.T) {
	src := Source{
		Provider:             "anthropic",
		RawInputTokens:       604,
		RawOutputTokens:      120,
		RawCacheReadTokens:   8266,
		RawCacheCreateTokens: 0,
	}
	rec := Normalize(src, 8500, Meta{Turn: 2, SessionID: "s1"})

	if rec.Computed.CalculationMethod != MethodAnthropicCacheAware {
		t.Fatalf("method = %q", rec.Computed.CalculationMethod)
	}
	if rec.Computed.ContextWindowTokens != 8870 {
		t.Fatalf("contextWindow = %d, want 8870", rec.Computed.ContextWindowTokens)
	}
	if rec.Computed.NewInputTokens != 370 {
		t.Fatalf("newInput = %d, want 370", rec.Computed.NewInputTokens)
	}
	if rec.Computed.PreviousContextBaseline != 8500 {
		t.Fatalf("baseline = %d, want 8500", rec.Computed.PreviousContextBaseline)
	}
}

func TestNormalize_DirectProvider(t *testing.T) {
	src := Source{
		Provider:           "openai",
		RawInputTokens:     5000,
		RawOutputTokens:    80,
		RawCacheReadTokens: 9999, // ignored outside anthropic accounting
	}
	rec := Normalize(src, 0, Meta{Turn: 1, SessionID: "s1"})

	if rec.Computed.CalculationMethod != MethodDirect {
		t.Fatalf("method = %q", rec.Computed.CalculationMethod)
	}
	if rec.Computed.ContextWindowTokens != 5000 {
		t.Fatalf("contextWindow = %d, want 5000", rec.Computed.ContextWindowTokens)
	}
	// Baseline zero: the whole window counts as new.
	if rec.Computed.NewInputTokens != 5000 {
		t.Fatalf("newInput = %d, want 5000", rec.Computed.NewInputTokens)
	}
}

func TestNormalize_ShrinkCountsZero(t *testing.T) {
	src := Source{Provider: "anthropic", RawInputTokens: 1200}
	rec := Normalize(src, 9000, Meta{Turn: 5, SessionID: "s1"})

	if rec.Computed.NewInputTokens != 0 {
		t.Fatalf("newInput = %d, want 0 on shrink", rec.Computed.NewInputTokens)
	}
	if rec.Computed.ContextWindowTokens != 1200 {
		t.Fatalf("contextWindow = %d, want 1200", rec.Computed.ContextWindowTokens)
	}
}

func TestNormalize_ShrinkExactlyWhenBelowBaseline(t *testing.T) {
	cases := []struct {
		name     string
		window   int
		baseline int
		want     int
	}{
		{"equal window is zero delta", 500, 500, 0},
		{"one below is shrink", 499, 500, 0},
		{"one above is delta", 501, 500, 1},
		{"zero baseline counts all", 500, 0, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Normalize(Source{Provider: "openai", RawInputTokens: tc.window}, tc.baseline, Meta{})
			if rec.Computed.NewInputTokens != tc.want {
				t.Fatalf("newInput = %d, want %d", rec.Computed.NewInputTokens, tc.want)
			}
		})
	}
}

func TestState_BaselineAdvances(t *testing.T) {
	s := NewState("s1", 200000)

	r1 := s.Observe(Source{Provider: "anthropic", RawInputTokens: 8500})
	if r1.Computed.NewInputTokens != 8500 {
		t.Fatalf("turn 1 newInput = %d", r1.Computed.NewInputTokens)
	}
	if s.Baseline() != 8500 {
		t.Fatalf("baseline = %d after turn 1", s.Baseline())
	}

	r2 := s.Observe(Source{Provider: "anthropic", RawInputTokens: 604, RawCacheReadTokens: 8266})
	if r2.Computed.ContextWindowTokens != 8870 || r2.Computed.NewInputTokens != 370 {
		t.Fatalf("turn 2 = %+v", r2.Computed)
	}
	if r2.Meta.Turn != 2 {
		t.Fatalf("turn = %d, want 2", r2.Meta.Turn)
	}
}

func TestState_ProviderSwitchResetsBaseline(t *testing.T) {
	s := NewState("s1", 200000)
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 9000})
	if s.Baseline() != 9000 {
		t.Fatalf("baseline = %d", s.Baseline())
	}

	s.SetProvider("openai")
	if s.Baseline() != 0 {
		t.Fatalf("baseline = %d after provider switch, want 0", s.Baseline())
	}

	// Next turn counts its whole window as new input.
	rec := s.Observe(Source{Provider: "openai", RawInputTokens: 7000})
	if rec.Computed.NewInputTokens != 7000 {
		t.Fatalf("newInput = %d, want 7000", rec.Computed.NewInputTokens)
	}
}

func TestState_ObserveDetectsProviderChange(t *testing.T) {
	s := NewState("s1", 200000)
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 9000})

	// Provider change arriving with the usage itself, not via SetProvider.
	rec := s.Observe(Source{Provider: "openai", RawInputTokens: 3000})
	if rec.Computed.PreviousContextBaseline != 0 {
		t.Fatalf("baseline = %d, want reset to 0", rec.Computed.PreviousContextBaseline)
	}
	if rec.Computed.NewInputTokens != 3000 {
		t.Fatalf("newInput = %d", rec.Computed.NewInputTokens)
	}
}

func TestState_TotalsOnlyGrow(t *testing.T) {
	s := NewState("s1", 200000)
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 8000, RawOutputTokens: 100})
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 400, RawCacheReadTokens: 8000, RawOutputTokens: 50})
	// Shrink turn: window below baseline.
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 1000, RawOutputTokens: 25})

	in, out := s.Totals()
	if in != 8000+400 {
		t.Fatalf("totalInput = %d, want %d", in, 8400)
	}
	if out != 175 {
		t.Fatalf("totalOutput = %d, want 175", out)
	}
}

func TestState_ResetBaseline(t *testing.T) {
	s := NewState("s1", 200000)
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 8000})
	s.ResetBaseline()

	rec := s.Observe(Source{Provider: "anthropic", RawInputTokens: 2000})
	if rec.Computed.NewInputTokens != 2000 {
		t.Fatalf("newInput = %d after reset, want 2000", rec.Computed.NewInputTokens)
	}
}

func TestWindow_Clamping(t *testing.T) {
	s := NewState("s1", 1000)
	s.Observe(Source{Provider: "openai", RawInputTokens: 1500})

	w := s.Window()
	if w.CurrentSize != 1500 {
		t.Fatalf("currentSize = %d", w.CurrentSize)
	}
	if w.PercentUsed != 100 {
		t.Fatalf("percentUsed = %v, want capped at 100", w.PercentUsed)
	}
	if w.TokensRemaining != 0 {
		t.Fatalf("tokensRemaining = %d, want floored at 0", w.TokensRemaining)
	}
}

func TestWindow_Normal(t *testing.T) {
	s := NewState("s1", 200000)
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 50000})

	w := s.Window()
	if w.PercentUsed != 25 {
		t.Fatalf("percentUsed = %v, want 25", w.PercentUsed)
	}
	if w.TokensRemaining != 150000 {
		t.Fatalf("tokensRemaining = %d", w.TokensRemaining)
	}
}

func TestState_HistoryIsFrozen(t *testing.T) {
	s := NewState("s1", 200000)
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 100, Timestamp: time.Now()})
	s.Observe(Source{Provider: "anthropic", RawInputTokens: 50, RawCacheReadTokens: 100})

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("history len = %d", len(hist))
	}
	// Records keep the baseline they were computed against.
	if hist[0].Computed.PreviousContextBaseline != 0 {
		t.Fatalf("turn 1 baseline = %d", hist[0].Computed.PreviousContextBaseline)
	}
	if hist[1].Computed.PreviousContextBaseline != 100 {
		t.Fatalf("turn 2 baseline = %d", hist[1].Computed.PreviousContextBaseline)
	}

	// Mutating the copy does not touch the state.
	hist[0].Computed.NewInputTokens = -1
	if got, _ := s.LastRecord(); got.Computed.NewInputTokens == -1 {
		t.Fatal("history copy aliases internal state")
	}
}
