package provider

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(NewScripted("alpha", ModelInfo{ID: "alpha-1", ContextWindow: 1000}))
	r.Register(NewScripted("beta", ModelInfo{ID: "beta-1", ContextWindow: 2000}))

	t.Run("existing provider", func(t *testing.T) {
		got, err := r.Get("alpha")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Name() != "alpha" {
			t.Errorf("Name() = %s, want alpha", got.Name())
		}
	})

	t.Run("missing provider", func(t *testing.T) {
		_, err := r.Get("nonexistent")
		if !errors.Is(err, ErrProviderNotFound) {
			t.Errorf("Get() error = %v, want ErrProviderNotFound", err)
		}
	})

	t.Run("first registered is default", func(t *testing.T) {
		def, err := r.Default()
		if err != nil {
			t.Fatalf("Default() error = %v", err)
		}
		if def.Name() != "alpha" {
			t.Errorf("Default() = %s, want alpha", def.Name())
		}
	})

	t.Run("set default", func(t *testing.T) {
		if err := r.SetDefault("beta"); err != nil {
			t.Fatalf("SetDefault() error = %v", err)
		}
		def, _ := r.Default()
		if def.Name() != "beta" {
			t.Errorf("Default() = %s, want beta", def.Name())
		}
		if err := r.SetDefault("nope"); !errors.Is(err, ErrProviderNotFound) {
			t.Errorf("SetDefault(nope) error = %v, want ErrProviderNotFound", err)
		}
	})
}

func TestRegistryResolveModel(t *testing.T) {
	r := NewRegistry()
	r.Register(NewScripted("alpha", ModelInfo{ID: "alpha-1", ContextWindow: 1000}))
	r.Register(NewScripted("beta",
		ModelInfo{ID: "beta-1", ContextWindow: 2000},
		ModelInfo{ID: "beta-2", ContextWindow: 4000},
	))

	p, m, err := r.ResolveModel("beta-2")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if p.Name() != "beta" {
		t.Errorf("provider = %s, want beta", p.Name())
	}
	if m.ContextWindow != 4000 {
		t.Errorf("ContextWindow = %d, want 4000", m.ContextWindow)
	}
	if m.Provider != "beta" {
		t.Errorf("ModelInfo.Provider = %s, want beta", m.Provider)
	}

	if _, _, err := r.ResolveModel("gamma-1"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("ResolveModel(gamma-1) error = %v, want ErrModelNotFound", err)
	}
}

func TestRegistryModels(t *testing.T) {
	r := NewRegistry()
	r.Register(NewScripted("beta", ModelInfo{ID: "beta-1"}))
	r.Register(NewScripted("alpha", ModelInfo{ID: "alpha-2"}, ModelInfo{ID: "alpha-1"}))

	models := r.Models()
	if len(models) != 3 {
		t.Fatalf("Models() len = %d, want 3", len(models))
	}
	want := []string{"alpha-1", "alpha-2", "beta-1"}
	for i, id := range want {
		if models[i].ID != id {
			t.Errorf("models[%d].ID = %s, want %s", i, models[i].ID, id)
		}
	}
}

func TestErrorRetryability(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeRateLimited, true},
		{ErrCodeServiceUnavailable, true},
		{ErrCodeNetworkError, true},
		{ErrCodeTimeout, true},
		{ErrCodeAuthFailed, false},
		{ErrCodeInvalidRequest, false},
		{ErrCodeContextExceeded, false},
	}
	for _, tt := range tests {
		err := NewError("test", tt.code, "boom")
		if got := IsRetryable(err); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}

	if IsRetryable(context.Canceled) {
		t.Error("IsRetryable(context.Canceled) = true, want false")
	}
}
