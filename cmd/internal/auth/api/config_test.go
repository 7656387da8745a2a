package api

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.ClientID != "avancira-bff" {
		t.Fatalf("ClientID=%q", cfg.ClientID)
	}
	if cfg.CodeTTL != 60*time.Second {
		t.Fatalf("CodeTTL=%v", cfg.CodeTTL)
	}
	if !cfg.redirectAllowed("http://localhost:8081/bff/callback") {
		t.Fatalf("default redirect uri not allowed")
	}
	if cfg.redirectAllowed("http://localhost:8081/bff/callback/") {
		t.Fatalf("redirect uris must match exactly")
	}
}

func TestLoad_CommaSeparatedRedirects(t *testing.T) {
	t.Parallel()

	v := viper.New()
	SetDefaults(v)
	v.Set("auth.redirecturis", "https://a.example/cb, https://b.example/cb")
	v.Set("auth.codettl", time.Hour)
	v.Set("api.maxbodybytes", -1)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.RedirectURIs) != 2 || cfg.RedirectURIs[1] != "https://b.example/cb" {
		t.Fatalf("RedirectURIs=%v", cfg.RedirectURIs)
	}
	if cfg.CodeTTL != 60*time.Second {
		t.Fatalf("CodeTTL not clamped: %v", cfg.CodeTTL)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes not clamped: %d", cfg.MaxBodyBytes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"empty client", "auth.clientid", " "},
		{"relative redirect", "auth.redirecturis", "/bff/callback"},
		{"fragment redirect", "auth.redirecturis", "https://a.example/cb#x"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.val)
			if _, err := Load(v); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
