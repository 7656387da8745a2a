package bff

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CookieName != ".Avancira.Auth" || !cfg.CookieSecure {
		t.Fatalf("cookie defaults: %+v", cfg)
	}
	if cfg.CookieExpiration != 8*time.Hour || cfg.RefreshBefore != 30*time.Second {
		t.Fatalf("duration defaults: exp=%s refresh=%s", cfg.CookieExpiration, cfg.RefreshBefore)
	}
	if len(cfg.Scopes) != 1 || cfg.Scopes[0] != "api" {
		t.Fatalf("scopes=%v", cfg.Scopes)
	}
}

func TestLoad_TrimsAndClamps(t *testing.T) {
	t.Parallel()

	v := viper.New()
	SetDefaults(v)
	v.Set("auth.authority", " https://auth.example/ ")
	v.Set("cookie.expirationhours", 0)
	v.Set("bff.pendingttl", 0)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Authority != "https://auth.example" {
		t.Fatalf("authority=%q", cfg.Authority)
	}
	if cfg.CookieExpiration != 8*time.Hour || cfg.PendingTTL != 10*time.Minute {
		t.Fatalf("clamp failed: %+v", cfg)
	}
}

func TestLoad_RejectsRelativeURLs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key   string
		value string
	}{
		{"auth.authority", "/auth"},
		{"bff.apiupstream", "localhost:8080"},
		{"bff.frontendurl", ""},
		{"auth.clientid", ""},
		{"cookie.name", " "},
	}
	for _, tt := range tests {
		v := viper.New()
		SetDefaults(v)
		v.Set(tt.key, tt.value)
		if _, err := Load(v); err == nil {
			t.Fatalf("%s=%q: expected error", tt.key, tt.value)
		}
	}
}
