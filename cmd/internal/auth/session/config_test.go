package session

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("auth.signingkey", testSigningKeyHex())

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionTTL != 24*time.Hour || cfg.RememberMeTTL != 30*24*time.Hour {
		t.Fatalf("lifetimes: %v / %v", cfg.SessionTTL, cfg.RememberMeTTL)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("access ttl: %v", cfg.AccessTokenTTL)
	}
	if cfg.AccessTokenFormat != FormatJWT {
		t.Fatalf("format: %q", cfg.AccessTokenFormat)
	}
	if cfg.ReuseRevokesAll {
		t.Fatalf("reuse must default to session-scoped revocation")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("auth.signingkey", testSigningKeyHex())
	v.Set("auth.accesstokenformat", "PASETO")
	v.Set("auth.accesstokenttl", "5m")
	v.Set("session.ttl", "12h")
	v.Set("session.remembermettl", "168h")
	v.Set("auth.reuserevokesall", true)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTokenFormat != FormatPaseto || cfg.AccessTokenTTL != 5*time.Minute {
		t.Fatalf("unexpected token settings: %+v", cfg)
	}
	if cfg.SessionTTL != 12*time.Hour || cfg.RememberMeTTL != 168*time.Hour || !cfg.ReuseRevokesAll {
		t.Fatalf("unexpected session settings: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"missing signing key":     {},
		"short signing key":       {"auth.signingkey": "abcd"},
		"unknown format":          {"auth.signingkey": testSigningKeyHex(), "auth.accesstokenformat": "saml"},
		"remember shorter":        {"auth.signingkey": testSigningKeyHex(), "session.remembermettl": "1h"},
		"negative access ttl":     {"auth.signingkey": testSigningKeyHex(), "auth.accesstokenttl": "-5m"},
		"small refresh entropy":   {"auth.signingkey": testSigningKeyHex(), "auth.refreshtokenbytes": 16},
		"access outlives session": {"auth.signingkey": testSigningKeyHex(), "auth.accesstokenttl": "48h"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			for k, val := range values {
				v.Set(k, val)
			}
			if _, err := Load(v); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}
