package bff

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config controls the cookie gateway.
type Config struct {
	Addr string

	// Authority is the base URL of the auth server (/connect/*, /auth/*).
	Authority    string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RedirectURL is this gateway's /bff/callback as registered with the authority.
	RedirectURL string

	// APIUpstream receives proxied /api/* calls with the "/api" prefix removed.
	APIUpstream string
	// FrontendURL is the SPA origin that local return URLs are resolved against.
	FrontendURL string

	CookieName       string
	CookieExpiration time.Duration
	CookieSecure     bool
	CookieDomain     string

	// RefreshBefore triggers a refresh when the access token expires within it.
	RefreshBefore time.Duration
	// PendingTTL bounds how long a login may take between /bff/login and /bff/callback.
	PendingTTL time.Duration
}

// SetDefaults registers gateway defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bff.addr", ":8081")
	v.SetDefault("auth.authority", "http://localhost:8080")
	v.SetDefault("auth.clientid", "avancira-bff")
	v.SetDefault("auth.clientsecret", "")
	v.SetDefault("bff.scopes", []string{"api"})
	v.SetDefault("bff.redirecturl", "http://localhost:8081/bff/callback")
	v.SetDefault("bff.apiupstream", "http://localhost:8080")
	v.SetDefault("bff.frontendurl", "http://localhost:4200")
	v.SetDefault("cookie.name", ".Avancira.Auth")
	v.SetDefault("cookie.expirationhours", 8)
	v.SetDefault("cookie.secure", true)
	v.SetDefault("cookie.domain", "")
	v.SetDefault("bff.refreshbefore", 30*time.Second)
	v.SetDefault("bff.pendingttl", 10*time.Minute)
}

// Load reads Config from v. Call SetDefaults first.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:             v.GetString("bff.addr"),
		Authority:        strings.TrimRight(strings.TrimSpace(v.GetString("auth.authority")), "/"),
		ClientID:         strings.TrimSpace(v.GetString("auth.clientid")),
		ClientSecret:     v.GetString("auth.clientsecret"),
		Scopes:           v.GetStringSlice("bff.scopes"),
		RedirectURL:      strings.TrimSpace(v.GetString("bff.redirecturl")),
		APIUpstream:      strings.TrimRight(strings.TrimSpace(v.GetString("bff.apiupstream")), "/"),
		FrontendURL:      strings.TrimRight(strings.TrimSpace(v.GetString("bff.frontendurl")), "/"),
		CookieName:       strings.TrimSpace(v.GetString("cookie.name")),
		CookieExpiration: time.Duration(v.GetInt("cookie.expirationhours")) * time.Hour,
		CookieSecure:     v.GetBool("cookie.secure"),
		CookieDomain:     strings.TrimSpace(v.GetString("cookie.domain")),
		RefreshBefore:    v.GetDuration("bff.refreshbefore"),
		PendingTTL:       v.GetDuration("bff.pendingttl"),
	}
	if cfg.CookieExpiration <= 0 {
		cfg.CookieExpiration = 8 * time.Hour
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	if cfg.RefreshBefore < 0 {
		cfg.RefreshBefore = 30 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required URLs and names.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("bff: auth.clientid is required")
	}
	if c.CookieName == "" {
		return errors.New("bff: cookie.name is required")
	}
	for name, raw := range map[string]string{
		"auth.authority":  c.Authority,
		"bff.redirecturl": c.RedirectURL,
		"bff.apiupstream": c.APIUpstream,
		"bff.frontendurl": c.FrontendURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("bff: %s must be an absolute url, got %q", name, raw)
		}
	}
	return nil
}
