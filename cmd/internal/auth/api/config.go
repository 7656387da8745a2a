package api

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-IP request budgets for credential endpoints, enforced by httprate.
	LoginPerMinute   int
	TokenPerMinute   int
	RefreshPerMinute int

	// Progressive lockout, counted from audit rows when a database is configured.
	LockoutWindow          time.Duration
	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration

	// OAuth client allowed to use /connect/*.
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	// LoginPageURL is the SPA page GET /connect/authorize forwards to.
	LoginPageURL string
	CodeTTL      time.Duration
	// PasswordGrant enables grant_type=password on /connect/token.
	PasswordGrant bool
}

// SetDefaults registers API defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.trustproxy", false)
	v.SetDefault("api.maxbodybytes", int64(1<<20))
	v.SetDefault("api.loginperminute", 20)
	v.SetDefault("api.tokenperminute", 30)
	v.SetDefault("api.refreshperminute", 60)
	v.SetDefault("api.lockout.window", 15*time.Minute)
	v.SetDefault("api.lockout.shortthreshold", 5)
	v.SetDefault("api.lockout.shortduration", 5*time.Minute)
	v.SetDefault("api.lockout.longthreshold", 10)
	v.SetDefault("api.lockout.longduration", 30*time.Minute)
	v.SetDefault("api.lockout.severethreshold", 20)
	v.SetDefault("api.lockout.severeduration", 2*time.Hour)
	v.SetDefault("auth.clientid", "avancira-bff")
	v.SetDefault("auth.clientsecret", "")
	v.SetDefault("auth.redirecturis", []string{"http://localhost:8081/bff/callback"})
	v.SetDefault("auth.loginpageurl", "http://localhost:4200/login")
	v.SetDefault("auth.codettl", 60*time.Second)
	v.SetDefault("auth.passwordgrant", true)
}

// Load reads Config from v. Call SetDefaults first.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		TrustProxy:             v.GetBool("api.trustproxy"),
		MaxBodyBytes:           v.GetInt64("api.maxbodybytes"),
		LoginPerMinute:         v.GetInt("api.loginperminute"),
		TokenPerMinute:         v.GetInt("api.tokenperminute"),
		RefreshPerMinute:       v.GetInt("api.refreshperminute"),
		LockoutWindow:          v.GetDuration("api.lockout.window"),
		LockoutShortThreshold:  v.GetInt("api.lockout.shortthreshold"),
		LockoutShortDuration:   v.GetDuration("api.lockout.shortduration"),
		LockoutLongThreshold:   v.GetInt("api.lockout.longthreshold"),
		LockoutLongDuration:    v.GetDuration("api.lockout.longduration"),
		LockoutSevereThreshold: v.GetInt("api.lockout.severethreshold"),
		LockoutSevereDuration:  v.GetDuration("api.lockout.severeduration"),
		ClientID:               strings.TrimSpace(v.GetString("auth.clientid")),
		ClientSecret:           v.GetString("auth.clientsecret"),
		RedirectURIs:           splitList(v.GetStringSlice("auth.redirecturis")),
		LoginPageURL:           strings.TrimSpace(v.GetString("auth.loginpageurl")),
		CodeTTL:                v.GetDuration("auth.codettl"),
		PasswordGrant:          v.GetBool("auth.passwordgrant"),
	}
	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the defaults without reading any source.
func DefaultConfig() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, _ := Load(v)
	return cfg
}

func (c *Config) clamp() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.CodeTTL <= 0 || c.CodeTTL > 10*time.Minute {
		c.CodeTTL = 60 * time.Second
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = 15 * time.Minute
	}
}

// Validate checks the OAuth client settings.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("auth.clientid is required")
	}
	for _, raw := range c.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Fragment != "" {
			return fmt.Errorf("auth.redirecturis: invalid uri %q", raw)
		}
	}
	return nil
}

func (c Config) redirectAllowed(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if uri == allowed {
			return true
		}
	}
	return false
}

// splitList accepts both real lists and a single comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
