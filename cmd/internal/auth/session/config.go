package session

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Access token formats.
const (
	FormatJWT    = "jwt"
	FormatPaseto = "paseto"
)

// Config defines all runtime configuration for the session subsystem.
type Config struct {
	// Issuer is the "iss" claim of access tokens.
	Issuer string
	// Audience is the "aud" claim of JWT access tokens.
	Audience string

	AccessTokenFormat string
	AccessTokenTTL    time.Duration

	// SessionTTL and RememberMeTTL are absolute session lifetimes.
	SessionTTL    time.Duration
	RememberMeTTL time.Duration

	// ClockSkew is the tolerance applied when validating access tokens.
	ClockSkew time.Duration

	// RefreshTokenBytes is the entropy of the refresh secret.
	RefreshTokenBytes int

	// RefreshPepper keys the refresh hash. Required when RequirePepper is set.
	RefreshPepper string
	RequirePepper bool

	// ReuseGrace is how long a freshly rotated token is treated as a lost
	// race rather than theft.
	ReuseGrace time.Duration
	// ReuseRevokesAll extends reuse revocation to every session of the user.
	ReuseRevokesAll bool

	// SigningKeyHex is a hex Ed25519 seed (32 bytes) used by both token formats.
	SigningKeyHex string

	SweepInterval time.Duration
	SweepBatch    int
}

// DefaultConfig returns defaults suitable for development. SigningKeyHex is left empty.
func DefaultConfig() Config {
	return Config{
		Issuer:            "avancira",
		Audience:          "avancira-api",
		AccessTokenFormat: FormatJWT,
		AccessTokenTTL:    15 * time.Minute,
		SessionTTL:        24 * time.Hour,
		RememberMeTTL:     30 * 24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
		ReuseGrace:        10 * time.Second,
		SweepInterval:     5 * time.Minute,
		SweepBatch:        500,
	}
}

// SetDefaults registers the session keys on v.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("auth.issuer", def.Issuer)
	v.SetDefault("auth.audience", def.Audience)
	v.SetDefault("auth.accesstokenformat", def.AccessTokenFormat)
	v.SetDefault("auth.accesstokenttl", def.AccessTokenTTL)
	v.SetDefault("auth.clockskew", def.ClockSkew)
	v.SetDefault("auth.refreshtokenbytes", def.RefreshTokenBytes)
	v.SetDefault("auth.refreshpepper", "")
	v.SetDefault("auth.requirepepper", false)
	v.SetDefault("auth.reusegrace", def.ReuseGrace)
	v.SetDefault("auth.reuserevokesall", false)
	v.SetDefault("auth.signingkey", "")
	v.SetDefault("session.ttl", def.SessionTTL)
	v.SetDefault("session.remembermettl", def.RememberMeTTL)
	v.SetDefault("session.sweepinterval", def.SweepInterval)
	v.SetDefault("session.sweepbatch", def.SweepBatch)
}

// Load reads session configuration from v.
//
// auth.signingkey is required. Durations use Go syntax ("15m", "720h").
// Every validation failure wraps ErrConfig.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	cfg := Config{
		Issuer:            strings.TrimSpace(v.GetString("auth.issuer")),
		Audience:          strings.TrimSpace(v.GetString("auth.audience")),
		AccessTokenFormat: strings.ToLower(strings.TrimSpace(v.GetString("auth.accesstokenformat"))),
		AccessTokenTTL:    v.GetDuration("auth.accesstokenttl"),
		SessionTTL:        v.GetDuration("session.ttl"),
		RememberMeTTL:     v.GetDuration("session.remembermettl"),
		ClockSkew:         v.GetDuration("auth.clockskew"),
		RefreshTokenBytes: v.GetInt("auth.refreshtokenbytes"),
		RefreshPepper:     v.GetString("auth.refreshpepper"),
		RequirePepper:     v.GetBool("auth.requirepepper"),
		ReuseGrace:        v.GetDuration("auth.reusegrace"),
		ReuseRevokesAll:   v.GetBool("auth.reuserevokesall"),
		SigningKeyHex:     strings.TrimSpace(v.GetString("auth.signingkey")),
		SweepInterval:     v.GetDuration("session.sweepinterval"),
		SweepBatch:        v.GetInt("session.sweepbatch"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants between fields.
func (c Config) Validate() error {
	switch {
	case c.Issuer == "":
		return fmt.Errorf("%w: auth.issuer is empty", ErrConfig)
	case c.AccessTokenFormat != FormatJWT && c.AccessTokenFormat != FormatPaseto:
		return fmt.Errorf("%w: auth.accesstokenformat %q", ErrConfig, c.AccessTokenFormat)
	case c.AccessTokenTTL <= 0:
		return fmt.Errorf("%w: auth.accesstokenttl must be positive", ErrConfig)
	case c.SessionTTL <= 0 || c.RememberMeTTL <= 0:
		return fmt.Errorf("%w: session lifetimes must be positive", ErrConfig)
	case c.RememberMeTTL < c.SessionTTL:
		return fmt.Errorf("%w: session.remembermettl shorter than session.ttl", ErrConfig)
	case c.AccessTokenTTL > c.SessionTTL:
		return fmt.Errorf("%w: access tokens must not outlive sessions", ErrConfig)
	case c.ClockSkew < 0 || c.ReuseGrace < 0:
		return fmt.Errorf("%w: negative skew or grace", ErrConfig)
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return fmt.Errorf("%w: auth.refreshtokenbytes out of range [32..64]", ErrConfig)
	case c.SweepInterval <= 0 || c.SweepBatch <= 0:
		return fmt.Errorf("%w: sweeper settings must be positive", ErrConfig)
	}
	seed, err := hex.DecodeString(c.SigningKeyHex)
	if err != nil || len(seed) != 32 {
		return fmt.Errorf("%w: auth.signingkey must be 64 hex chars", ErrConfig)
	}
	return nil
}

// lifetime returns the absolute session lifetime for the remember-me choice.
func (c Config) lifetime(rememberMe bool) time.Duration {
	if rememberMe {
		return c.RememberMeTTL
	}
	return c.SessionTTL
}
