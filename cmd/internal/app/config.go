package app

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-level configuration shared by `serve` and `bff`.
// Component configs (session, api, bff, hubs) are loaded by their packages
// from the same viper instance.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	// WriteTimeout of zero leaves hub websockets without a write deadline.
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// ReadinessRequireDB makes /readyz fail unless the database is configured.
	ReadinessRequireDB bool

	// RedisURL enables the shared session cache, token store and hub registry.
	RedisURL string
	// NATSURL enables cluster-wide session events.
	NATSURL string

	CacheTTL            time.Duration
	CacheStaleThreshold time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	OTelEndpoint    string
	OTelServiceName string

	// SweepOnStart runs one cleanup pass before serving.
	SweepOnStart bool
}

// SetDefaults registers process defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.readheadertimeout", 5*time.Second)
	v.SetDefault("http.readtimeout", 15*time.Second)
	v.SetDefault("http.writetimeout", time.Duration(0))
	v.SetDefault("http.idletimeout", 60*time.Second)
	v.SetDefault("http.maxheaderbytes", 1<<20)
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxconns", 10)
	v.SetDefault("database.minconns", 0)
	v.SetDefault("readiness.requiredb", false)
	v.SetDefault("redisconnection", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.stalethreshold", 5*time.Minute)
	v.SetDefault("cors.allowedorigins", "http://localhost:4200")
	v.SetDefault("cors.allowcredentials", true)
	v.SetDefault("cors.maxageseconds", 600)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.servicename", "avancira")
	v.SetDefault("session.sweeponstart", true)
}

// LoadConfig reads Config from v.
func LoadConfig(v *viper.Viper) Config {
	return Config{
		HTTPAddr:  strings.TrimSpace(v.GetString("http.addr")),
		LogLevel:  v.GetString("log.level"),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),

		ReadHeaderTimeout: v.GetDuration("http.readheadertimeout"),
		ReadTimeout:       v.GetDuration("http.readtimeout"),
		WriteTimeout:      v.GetDuration("http.writetimeout"),
		IdleTimeout:       v.GetDuration("http.idletimeout"),
		MaxHeaderBytes:    v.GetInt("http.maxheaderbytes"),

		DatabaseURL: strings.TrimSpace(v.GetString("database.url")),
		DBMaxConns:  v.GetInt32("database.maxconns"),
		DBMinConns:  v.GetInt32("database.minconns"),

		ReadinessRequireDB: v.GetBool("readiness.requiredb"),

		RedisURL: strings.TrimSpace(v.GetString("redisconnection")),
		NATSURL:  strings.TrimSpace(v.GetString("nats.url")),

		CacheTTL:            v.GetDuration("cache.ttl"),
		CacheStaleThreshold: v.GetDuration("cache.stalethreshold"),

		CORSAllowedOrigins:   splitCSV(v.GetString("cors.allowedorigins")),
		CORSAllowCredentials: v.GetBool("cors.allowcredentials"),
		CORSMaxAgeSeconds:    v.GetInt("cors.maxageseconds"),

		OTelEndpoint:    strings.TrimSpace(v.GetString("otel.endpoint")),
		OTelServiceName: v.GetString("otel.servicename"),

		SweepOnStart: v.GetBool("session.sweeponstart"),
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
