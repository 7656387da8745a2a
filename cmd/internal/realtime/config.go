package realtime

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
)

// Config holds the hub endpoint limits and origin policy.
type Config struct {
	// DevInsecure disables the websocket library's origin verification.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	RegistryTTL time.Duration
}

// SetDefaults registers hub defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("hubs.devinsecure", false)
	v.SetDefault("hubs.originrequired", true)
	v.SetDefault("hubs.allowedorigins", "http://localhost:4200,http://127.0.0.1:4200")
	v.SetDefault("hubs.writetimeout", wsDefaultWriteTimeout)
	v.SetDefault("hubs.readidletimeout", wsDefaultReadIdle)
	v.SetDefault("hubs.sendqueue", wsDefaultSendQueueSize)
	v.SetDefault("hubs.heartbeatinterval", heartbeatInterval)
	v.SetDefault("hubs.heartbeattimeout", heartbeatTimeout)
	v.SetDefault("hubs.rateevents", rateLimitEvents)
	v.SetDefault("hubs.ratewindow", rateLimitWindow)
	v.SetDefault("hubs.registryttl", defaultRegistryTTL)
}

// Load reads Config from v, replacing invalid values with defaults.
func Load(v *viper.Viper) Config {
	cfg := Config{
		DevInsecure:       v.GetBool("hubs.devinsecure"),
		OriginRequired:    v.GetBool("hubs.originrequired"),
		AllowedOrigins:    splitCSV(v.GetString("hubs.allowedorigins")),
		WriteTimeout:      v.GetDuration("hubs.writetimeout"),
		ReadIdleTimeout:   v.GetDuration("hubs.readidletimeout"),
		SendQueueSize:     v.GetInt("hubs.sendqueue"),
		HeartbeatInterval: v.GetDuration("hubs.heartbeatinterval"),
		HeartbeatTimeout:  v.GetDuration("hubs.heartbeattimeout"),
		RateEvents:        v.GetInt("hubs.rateevents"),
		RateWindow:        v.GetDuration("hubs.ratewindow"),
		RegistryTTL:       v.GetDuration("hubs.registryttl"),
	}
	return cfg.withDefaults()
}

// DefaultConfig is the configuration used when nothing is set.
func DefaultConfig() Config {
	v := viper.New()
	SetDefaults(v)
	return Load(v)
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = defaultRegistryTTL
	}
	return c
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
