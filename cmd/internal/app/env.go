package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"avancira/cmd/internal/auth/api"
	"avancira/cmd/internal/auth/session"
	"avancira/cmd/internal/bff"
	"avancira/cmd/internal/realtime"
	"avancira/cmd/security/password"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key: auth.signingkey is read
// from AVANCIRA_AUTH_SIGNINGKEY.
const EnvPrefix = "AVANCIRA"

// NewViper returns a viper instance with every component default registered.
//
// Precedence: environment (after .env is loaded) over configFile over defaults.
// A missing .env is not an error; a missing configFile is.
func NewViper(configFile string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	session.SetDefaults(v)
	password.SetDefaults(v)
	api.SetDefaults(v)
	bff.SetDefaults(v)
	realtime.SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}
