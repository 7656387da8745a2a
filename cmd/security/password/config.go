package password

import (
	"fmt"
	"math"
	"runtime"

	"github.com/spf13/viper"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the production baseline.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// SetDefaults registers the password keys on v.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("password.minlength", def.Policy.MinLength)
	v.SetDefault("password.maxlength", def.Policy.MaxLength)
	v.SetDefault("password.rejectveryweak", def.Policy.RejectVeryWeak)
	v.SetDefault("password.argon2.memorykib", def.Params.MemoryKiB)
	v.SetDefault("password.argon2.iterations", def.Params.Iterations)
	v.SetDefault("password.argon2.parallelism", def.Params.Parallelism)
	v.SetDefault("password.argon2.saltlength", def.Params.SaltLength)
	v.SetDefault("password.argon2.keylength", def.Params.KeyLength)
}

type bound struct {
	key      string
	min, max int
}

var bounds = []bound{
	{key: "password.minlength", min: 1, max: 1024},
	{key: "password.maxlength", min: 1, max: 4096},
	{key: "password.argon2.memorykib", min: 8 * 1024, max: 1024 * 1024},
	{key: "password.argon2.iterations", min: 1, max: 20},
	{key: "password.argon2.parallelism", min: 1, max: math.MaxUint8},
	{key: "password.argon2.saltlength", min: 8, max: 64},
	{key: "password.argon2.keylength", min: 16, max: 64},
}

// Load reads the password settings from v. Unset keys keep DefaultConfig values.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	for _, b := range bounds {
		n := v.GetInt(b.key)
		if n < b.min || n > b.max {
			return Config{}, fmt.Errorf("%s: out of range [%d..%d]", b.key, b.min, b.max)
		}
	}

	cfg := Config{
		Params: Argon2idParams{
			MemoryKiB:   v.GetUint32("password.argon2.memorykib"),
			Iterations:  v.GetUint32("password.argon2.iterations"),
			Parallelism: uint8(v.GetUint32("password.argon2.parallelism")), // #nosec G115 -- bounded above.
			SaltLength:  v.GetUint32("password.argon2.saltlength"),
			KeyLength:   v.GetUint32("password.argon2.keylength"),
		},
		Policy: Policy{
			MinLength:      v.GetInt("password.minlength"),
			MaxLength:      v.GetInt("password.maxlength"),
			RejectVeryWeak: v.GetBool("password.rejectveryweak"),
		},
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}
	return cfg, nil
}
