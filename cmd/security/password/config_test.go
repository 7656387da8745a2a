package password

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	def := DefaultConfig()
	if cfg.Policy != def.Policy {
		t.Fatalf("policy mismatch: %+v want %+v", cfg.Policy, def.Policy)
	}
	if cfg.Params != def.Params {
		t.Fatalf("params mismatch: %+v want %+v", cfg.Params, def.Params)
	}
}

func TestLoad_Override(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("password.minlength", 10)
	v.Set("password.maxlength", 200)
	v.Set("password.rejectveryweak", false)
	v.Set("password.argon2.memorykib", 32768)
	v.Set("password.argon2.iterations", 4)
	v.Set("password.argon2.parallelism", 2)
	v.Set("password.argon2.saltlength", 24)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Policy.MinLength != 10 || cfg.Policy.MaxLength != 200 || cfg.Policy.RejectVeryWeak {
		t.Fatalf("policy override failed: %+v", cfg.Policy)
	}
	if cfg.Params.MemoryKiB != 32768 || cfg.Params.Iterations != 4 || cfg.Params.Parallelism != 2 {
		t.Fatalf("argon2 override failed: %+v", cfg.Params)
	}
	if cfg.Params.SaltLength != 24 || cfg.Params.KeyLength != 32 {
		t.Fatalf("len override failed: %+v", cfg.Params)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"min above max": {"password.minlength": 20, "password.maxlength": 10},
		"tiny memory":   {"password.argon2.memorykib": 1024},
		"zero iter":     {"password.argon2.iterations": 0},
		"huge salt":     {"password.argon2.saltlength": 512},
	}

	for name, kv := range cases {
		kv := kv
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			for k, val := range kv {
				v.Set(k, val)
			}
			if _, err := Load(v); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
