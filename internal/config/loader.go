package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, an optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if DUOLOGUE_CONFIG is set
//  3. env (prefix DUOLOGUE_)
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("DUOLOGUE_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Environment variables: DUOLOGUE_REDIS_ADDR, DUOLOGUE_IDLE_TIMEOUT_S, ...
	// Keys are flat and keep their underscores to match the koanf tags.
	envProvider := env.Provider("DUOLOGUE_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "duologue_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if cfg.RedisAddr == "" {
		return nil, errors.New("redis_addr must not be empty")
	}
	if cfg.RatingMin >= cfg.RatingMax {
		return nil, errors.New("rating_min must be below rating_max")
	}
	if cfg.MatchMaxAttempts <= 0 {
		return nil, errors.New("match_max_attempts must be positive")
	}
	return &cfg, nil
}
