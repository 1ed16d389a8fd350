package entitlement

import (
	"context"

	"github.com/knadh/koanf/v2"
)

// Config reports the entitlement flag as it is currently configured.
type Config struct {
	k   *koanf.Koanf
	key string
}

func New(k *koanf.Koanf, key string) *Config {
	return &Config{k: k, key: key}
}

func (c *Config) Entitled(_ context.Context) bool {
	return c.k.Bool(c.key)
}
