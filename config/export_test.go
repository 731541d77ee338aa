package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(ctx context.Context, path string, env map[string]string) (Config, error) {
	return load(ctx, path, envconfig.MapLookuper(env))
}
