package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/beaconctl/internal/config"
)

const envToken = "BEACONCTL_TOKEN"

type fileConfig struct {
	Name        string                  `toml:"name"`
	Database    string                  `toml:"database"`
	Listen      string                  `toml:"listen"`
	Token       string                  `toml:"token"`
	CorsOrigins []string                `toml:"cors_origins"`
	LogLevel    string                  `toml:"log_level"`
	Deployment  config.DeploymentConfig `toml:"deployment"`
}

// loadConfig overlays the keys present in path onto config.Default. A
// missing file yields the defaults.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		applyEnv(&cfg)
		return cfg, nil
	case err != nil:
		return config.Config{}, fmt.Errorf("load beaconctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config.Config{}, fmt.Errorf("load beaconctl config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("name") {
		if v := strings.TrimSpace(raw.Name); v != "" {
			cfg.Name = v
		}
	}
	if meta.IsDefined("database") {
		cfg.Database = strings.TrimSpace(raw.Database)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("deployment") {
		cfg.Deployment = raw.Deployment
	}
	applyEnv(&cfg)

	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config) {
	if v := strings.TrimSpace(os.Getenv(envToken)); v != "" {
		cfg.Token = v
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
