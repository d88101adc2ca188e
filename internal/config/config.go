package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/beaconctl/internal/deploy"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/logging"
	"github.com/pelletier/go-toml/v2"
)

// Config is the full beaconctl configuration.
type Config struct {
	Name        string           `toml:"name"`
	Database    string           `toml:"database"`
	Listen      string           `toml:"listen"`
	Token       string           `toml:"token"`
	CorsOrigins []string         `toml:"cors_origins"`
	LogLevel    string           `toml:"log_level"`
	Deployment  DeploymentConfig `toml:"deployment"`
}

type DeploymentConfig struct {
	BeaconOwner string        `toml:"beacon_owner"`
	Proxies     []ProxyConfig `toml:"proxies"`
}

type ProxyConfig struct {
	Value uint64 `toml:"value"`
	Owner string `toml:"owner"`
}

func Default() Config {
	return Config{
		Name:        "beaconctl",
		Database:    "beaconctl.db",
		Listen:      "127.0.0.1:9300",
		CorsOrigins: []string{"http://localhost:3000"},
		LogLevel:    "info",
	}
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("config missing name")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return fmt.Errorf("config missing database")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("config missing listen")
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok && strings.TrimSpace(cfg.LogLevel) != "" {
		return fmt.Errorf("config log_level unknown: %q", cfg.LogLevel)
	}
	for i, p := range cfg.Deployment.Proxies {
		if _, err := identity.Parse(p.Owner); err != nil {
			return fmt.Errorf("proxy[%d] invalid: %w", i, err)
		}
	}
	return nil
}

// Plan converts the deployment section into a deploy.Plan.
func (d DeploymentConfig) Plan() (deploy.Plan, error) {
	owner, err := identity.Parse(d.BeaconOwner)
	if err != nil {
		return deploy.Plan{}, fmt.Errorf("beacon_owner: %w", err)
	}
	plan := deploy.Plan{
		BeaconOwner: owner,
		Proxies:     make([]deploy.ProxySpec, 0, len(d.Proxies)),
	}
	for i, p := range d.Proxies {
		o, err := identity.Parse(p.Owner)
		if err != nil {
			return deploy.Plan{}, fmt.Errorf("proxy[%d] owner: %w", i, err)
		}
		plan.Proxies = append(plan.Proxies, deploy.ProxySpec{Value: p.Value, Owner: o})
	}
	return plan, plan.Validate()
}

// Manifest records the handles produced by one deployment.
type Manifest struct {
	Implementation string    `toml:"implementation"`
	Beacon         string    `toml:"beacon"`
	Proxies        []string  `toml:"proxies"`
	DeployedAt     time.Time `toml:"deployed_at"`
}

func NewManifest(dep deploy.Deployment, at time.Time) Manifest {
	m := Manifest{
		Implementation: string(dep.Implementation),
		Beacon:         string(dep.Beacon),
		Proxies:        make([]string, 0, len(dep.Proxies)),
		DeployedAt:     at.UTC(),
	}
	for _, p := range dep.Proxies {
		m.Proxies = append(m.Proxies, string(p))
	}
	return m
}

// Deployment converts the manifest back into typed handles.
func (m Manifest) Deployment() (deploy.Deployment, error) {
	impl, err := identity.Parse(m.Implementation)
	if err != nil {
		return deploy.Deployment{}, err
	}
	b, err := identity.Parse(m.Beacon)
	if err != nil {
		return deploy.Deployment{}, err
	}
	out := deploy.Deployment{Implementation: impl, Beacon: b}
	for _, raw := range m.Proxies {
		p, err := identity.Parse(raw)
		if err != nil {
			return deploy.Deployment{}, err
		}
		out.Proxies = append(out.Proxies, p)
	}
	return out, nil
}

func WriteManifest(path string, m Manifest) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest encode failed: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest parse failed (%s): %w", path, err)
	}
	return m, nil
}
