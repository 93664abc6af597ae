package swgate

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultSyncTag      = "contact-form-sync"
	defaultSyncEndpoint = "/api/contact"
)

// DefaultManifest is the install-time asset list of the NextGen site.
var DefaultManifest = []string{
	"/",
	"/manifest.json",
	"/browserconfig.xml",
	"/_next/static/css/",
	"/_next/static/js/",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
	"/fonts/",
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"SWGATE_PORT"`
		Origin string `yaml:"origin" env:"SWGATE_ORIGIN"`
		// AdminPrefix is where the page-facing endpoints (forms, message) are
		// mounted on the public listener.
		AdminPrefix string `yaml:"adminPrefix" env:"SWGATE_ADMIN_PREFIX"`
		// AdminListen is the address of the operator listener (status,
		// update, push, registration). AdminToken, when set, is required
		// there as a bearer token.
		AdminListen string `yaml:"adminListen" env:"SWGATE_ADMIN_LISTEN"`
		AdminToken  string `yaml:"adminToken" env:"SWGATE_ADMIN_TOKEN"`
		MaxClients  int    `yaml:"maxClients" env:"SWGATE_MAX_CLIENTS"`
		ClientTTL   string `yaml:"clientTTL" env:"SWGATE_CLIENT_TTL"`
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir" env:"SWGATE_DATA_DIR"`
		RAM struct {
			Max string `yaml:"max" env:"SWGATE_RAM_MAX"`
		} `yaml:"ram"`
		CompressAbove string `yaml:"compressAbove" env:"SWGATE_COMPRESS_ABOVE"`
	} `yaml:"storage"`

	Cache struct {
		Prefix      string   `yaml:"prefix" env:"SWGATE_CACHE_PREFIX"`
		Version     string   `yaml:"version" env:"SWGATE_CACHE_VERSION"`
		Manifest    []string `yaml:"manifest"`
		SkipWaiting *bool    `yaml:"skipWaiting"`
	} `yaml:"cache"`

	Precache struct {
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"precache"`

	Sync struct {
		Tag        string `yaml:"tag"`
		Endpoint   string `yaml:"endpoint" env:"SWGATE_SYNC_ENDPOINT"`
		ProbeEvery string `yaml:"probeEvery" env:"SWGATE_PROBE_EVERY"`
		MaxRetries uint64 `yaml:"maxRetries" env:"SWGATE_SYNC_MAX_RETRIES"`
		Backoff    struct {
			Policy string `yaml:"policy"`
			Base   string `yaml:"base"`
		} `yaml:"backoff"`
	} `yaml:"sync"`

	Push struct {
		Title       string `yaml:"title"`
		DefaultBody string `yaml:"defaultBody"`
		Icon        string `yaml:"icon"`
		Badge       string `yaml:"badge"`
	} `yaml:"push"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery" env:"SWGATE_LOG_STATS_EVERY"`
	} `yaml:"logging"`

	// compiled
	origin           *url.URL
	ramMax           int64
	compressAbove    int64
	probeEveryDur    time.Duration
	backoffBase      time.Duration
	logStatsEveryDur time.Duration
	clientTTLDur     time.Duration
}

// LoadConfig reads the YAML file at path, applies SWGATE_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// compile fills defaults and parses the string-typed fields. Code that builds
// a Config by hand (tests, the CLI) must call it through Normalize.
func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: %q is not an absolute URL", cfg.Server.Origin)
	}
	cfg.origin = u
	if cfg.Server.AdminPrefix == "" {
		cfg.Server.AdminPrefix = "/__swgate"
	}
	cfg.Server.AdminPrefix = "/" + strings.Trim(cfg.Server.AdminPrefix, "/")
	if cfg.Server.AdminListen == "" {
		cfg.Server.AdminListen = "127.0.0.1:9090"
	}
	if cfg.Server.MaxClients <= 0 {
		cfg.Server.MaxClients = DefaultMaxClients
	}
	if cfg.Server.ClientTTL == "" {
		cfg.Server.ClientTTL = "24h"
	}
	if cfg.clientTTLDur, err = time.ParseDuration(cfg.Server.ClientTTL); err != nil {
		return fmt.Errorf("server.clientTTL: %w", err)
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "16mb"
	}
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.CompressAbove == "" {
		cfg.Storage.CompressAbove = "8kb"
	}
	if cfg.compressAbove, err = parseBytes(cfg.Storage.CompressAbove); err != nil {
		return fmt.Errorf("storage.compressAbove: %w", err)
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "nextgen"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	for i, p := range cfg.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.manifest[%d]: %q must be an absolute path", i, p)
		}
	}
	if cfg.Cache.SkipWaiting == nil {
		on := true
		cfg.Cache.SkipWaiting = &on
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = defaultSyncTag
	}
	if cfg.Sync.Endpoint == "" {
		cfg.Sync.Endpoint = defaultSyncEndpoint
	}
	if cfg.Sync.ProbeEvery != "" {
		if cfg.probeEveryDur, err = time.ParseDuration(cfg.Sync.ProbeEvery); err != nil {
			return fmt.Errorf("sync.probeEvery: %w", err)
		}
	}
	switch cfg.Sync.Backoff.Policy {
	case "":
		cfg.Sync.Backoff.Policy = BackoffConstant
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("sync.backoff.policy: unknown policy %q", cfg.Sync.Backoff.Policy)
	}
	if cfg.Sync.Backoff.Base != "" {
		if cfg.backoffBase, err = time.ParseDuration(cfg.Sync.Backoff.Base); err != nil {
			return fmt.Errorf("sync.backoff.base: %w", err)
		}
	}
	if cfg.backoffBase < 0 {
		return fmt.Errorf("sync.backoff.base: must not be negative")
	}
	if cfg.Sync.Backoff.Policy == BackoffExponential && cfg.backoffBase == 0 {
		return fmt.Errorf("sync.backoff.base: exponential policy needs a positive base")
	}

	if cfg.Push.Title == "" {
		cfg.Push.Title = "NextGen Solutions"
	}
	if cfg.Push.DefaultBody == "" {
		cfg.Push.DefaultBody = "New update available!"
	}
	if cfg.Push.Icon == "" {
		cfg.Push.Icon = "/icons/icon-192x192.png"
	}
	if cfg.Push.Badge == "" {
		cfg.Push.Badge = "/icons/icon-96x96.png"
	}

	if cfg.Logging.LogStatsEvery != "" {
		if cfg.logStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}

// Normalize applies defaults and validation to a Config built in code.
func (cfg *Config) Normalize() error { return cfg.compile() }

// StaticCacheName is the current static tier name, e.g. nextgen-static-v1.
func (cfg *Config) StaticCacheName() string {
	return cfg.Cache.Prefix + "-static-" + cfg.Cache.Version
}

// DynamicCacheName is the current dynamic tier name.
func (cfg *Config) DynamicCacheName() string {
	return cfg.Cache.Prefix + "-dynamic-" + cfg.Cache.Version
}

// ReplayPolicy returns the replay retry policy described by the sync section.
func (cfg *Config) ReplayPolicy() ReplayPolicy {
	return ReplayPolicy{
		MaxRetries: cfg.Sync.MaxRetries,
		Backoff:    cfg.Sync.Backoff.Policy,
		Base:       cfg.backoffBase,
	}
}
