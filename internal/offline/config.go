package offline

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/21programado/concordancia/internal/logging"
)

const defaultOfflineMessage = "Sin conexión. Por favor, conéctate a internet."

type Config struct {
	// Version tags both cache generations. Bumping it retires every older generation.
	Version string `yaml:"version"`

	Server struct {
		Port        int    `yaml:"port"`
		Origin      string `yaml:"origin"`
		ControlPath string `yaml:"controlPath"`
		MetricsPath string `yaml:"metricsPath"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	API struct {
		Hosts          []string `yaml:"hosts"`
		OfflineMessage string   `yaml:"offlineMessage"`
	} `yaml:"api"`

	Precache struct {
		SkipWaiting *bool    `yaml:"skipWaiting"`
		Fallback    string   `yaml:"fallback"`
		Assets      []string `yaml:"assets"`

		// Sitemaps extend the manifest at install time with the pages they list.
		Sitemaps     []string `yaml:"sitemaps"`
		SitemapLimit int      `yaml:"sitemapLimit"`
	} `yaml:"precache"`

	Logging logging.Config `yaml:"logging"`

	// compiled
	ramMax        int64
	diskMax       int64
	statsEveryDur time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML and validates it the same way LoadConfig does.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	cfg.Version = strings.TrimSpace(cfg.Version)
	if cfg.Version == "" {
		return fmt.Errorf("version is required")
	}
	if !strings.HasPrefix(cfg.Version, "v") {
		cfg.Version = "v" + cfg.Version
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || !isHTTPURL(u) {
		return fmt.Errorf("server.origin: not an absolute http(s) URL: %q", cfg.Server.Origin)
	}
	if cfg.Server.ControlPath == "" {
		cfg.Server.ControlPath = "/__offline/message"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max != "" {
		v, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.ramMax = v
	}
	if cfg.Storage.Disk.Max != "" {
		v, err := parseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.diskMax = v
	}

	hosts := cfg.API.Hosts[:0]
	for _, h := range cfg.API.Hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return fmt.Errorf("api.hosts: at least one host is required")
	}
	cfg.API.Hosts = hosts
	if cfg.API.OfflineMessage == "" {
		cfg.API.OfflineMessage = defaultOfflineMessage
	}

	if cfg.Precache.SkipWaiting == nil {
		skip := true
		cfg.Precache.SkipWaiting = &skip
	}
	if cfg.Precache.Fallback == "" {
		cfg.Precache.Fallback = "/index.html"
	}
	if _, err := cfg.ResolveURL(cfg.Precache.Fallback); err != nil {
		return fmt.Errorf("precache.fallback: %w", err)
	}
	for i, a := range cfg.Precache.Assets {
		if _, err := cfg.ResolveURL(a); err != nil {
			return fmt.Errorf("precache.assets[%d]: %w", i, err)
		}
	}
	for i, sm := range cfg.Precache.Sitemaps {
		if _, err := cfg.ResolveURL(sm); err != nil {
			return fmt.Errorf("precache.sitemaps[%d]: %w", i, err)
		}
	}
	if cfg.Precache.SitemapLimit <= 0 {
		cfg.Precache.SitemapLimit = 200
	}

	cfg.Logging.ApplyDefaults()
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.statsEveryDur = d
	}
	return nil
}

// ResolveURL turns a manifest entry into an absolute URL. Paths are resolved
// against server.origin; absolute http(s) URLs are kept as they are.
func (cfg *Config) ResolveURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty resource")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil || !isHTTPURL(u) {
			return "", fmt.Errorf("invalid URL %q", ref)
		}
		u.Fragment = ""
		if u.Path == "" {
			u.Path = "/"
		}
		return u.String(), nil
	}
	if !strings.HasPrefix(ref, "/") {
		return "", fmt.Errorf("resource must be a path or absolute URL, got %q", ref)
	}
	return cfg.Server.Origin + ref, nil
}

// SkipWaiting reports whether a freshly installed worker activates without waiting.
func (cfg *Config) SkipWaiting() bool {
	return cfg.Precache.SkipWaiting == nil || *cfg.Precache.SkipWaiting
}

func isHTTPURL(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
