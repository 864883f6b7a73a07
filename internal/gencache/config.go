package gencache

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Generation names the active cache generation. It must change on every
	// deploy so stale generations get dropped on activation.
	Generation string `yaml:"generation" env:"GENCACHE_GENERATION"`

	// Manifest lists the URLs primed into a generation at install time.
	Manifest []string `yaml:"manifest"`

	// Offline is the fallback document served to navigations when both the
	// network and the cache miss.
	Offline string `yaml:"offline" env:"GENCACHE_OFFLINE"`

	Server struct {
		Port        int    `yaml:"port" env:"GENCACHE_PORT"`
		Origin      string `yaml:"origin" env:"GENCACHE_ORIGIN"`
		MetricsPort int    `yaml:"metricsPort" env:"GENCACHE_METRICS_PORT"`
	} `yaml:"server"`

	Storage struct {
		Dir      string `yaml:"dir" env:"GENCACHE_STORAGE_DIR"`
		MaxEntry string `yaml:"maxEntry"`
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"network"`

	Classifier struct {
		Images          string   `yaml:"images"`
		ImageExtensions []string `yaml:"imageExtensions"`
	} `yaml:"classifier"`

	Install struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"install"`

	Logging struct {
		Level         string `yaml:"level" env:"GENCACHE_LOG_LEVEL"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	manifestURLs     []string
	offlineURL       string
	maxEntryBytes    int64
	timeoutDur       time.Duration
	imageMatchers    []pathPrefixMatcher
	imageExts        map[string]struct{}
	logStatsEveryDur time.Duration
}

var defaultImageExtensions = []string{"png", "jpg", "jpeg", "webp", "svg"}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies GENCACHE_* environment overrides and
// validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "decode config")
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "apply environment")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	cfg.Generation = strings.TrimSpace(cfg.Generation)
	if cfg.Generation == "" {
		return errors.New(errors.CodeInvalidConfig, "generation is required")
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if !isAbsHTTP(cfg.Server.Origin) {
		return errors.Newf(errors.CodeInvalidConfig, "server.origin must be an http(s) URL, got %q", cfg.Server.Origin)
	}

	if cfg.Offline == "" {
		cfg.Offline = "/offline.html"
	}
	cfg.offlineURL = resolveURL(cfg.Server.Origin, cfg.Offline)

	// The offline document is only useful if it gets primed.
	seen := map[string]struct{}{}
	cfg.manifestURLs = cfg.manifestURLs[:0]
	for i, m := range cfg.Manifest {
		m = strings.TrimSpace(m)
		if m == "" {
			return errors.Newf(errors.CodeInvalidConfig, "manifest[%d]: empty entry", i)
		}
		u := resolveURL(cfg.Server.Origin, m)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		cfg.manifestURLs = append(cfg.manifestURLs, u)
	}
	if _, ok := seen[cfg.offlineURL]; !ok {
		cfg.manifestURLs = append(cfg.manifestURLs, cfg.offlineURL)
	}

	n, err := parseBytes(cfg.Storage.MaxEntry)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "storage.maxEntry")
	}
	cfg.maxEntryBytes = n

	cfg.timeoutDur = 30 * time.Second
	if cfg.Network.Timeout != "" {
		d, err := time.ParseDuration(cfg.Network.Timeout)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "network.timeout")
		}
		cfg.timeoutDur = d
	}

	if cfg.Classifier.Images == "" {
		cfg.Classifier.Images = "PathPrefix(/assets/Images/)"
	}
	ms, err := parseMatch(cfg.Classifier.Images)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "classifier.images")
	}
	cfg.imageMatchers = ms

	exts := cfg.Classifier.ImageExtensions
	if len(exts) == 0 {
		exts = defaultImageExtensions
	}
	cfg.imageExts = make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			cfg.imageExts[e] = struct{}{}
		}
	}

	if cfg.Install.Concurrency <= 0 {
		cfg.Install.Concurrency = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "logging.logStatsEvery")
		}
		cfg.logStatsEveryDur = d
	}
	return nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, errors.Newf(errors.CodeInvalidConfig, "only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, errors.Newf(errors.CodeInvalidConfig, "invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "no valid matchers")
	}
	return out, nil
}

// resolveURL turns a manifest path into an absolute URL on the origin.
// Absolute http(s) URLs pass through untouched.
func resolveURL(origin, u string) string {
	u = strings.TrimSpace(u)
	if isAbsHTTP(u) {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return origin + u
}

func isAbsHTTP(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
