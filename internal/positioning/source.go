package positioning

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// Source supplies the current positioning configuration. It is read once per cycle.
type Source interface {
	Load() (Config, error)
}

// StaticSource serves a fixed Config.
type StaticSource struct {
	Config Config
}

func (s StaticSource) Load() (Config, error) { return s.Config, nil }

// fileConfig is the on-disk shape of the positioning settings file.
type fileConfig struct {
	Global     Overrides            `yaml:"global"`
	Directions map[string]Overrides `yaml:"directions"`
	Products   []productOverrides   `yaml:"products"`
}

type productOverrides struct {
	Side      string `yaml:"side"`
	Asset     string `yaml:"asset"`
	Overrides `yaml:",inline"`
}

// FileSource reads a YAML settings file on every Load. When the file becomes
// unreadable or invalid the last good Config is served and the error is logged.
type FileSource struct {
	logger *zap.Logger
	path   string

	mu       sync.Mutex
	lastGood *Config
}

// NewFileSource creates a source backed by the YAML file at path.
func NewFileSource(logger *zap.Logger, path string) *FileSource {
	return &FileSource{logger: logger, path: path}
}

// Load parses the file. It only returns an error if no valid file was ever read.
func (s *FileSource) Load() (Config, error) {
	cfg, err := readConfigFile(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.lastGood != nil {
			s.logger.Warn("positioning.config_reload_failed",
				zap.String("path", s.path),
				zap.Error(err))
			return *s.lastGood, nil
		}
		return Config{}, err
	}
	s.lastGood = &cfg
	return cfg, nil
}

func readConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("positioning config: read %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML positioning settings document.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("positioning config: parse YAML: %w", err)
	}

	cfg := Config{
		Global:     fc.Global,
		Directions: make(map[model.Side]Overrides, len(fc.Directions)),
		Products:   make(map[model.ProductKey]Overrides, len(fc.Products)),
	}
	if err := validate(fc.Global, "global"); err != nil {
		return Config{}, err
	}

	for raw, o := range fc.Directions {
		side, err := model.ParseSide(raw)
		if err != nil {
			return Config{}, fmt.Errorf("positioning config: directions: %w", err)
		}
		if err := validate(o, raw); err != nil {
			return Config{}, err
		}
		cfg.Directions[side] = o
	}

	for i, p := range fc.Products {
		side, err := model.ParseSide(p.Side)
		if err != nil {
			return Config{}, fmt.Errorf("positioning config: products[%d]: %w", i, err)
		}
		asset := strings.ToUpper(strings.TrimSpace(p.Asset))
		if asset == "" {
			return Config{}, fmt.Errorf("positioning config: products[%d]: asset is required", i)
		}
		key := model.ProductKey{Side: side, Asset: asset}
		if _, dup := cfg.Products[key]; dup {
			return Config{}, fmt.Errorf("positioning config: duplicate product %s", key)
		}
		if err := validate(p.Overrides, key.String()); err != nil {
			return Config{}, err
		}
		cfg.Products[key] = p.Overrides
	}
	return cfg, nil
}

func validate(o Overrides, level string) error {
	if o.Mode != nil {
		m, err := ParseMode(string(*o.Mode))
		if err != nil {
			return fmt.Errorf("positioning config: %s: %w", level, err)
		}
		*o.Mode = m
	}
	if o.Undercut != nil && o.Undercut.IsNegative() {
		return fmt.Errorf("positioning config: %s: undercut must not be negative", level)
	}
	if o.MinPriceDelta != nil && o.MinPriceDelta.IsNegative() {
		return fmt.Errorf("positioning config: %s: min_price_delta must not be negative", level)
	}
	return o.ReleaseLimits.validate(level)
}
