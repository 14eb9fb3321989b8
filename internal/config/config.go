// Package config loads the consensus service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds understood by the invoker router.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendScript = "script"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
	StoreKuzu   = "kuzu"
)

// Config is the top-level configuration, loaded from consensus.yml.
type Config struct {
	Log      LogConfig       `yaml:"log"`
	Server   ServerConfig    `yaml:"server"`
	Store    StoreConfig     `yaml:"store"`
	Prefs    PrefsConfig     `yaml:"prefs"`
	Defaults Defaults        `yaml:"defaults"`
	Backends []BackendConfig `yaml:"backends"`
	Timeouts Timeouts        `yaml:"timeouts"`
	Limits   Limits          `yaml:"limits"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig holds HTTP settings. Tokens maps bearer tokens to user ids;
// when empty every request runs as AnonymousUser.
type ServerConfig struct {
	Addr          string            `yaml:"addr"`
	Tokens        map[string]string `yaml:"tokens,omitempty"`
	AnonymousUser string            `yaml:"anonymous_user"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// DSN is the MySQL DSN, the SQLite file, or the KuzuDB directory.
	DSN string `yaml:"dsn,omitempty"`
}

// PrefsConfig locates the preferences database. An empty Dir keeps
// preferences in memory.
type PrefsConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// Defaults are the process-wide model choices, loaded once at startup and
// passed explicitly into every dispatch.
type Defaults struct {
	Model           string   `yaml:"model"`
	ConsensusModels []string `yaml:"consensus_models,omitempty"`
	TitleModel      string   `yaml:"title_model,omitempty"`
}

// BackendConfig describes one model backend.
type BackendConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url,omitempty"`
	// APIKey may be a literal or a "$ENV_VAR" reference.
	APIKey string `yaml:"api_key,omitempty"`
	// Prefixes routes model ids starting with any of these to this backend.
	Prefixes []string `yaml:"prefixes,omitempty"`
	Default  bool     `yaml:"default,omitempty"`
	// TextOnly lists model prefixes that cannot read images. Attachments
	// reach those models as references in the prompt.
	TextOnly []string `yaml:"text_only,omitempty"`
}

// Timeouts bounds the blocking collaborators.
type Timeouts struct {
	Invoke  time.Duration `yaml:"invoke"`
	Title   time.Duration `yaml:"title"`
	Persist time.Duration `yaml:"persist"`
}

// Limits caps request fan-out.
type Limits struct {
	MaxModels   int `yaml:"max_models"`
	EventBuffer int `yaml:"event_buffer"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load attempts to read consensus.yml or consensus.yaml from the given
// directory. Returns the default config (not an error) if no file exists.
func Load(dir string) (*Config, error) {
	for _, name := range []string{"consensus.yml", "consensus.yaml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return Parse(data)
	}
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

// LoadFile reads a config file from an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays CONSENSUS_* variables and provider keys.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONSENSUS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CONSENSUS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CONSENSUS_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("CONSENSUS_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("CONSENSUS_PREFS_DIR"); v != "" {
		c.Prefs.Dir = v
	}
	if v := os.Getenv("CONSENSUS_DEFAULT_MODEL"); v != "" {
		c.Defaults.Model = v
	}
	if len(c.Backends) == 0 && os.Getenv("OPENROUTER_API_KEY") != "" {
		c.Backends = append(c.Backends, BackendConfig{
			Name:    "openrouter",
			Kind:    BackendOpenAI,
			BaseURL: "https://openrouter.ai/api/v1",
			APIKey:  "$OPENROUTER_API_KEY",
			Default: true,
		})
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.AnonymousUser == "" {
		c.Server.AnonymousUser = "local"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Defaults.Model == "" {
		c.Defaults.Model = "openai/o3-mini"
	}
	if c.Defaults.TitleModel == "" {
		c.Defaults.TitleModel = c.Defaults.Model
	}
	if len(c.Backends) == 0 {
		c.Backends = []BackendConfig{{Name: "mock", Kind: BackendScript, Default: true}}
	}
	if c.Timeouts.Invoke <= 0 {
		c.Timeouts.Invoke = 2 * time.Minute
	}
	if c.Timeouts.Title <= 0 {
		c.Timeouts.Title = 20 * time.Second
	}
	if c.Timeouts.Persist <= 0 {
		c.Timeouts.Persist = 10 * time.Second
	}
	if c.Limits.MaxModels <= 0 {
		c.Limits.MaxModels = 8
	}
	if c.Limits.EventBuffer <= 0 {
		c.Limits.EventBuffer = 64
	}
}

func (c *Config) validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite, StoreMySQL, StoreKuzu:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("config: store.dsn is required for backend %q", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
	}

	names := make(map[string]bool, len(c.Backends))
	defaults := 0
	for i, b := range c.Backends {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("config: backends[%d]: name is required", i))
		}
		if names[b.Name] {
			errs = append(errs, fmt.Errorf("config: backends[%d]: duplicate name %q", i, b.Name))
		}
		names[b.Name] = true
		switch b.Kind {
		case BackendOpenAI, BackendGemini:
			if b.APIKey == "" {
				errs = append(errs, fmt.Errorf("config: backend %q: api_key is required for kind %s", b.Name, b.Kind))
			}
		case BackendScript:
		default:
			errs = append(errs, fmt.Errorf("config: backend %q: unknown kind %q", b.Name, b.Kind))
		}
		if b.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, errors.New("config: at most one backend may be the default"))
	}
	return errors.Join(errs...)
}

// ResolveSecret expands "$VAR" references so keys stay out of config files.
func ResolveSecret(s string) string {
	if strings.HasPrefix(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
