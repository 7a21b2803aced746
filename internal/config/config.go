package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fedhost/internal/domain"
)

// Config models fedhost.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string       `yaml:"jwt_secret"`
		Policy    PolicyConfig `yaml:"policy"`
	} `yaml:"auth"`
	Health struct {
		Timeout     Duration `yaml:"timeout"`
		Interval    Duration `yaml:"interval"`
		Concurrency int      `yaml:"concurrency"`
	} `yaml:"health"`
	Liveness struct {
		Backend string   `yaml:"backend"`
		TTL     Duration `yaml:"ttl"`
	} `yaml:"liveness"`
	Status struct {
		Backplane  string `yaml:"backplane"`
		Channel    string `yaml:"channel"`
		SendBuffer int    `yaml:"send_buffer"`
	} `yaml:"status"`
	Redis    RedisConfig     `yaml:"redis"`
	Loader   LoaderConfig    `yaml:"loader"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Apps     []SeedApp       `yaml:"apps"`
}

type PolicyConfig struct {
	Mode    string   `yaml:"mode"`
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoaderConfig struct {
	MaxAttempts   int               `yaml:"max_attempts"`
	BaseDelay     Duration          `yaml:"base_delay"`
	MaxDelay      Duration          `yaml:"max_delay"`
	MaxJitter     Duration          `yaml:"max_jitter"`
	FetchTimeout  Duration          `yaml:"fetch_timeout"`
	DefineTimeout Duration          `yaml:"define_timeout"`
	DefinePoll    Duration          `yaml:"define_poll"`
	Shared        map[string]string `yaml:"shared"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
	Enabled *bool    `yaml:"enabled"`
}

// SeedApp is an app descriptor declared in the config file and upserted by
// name when the host starts.
type SeedApp struct {
	Name        string              `yaml:"name"`
	URL         string              `yaml:"url"`
	IconURL     string              `yaml:"icon_url"`
	Description string              `yaml:"description"`
	Active      *bool               `yaml:"active"`
	Strategy    domain.StrategySpec `yaml:"strategy"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("config.health.timeout must be positive")
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("config.health.interval must not be negative")
	}
	if c.Health.Concurrency < 0 {
		return fmt.Errorf("config.health.concurrency must not be negative")
	}
	switch c.Liveness.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config.liveness.backend must be memory or redis, got %q", c.Liveness.Backend)
	}
	switch c.Status.Backplane {
	case "none", "redis":
	default:
		return fmt.Errorf("config.status.backplane must be none or redis, got %q", c.Status.Backplane)
	}
	if (c.Liveness.Backend == "redis" || c.Status.Backplane == "redis") && c.Redis.Addr == "" {
		return fmt.Errorf("config.redis.addr is required when a redis backend is selected")
	}
	switch c.Auth.Policy.Mode {
	case "open", "authenticated":
	case "remote":
		if strings.TrimSpace(c.Auth.Policy.URL) == "" {
			return fmt.Errorf("config.auth.policy.url is required for remote policy mode")
		}
	default:
		return fmt.Errorf("config.auth.policy.mode must be open, authenticated or remote, got %q", c.Auth.Policy.Mode)
	}
	l := c.Loader
	if l.MaxAttempts < 1 {
		return fmt.Errorf("config.loader.max_attempts must be at least 1")
	}
	if l.BaseDelay <= 0 || l.MaxDelay < l.BaseDelay {
		return fmt.Errorf("config.loader delays must satisfy 0 < base_delay <= max_delay")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	seen := map[string]bool{}
	for i, app := range c.Apps {
		if app.Name == "" {
			return fmt.Errorf("seed app %d has empty name", i)
		}
		if seen[app.Name] {
			return fmt.Errorf("seed app %s declared twice", app.Name)
		}
		seen[app.Name] = true
		if _, err := app.Strategy.Strategy(); err != nil {
			return fmt.Errorf("seed app %s: %w", app.Name, err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fedhost.yml")
}

// Override adjusts a parsed config before it is validated, e.g. with
// secrets taken from the environment.
type Override func(*Config)

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string, overrides ...Override) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data = nil
	}
	return FromYAML(data, overrides...)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults, applies overrides and validates
// the result.
func FromYAML(data []byte, overrides ...Override) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// RetryDelays is a convenience for callers that log the effective policy.
func (l LoaderConfig) RetryDelays() (base, max, jitter time.Duration) {
	return l.BaseDelay.AsDuration(), l.MaxDelay.AsDuration(), l.MaxJitter.AsDuration()
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api

auth:
  jwt_secret: ""
  policy:
    mode: open
    timeout: 2s

health:
  timeout: 5s
  interval: 30s
  # 0 probes every app at once
  concurrency: 0

liveness:
  backend: memory
  ttl: 10m

status:
  backplane: none
  channel: fedhost:status
  send_buffer: 64

redis:
  addr: ""
  db: 0

loader:
  max_attempts: 3
  base_delay: 1s
  max_delay: 8s
  max_jitter: 1s
  fetch_timeout: 10s
  define_timeout: 2s
  define_poll: 50ms
  shared: {}
`
