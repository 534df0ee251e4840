// Package config loads persona.yaml, applies .env and PERSONA_* overrides
// and watches the file for policy changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/persona/internal/logging"
	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/executor"
	"github.com/daviddao/persona/pkg/hub"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "persona.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Executor kinds.
const (
	ExecutorWebhook   = "webhook"
	ExecutorSimulated = "simulated"
)

// ExecutorConfig selects how agents execute work.
type ExecutorConfig struct {
	Kind      string             `yaml:"kind"`
	Timeout   time.Duration      `yaml:"timeout"`
	Simulated executor.SimConfig `yaml:"simulated"`
}

// Config is the whole of persona.yaml.
type Config struct {
	Listen      string   `yaml:"listen"`
	DBPath      string   `yaml:"db_path"`
	RedisURL    string   `yaml:"redis_url"`
	CORSOrigins []string `yaml:"cors_origins"`

	Log      logging.Config  `yaml:"log"`
	Arbiter  arbiter.Config  `yaml:"arbiter"`
	Hub      hub.Config      `yaml:",inline"`
	Executor ExecutorConfig  `yaml:"executor"`
	Agents   []hub.AgentSpec `yaml:"agents"`
}

// Default returns a runnable configuration with two example agents.
func Default() *Config {
	return &Config{
		Listen:      ":8080",
		DBPath:      "persona.db",
		CORSOrigins: []string{"*"},
		Log:         logging.Config{Level: "info"},
		Arbiter:     arbiter.DefaultConfig(),
		Hub:         hub.DefaultConfig(),
		Executor: ExecutorConfig{
			Kind:    ExecutorSimulated,
			Timeout: 60 * time.Second,
			Simulated: executor.SimConfig{
				MinLatency:  200 * time.Millisecond,
				MaxLatency:  2 * time.Second,
				FailureRate: 0.05,
			},
		},
		Agents: []hub.AgentSpec{
			{ID: "ada", Channels: []string{"general"}, Interests: []string{"deploy", "infra"}},
			{ID: "grace", Channels: []string{"general"}, Interests: []string{"review", "tests"}},
		},
	}
}

// Load reads path over the defaults, then applies the environment. A
// missing DefaultPath is not an error; any other missing file is.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PERSONA_LISTEN", &c.Listen)
	str("PERSONA_DB", &c.DBPath)
	str("PERSONA_REDIS_URL", &c.RedisURL)
	str("PERSONA_LOG_LEVEL", &c.Log.Level)
	str("PERSONA_EXECUTOR", &c.Executor.Kind)

	if v := os.Getenv("PERSONA_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	if v := os.Getenv("PERSONA_WEBHOOK_URL"); v != "" {
		for i := range c.Agents {
			if c.Agents[i].Webhook == "" {
				c.Agents[i].Webhook = v
			}
		}
	}

	var errs []error
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer("PERSONA_CAPACITY", &c.Hub.Capacity)
	integer("PERSONA_MAX_RETRIES", &c.Hub.Scheduler.MaxRetries)
	duration("PERSONA_CLAIM_TTL", &c.Arbiter.ClaimTTL)
	duration("PERSONA_PROPOSAL_WINDOW", &c.Arbiter.ProposalWindow)
	duration("PERSONA_EXEC_TIMEOUT", &c.Hub.Scheduler.ExecTimeout)
	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if c.Hub.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be at least 1, got %d", c.Hub.Capacity))
	}
	if c.Hub.DedupeWindow < 0 {
		errs = append(errs, fmt.Errorf("dedupe_window must not be negative"))
	}
	if err := c.Hub.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if err := c.Hub.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := c.Arbiter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("arbiter: %w", err))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	switch c.Executor.Kind {
	case ExecutorSimulated:
	case ExecutorWebhook:
		for _, a := range c.Agents {
			if a.Webhook == "" {
				errs = append(errs, fmt.Errorf("agent %s: webhook executor needs a webhook url", a.ID))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("executor.kind %q must be %s or %s", c.Executor.Kind, ExecutorWebhook, ExecutorSimulated))
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agent without id"))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent %s", a.ID))
		}
		seen[a.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
