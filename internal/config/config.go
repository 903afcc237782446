package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/fairloop/internal/agent"
	"github.com/nidhogg/fairloop/internal/dataset"
	"github.com/nidhogg/fairloop/internal/embedding"
	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/provider"
	"github.com/nidhogg/fairloop/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Providers  []ProviderConfig `json:"providers" yaml:"providers"`
	Agents     []AgentConfig    `json:"agents" yaml:"agents"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Embedding  embedding.Config `json:"embedding" yaml:"embedding"`
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	Review     ReviewConfig     `json:"review" yaml:"review"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Datasets   dataset.Sources  `json:"datasets" yaml:"datasets"`
}

type ServerConfig struct {
	Port          int    `json:"port" yaml:"port"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	MigrationsDir string `json:"migrations_dir" yaml:"migrations_dir"`
}

type ProviderConfig struct {
	ID       string   `json:"id" yaml:"id"`
	Type     string   `json:"type" yaml:"type"`
	Name     string   `json:"name" yaml:"name"`
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Models   []string `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Default  bool     `json:"default,omitempty" yaml:"default,omitempty"`
}

// Provider converts the entry to the provider package's configuration.
func (p ProviderConfig) Provider() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Models:   p.Models,
		Timeout:  p.Timeout.Std(),
	}
}

// Agent kinds.
const (
	AgentLLM   = "llm"
	AgentRule  = "rule"
	AgentHuman = "human"
)

type AgentConfig struct {
	ID       string `json:"id" yaml:"id"`
	Kind     string `json:"kind" yaml:"kind"`
	Priority int    `json:"priority" yaml:"priority"`

	// llm
	Provider   string        `json:"provider,omitempty" yaml:"provider,omitempty"`
	Fallbacks  []string      `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	Model      string        `json:"model,omitempty" yaml:"model,omitempty"`
	Persona    agent.Persona `json:"persona" yaml:"persona"`
	ProfileDir string        `json:"profile_dir,omitempty" yaml:"profile_dir,omitempty"`

	// rule
	Rules    []agent.Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
	Fallback string       `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig           `json:"postgres" yaml:"postgres"`
	Neo4j    Neo4jConfig              `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig              `json:"redis" yaml:"redis"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type ReviewConfig struct {
	Slack   SlackReviewConfig   `json:"slack" yaml:"slack"`
	Discord DiscordReviewConfig `json:"discord" yaml:"discord"`
}

type SlackReviewConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

type DiscordReviewConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

type EventsConfig struct {
	RedisStream bool  `json:"redis_stream" yaml:"redis_stream"`
	StreamLen   int64 `json:"stream_len,omitempty" yaml:"stream_len,omitempty"`
	Metrics     bool  `json:"metrics" yaml:"metrics"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
func Expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Load reads a JSON or YAML config file, substitutes environment variable
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("json" or "yaml").
func Parse(data []byte, format string) (*Config, error) {
	resolved := []byte(Expand(string(data)))

	var cfg Config
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(resolved, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse yaml: %w", fault.ErrInvalidConfig, err)
		}
	case "json":
		if err := json.Unmarshal(resolved, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse json: %w", fault.ErrInvalidConfig, err)
		}
	default:
		return nil, fault.Invalid("unknown config format %q", format)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default filled and no agents.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MigrationsDir == "" {
		c.Server.MigrationsDir = "migrations"
	}
	if c.Database.Qdrant.Port == 0 && c.Database.Qdrant.Host != "" {
		c.Database.Qdrant.Port = 6334
	}
	for i := range c.Agents {
		if c.Agents[i].Kind == "" {
			c.Agents[i].Kind = AgentLLM
		}
		c.Agents[i].Persona.ID = c.Agents[i].ID
	}
	c.Controller.applyDefaults()
	if c.Datasets.BBQBaseURL == "" {
		c.Datasets.BBQBaseURL = dataset.DefaultBBQBaseURL
	}
	if c.Datasets.BBQCategories == nil {
		c.Datasets.BBQCategories = dataset.DefaultSources().BBQCategories
	}
}

// Validate rejects configurations the controller cannot run with. Every error
// wraps fault.ErrInvalidConfig.
func (c *Config) Validate() error {
	providers := make(map[string]bool, len(c.Providers))
	defaults := 0
	for _, p := range c.Providers {
		if p.ID == "" {
			return fault.Invalid("provider without id")
		}
		if providers[p.ID] {
			return fault.Invalid("duplicate provider %s", p.ID)
		}
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			return fault.Invalid("provider %s: unknown type %q", p.ID, p.Type)
		}
		if p.Default {
			defaults++
		}
		providers[p.ID] = true
	}
	if defaults > 1 {
		return fault.Invalid("%d providers marked default", defaults)
	}

	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fault.Invalid("agent without id")
		}
		if agents[a.ID] {
			return fault.Invalid("duplicate agent %s", a.ID)
		}
		agents[a.ID] = true
		switch a.Kind {
		case AgentLLM:
			if len(c.Providers) == 0 {
				return fault.Invalid("agent %s: llm agents need a provider", a.ID)
			}
			for _, id := range append([]string{a.Provider}, a.Fallbacks...) {
				if id != "" && !providers[id] {
					return fault.Invalid("agent %s: unknown provider %s", a.ID, id)
				}
			}
		case AgentRule:
			if len(a.Rules) == 0 && a.Fallback == "" {
				return fault.Invalid("agent %s: rule agents need rules or a fallback", a.ID)
			}
		case AgentHuman:
		default:
			return fault.Invalid("agent %s: unknown kind %q", a.ID, a.Kind)
		}
	}

	if s := c.Review.Slack; s.Enabled && (s.BotToken == "" || s.Channel == "") {
		return fault.Invalid("review.slack needs bot_token and channel")
	}
	if d := c.Review.Discord; d.Enabled && (d.BotToken == "" || d.Channel == "") {
		return fault.Invalid("review.discord needs bot_token and channel")
	}
	if c.Events.RedisStream && c.Database.Redis.URL == "" {
		return fault.Invalid("events.redis_stream needs database.redis.url")
	}
	if err := c.Datasets.Validate(); err != nil {
		return err
	}
	return c.Controller.Validate()
}
