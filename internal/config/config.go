// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchyard configuration, loaded from switchyard.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	LLM       LLMConfig       `yaml:"llm"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Egress    EgressConfig    `yaml:"egress"`
	Admin     AdminConfig     `yaml:"admin"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Operator  OperatorConfig  `yaml:"operator"`
}

// DatabaseConfig selects the conversation store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
}

// LogConfig controls the zerolog root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig holds the language model connection.
type LLMConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// RetrievalConfig points at the knowledge retrieval service.
type RetrievalConfig struct {
	BaseURL    string `yaml:"base_url"`
	TopK       int    `yaml:"top_k"`
	TimeoutSec int    `yaml:"timeout_sec"`
	CacheSize  int    `yaml:"cache_size"`
}

// PipelineConfig tunes per-message processing.
type PipelineConfig struct {
	HistoryLimit         int     `yaml:"history_limit"`
	RunTimeoutSec        int     `yaml:"run_timeout_sec"`
	ClassifierConfidence float64 `yaml:"classifier_confidence"`
	MaxConcurrency       int     `yaml:"max_concurrency"`
}

// EgressConfig is the outbound delivery retry budget.
type EgressConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Port     int      `yaml:"port"`
	APIKey   string   `yaml:"api_key"`
	AdminIDs []string `yaml:"admin_ids"`
}

// PlatformsConfig holds per-platform credentials.
type PlatformsConfig struct {
	Slack     SlackConfig     `yaml:"slack"`
	Discord   DiscordConfig   `yaml:"discord"`
	Messenger MessengerConfig `yaml:"messenger"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// MessengerConfig holds Facebook Messenger page credentials.
type MessengerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	PageAccessToken string `yaml:"page_access_token"`
	VerifyToken     string `yaml:"verify_token"`
	AppSecret       string `yaml:"app_secret"` // enables X-Hub-Signature-256 checks
	APIVersion      string `yaml:"api_version"`
	GraphURL        string `yaml:"graph_url"`
}

// OperatorConfig selects where escalation and suggestion notices go.
type OperatorConfig struct {
	Platform string       `yaml:"platform"`
	Channel  string       `yaml:"channel"`
	Digest   DigestConfig `yaml:"digest"`
}

// DigestConfig schedules the escalation queue digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. ${VAR} references are
// expanded from the environment before parsing.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "switchyard"
	}
	if c.Database.Path == "" {
		c.Database.Path = "switchyard.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 10
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.TimeoutSec == 0 {
		c.Retrieval.TimeoutSec = 5
	}
	if c.Retrieval.CacheSize == 0 {
		c.Retrieval.CacheSize = 512
	}
	if c.Pipeline.HistoryLimit == 0 {
		c.Pipeline.HistoryLimit = 10
	}
	if c.Pipeline.RunTimeoutSec == 0 {
		c.Pipeline.RunTimeoutSec = 30
	}
	if c.Pipeline.ClassifierConfidence == 0 {
		c.Pipeline.ClassifierConfidence = 0.8
	}
	if c.Pipeline.MaxConcurrency == 0 {
		c.Pipeline.MaxConcurrency = 64
	}
	if c.Egress.MaxAttempts == 0 {
		c.Egress.MaxAttempts = 3
	}
	if c.Egress.InitialBackoffMS == 0 {
		c.Egress.InitialBackoffMS = 500
	}
	if c.Egress.MaxBackoffMS == 0 {
		c.Egress.MaxBackoffMS = 5000
	}
	if c.Egress.TimeoutSec == 0 {
		c.Egress.TimeoutSec = 30
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
	if c.Platforms.Messenger.APIVersion == "" {
		c.Platforms.Messenger.APIVersion = "v18.0"
	}
	if c.Platforms.Messenger.GraphURL == "" {
		c.Platforms.Messenger.GraphURL = "https://graph.facebook.com"
	}
	if c.Operator.Digest.Cron == "" {
		c.Operator.Digest.Cron = "0 9 * * *"
	}
}

var digestParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be auto, json or console", c.Log.Format))
	}
	if c.Admin.APIKey == "" {
		errs = append(errs, "admin.api_key is required")
	}
	if len(c.Admin.AdminIDs) == 0 {
		errs = append(errs, "at least one admin.admin_ids entry is required")
	}
	if c.Pipeline.ClassifierConfidence < 0 || c.Pipeline.ClassifierConfidence > 1 {
		errs = append(errs, "pipeline.classifier_confidence must be within [0,1]")
	}

	enabled := c.EnabledPlatforms()
	if len(enabled) == 0 {
		errs = append(errs, "at least one platform must be enabled")
	}
	if c.Platforms.Slack.Enabled && (c.Platforms.Slack.AppToken == "" || c.Platforms.Slack.BotToken == "") {
		errs = append(errs, "platforms.slack requires app_token and bot_token")
	}
	if c.Platforms.Discord.Enabled && c.Platforms.Discord.BotToken == "" {
		errs = append(errs, "platforms.discord requires bot_token")
	}
	if c.Platforms.Messenger.Enabled && c.Platforms.Messenger.PageAccessToken == "" {
		errs = append(errs, "platforms.messenger requires page_access_token")
	}

	if c.Operator.Platform != "" {
		found := false
		for _, p := range enabled {
			if p == c.Operator.Platform {
				found = true
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("operator.platform %q is not an enabled platform", c.Operator.Platform))
		}
		if c.Operator.Channel == "" {
			errs = append(errs, "operator.channel is required when operator.platform is set")
		}
	}
	if c.Operator.Digest.Enabled {
		if _, err := digestParser.Parse(c.Operator.Digest.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("operator.digest.cron %q: %v", c.Operator.Digest.Cron, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnabledPlatforms lists enabled platform names in a stable order.
func (c *Config) EnabledPlatforms() []string {
	var out []string
	if c.Platforms.Slack.Enabled {
		out = append(out, "slack")
	}
	if c.Platforms.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.Platforms.Messenger.Enabled {
		out = append(out, "messenger")
	}
	return out
}

// IsAdmin reports whether id is a configured admin user.
func (c *Config) IsAdmin(id string) bool {
	for _, a := range c.Admin.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// LLMTimeout returns the per-call language model timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSec) * time.Second
}

// RetrievalTimeout returns the per-call retrieval timeout.
func (c *Config) RetrievalTimeout() time.Duration {
	return time.Duration(c.Retrieval.TimeoutSec) * time.Second
}

// RunTimeout bounds a whole pipeline run.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Pipeline.RunTimeoutSec) * time.Second
}
