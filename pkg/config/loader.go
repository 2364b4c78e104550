package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/openmu/mucp/pkg/policy"
)

// ConfigFileName is the configuration file loaded from the config directory.
const ConfigFileName = "mucp.yaml"

// mucpYAMLConfig represents the complete mucp.yaml file structure. Durations
// are strings ("15m", "500ms") parsed during resolution.
type mucpYAMLConfig struct {
	Server       *serverYAMLConfig    `yaml:"server"`
	Pipeline     *pipelineYAMLConfig  `yaml:"pipeline"`
	Outbox       *outboxYAMLConfig    `yaml:"outbox"`
	RateLimit    *rateLimitYAMLConfig `yaml:"rate_limit"`
	KillSwitches *policy.KillSwitches `yaml:"kill_switches"`
	Slack        *slackYAMLConfig        `yaml:"slack"`
	Telegram     *telegramYAMLConfig     `yaml:"telegram"`
	Webhook      *webhookYAMLConfig      `yaml:"webhook"`
	Operator     *operatorYAMLConfig     `yaml:"operator"`
	Supervisor   *supervisorYAMLConfig   `yaml:"supervisor"`
	Shutdown     *shutdownYAMLConfig     `yaml:"shutdown"`
}

type serverYAMLConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

type pipelineYAMLConfig struct {
	ConfirmationTTL        string   `yaml:"confirmation_ttl,omitempty"`
	IdempotencyTTL         string   `yaml:"idempotency_ttl,omitempty"`
	ConversationalChannels []string `yaml:"conversational_channels,omitempty"`
}

type outboxYAMLConfig struct {
	MaxAttempts             int     `yaml:"max_attempts,omitempty"`
	BackoffInitial          string  `yaml:"backoff_initial,omitempty"`
	BackoffMax              string  `yaml:"backoff_max,omitempty"`
	BackoffMultiplier       float64 `yaml:"backoff_multiplier,omitempty"`
	BackoffRandomization    float64 `yaml:"backoff_randomization,omitempty"`
	DispatcherWakeup        string  `yaml:"dispatcher_wakeup,omitempty"`
	MaxConcurrentDeliveries int     `yaml:"max_concurrent_deliveries,omitempty"`
	DeliveryTimeout         string  `yaml:"delivery_timeout,omitempty"`
}

// rateLimitYAMLConfig uses pointer fields so an explicit zero in the file is
// distinguishable from an absent key. A configured limit of 0 means every
// admission overflows.
type rateLimitYAMLConfig struct {
	WindowMS     *int64 `yaml:"window_ms,omitempty"`
	ActorLimit   *int   `yaml:"actor_limit,omitempty"`
	ChannelLimit *int   `yaml:"channel_limit,omitempty"`
	Overflow     string `yaml:"overflow,omitempty"`
	DeferMS      *int64 `yaml:"defer_ms,omitempty"`
}

type slackYAMLConfig struct {
	Enabled          *bool  `yaml:"enabled,omitempty"`
	SigningSecretEnv string `yaml:"signing_secret_env,omitempty"`
	BotTokenEnv      string `yaml:"bot_token_env,omitempty"`
}

type telegramYAMLConfig struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	BotTokenEnv    string `yaml:"bot_token_env,omitempty"`
	SecretTokenEnv string `yaml:"secret_token_env,omitempty"`
}

type webhookYAMLConfig struct {
	Enabled   *bool  `yaml:"enabled,omitempty"`
	SecretEnv string `yaml:"secret_env,omitempty"`
}

type operatorYAMLConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

type supervisorYAMLConfig struct {
	Name string `yaml:"name,omitempty"`
}

type shutdownYAMLConfig struct {
	Timeout string `yaml:"timeout,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read mucp.yaml from configDir (a missing file yields pure defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Resolve each section over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"listen_addr", cfg.Server.ListenAddr,
		"supervisor", cfg.Supervisor.Name,
		"slack_enabled", cfg.Slack.Enabled,
		"telegram_enabled", cfg.Telegram.Enabled,
		"operator_enabled", cfg.Operator.Enabled)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	doc, err := loadMucpYAML(configDir)
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	rateLimit, err := resolveRateLimitConfig(doc.RateLimit)
	if err != nil {
		return nil, err
	}

	switches := policy.KillSwitches{}
	if doc.KillSwitches != nil {
		switches = *doc.KillSwitches
	}

	return &Config{
		configDir:    configDir,
		Server:       resolveServerConfig(doc.Server),
		Pipeline:     resolvePipelineConfig(doc.Pipeline),
		Outbox:       resolveOutboxConfig(doc.Outbox),
		RateLimit:    rateLimit,
		KillSwitches: &switches,
		Slack:        resolveSlackConfig(doc.Slack),
		Telegram:     resolveTelegramConfig(doc.Telegram),
		Webhook:      resolveWebhookConfig(doc.Webhook),
		Operator:     resolveOperatorConfig(doc.Operator),
		Supervisor:   resolveSupervisorConfig(doc.Supervisor),
		Shutdown:     resolveShutdownConfig(doc.Shutdown),
	}, nil
}

func loadMucpYAML(configDir string) (*mucpYAMLConfig, error) {
	var doc mucpYAMLConfig

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No file means built-in defaults everywhere.
			slog.Info("No configuration file found, using defaults", "path", path)
			return &doc, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &doc, nil
}

// parseDuration parses a duration string, warning and falling back to the
// default on error.
func parseDuration(section, field, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"section", section,
			"field", field,
			"value", value,
			"default", fallback,
			"error", err)
		return fallback
	}
	return d
}

// resolveRateLimitConfig merges the file section over the defaults. The merge
// runs on pointer fields, so a set key always wins, including an explicit 0.
func resolveRateLimitConfig(y *rateLimitYAMLConfig) (*policy.RateLimitConfig, error) {
	cfg := policy.DefaultRateLimitConfig()
	if y == nil {
		return &cfg, nil
	}

	merged := rateLimitYAMLConfig{
		WindowMS:     &cfg.WindowMS,
		ActorLimit:   &cfg.ActorLimit,
		ChannelLimit: &cfg.ChannelLimit,
		Overflow:     string(cfg.Overflow),
		DeferMS:      &cfg.DeferMS,
	}
	if err := mergo.Merge(&merged, y, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge rate_limit config: %w", err)
	}

	return &policy.RateLimitConfig{
		WindowMS:     *merged.WindowMS,
		ActorLimit:   *merged.ActorLimit,
		ChannelLimit: *merged.ChannelLimit,
		Overflow:     policy.OverflowMode(merged.Overflow),
		DeferMS:      *merged.DeferMS,
	}, nil
}

func resolveServerConfig(y *serverYAMLConfig) *ServerConfig {
	cfg := DefaultServerConfig()
	if y == nil {
		return cfg
	}
	if y.ListenAddr != "" {
		cfg.ListenAddr = y.ListenAddr
	}
	return cfg
}

func resolvePipelineConfig(y *pipelineYAMLConfig) *PipelineConfig {
	cfg := DefaultPipelineConfig()
	if y == nil {
		return cfg
	}
	cfg.ConfirmationTTL = parseDuration("pipeline", "confirmation_ttl", y.ConfirmationTTL, cfg.ConfirmationTTL)
	cfg.IdempotencyTTL = parseDuration("pipeline", "idempotency_ttl", y.IdempotencyTTL, cfg.IdempotencyTTL)
	if len(y.ConversationalChannels) > 0 {
		cfg.ConversationalChannels = y.ConversationalChannels
	}
	return cfg
}

func resolveOutboxConfig(y *outboxYAMLConfig) *OutboxConfig {
	cfg := DefaultOutboxConfig()
	if y == nil {
		return cfg
	}
	if y.MaxAttempts > 0 {
		cfg.MaxAttempts = y.MaxAttempts
	}
	cfg.BackoffInitial = parseDuration("outbox", "backoff_initial", y.BackoffInitial, cfg.BackoffInitial)
	cfg.BackoffMax = parseDuration("outbox", "backoff_max", y.BackoffMax, cfg.BackoffMax)
	if y.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = y.BackoffMultiplier
	}
	if y.BackoffRandomization > 0 {
		cfg.BackoffRandomization = y.BackoffRandomization
	}
	cfg.DispatcherWakeup = parseDuration("outbox", "dispatcher_wakeup", y.DispatcherWakeup, cfg.DispatcherWakeup)
	if y.MaxConcurrentDeliveries > 0 {
		cfg.MaxConcurrentDeliveries = y.MaxConcurrentDeliveries
	}
	cfg.DeliveryTimeout = parseDuration("outbox", "delivery_timeout", y.DeliveryTimeout, cfg.DeliveryTimeout)
	return cfg
}

func resolveSlackConfig(y *slackYAMLConfig) *SlackConfig {
	cfg := DefaultSlackConfig()
	if y == nil {
		return cfg
	}
	if y.Enabled != nil {
		cfg.Enabled = *y.Enabled
	}
	if y.SigningSecretEnv != "" {
		cfg.SigningSecretEnv = y.SigningSecretEnv
	}
	if y.BotTokenEnv != "" {
		cfg.BotTokenEnv = y.BotTokenEnv
	}
	return cfg
}

func resolveTelegramConfig(y *telegramYAMLConfig) *TelegramConfig {
	cfg := DefaultTelegramConfig()
	if y == nil {
		return cfg
	}
	if y.Enabled != nil {
		cfg.Enabled = *y.Enabled
	}
	if y.BotTokenEnv != "" {
		cfg.BotTokenEnv = y.BotTokenEnv
	}
	if y.SecretTokenEnv != "" {
		cfg.SecretTokenEnv = y.SecretTokenEnv
	}
	return cfg
}

func resolveWebhookConfig(y *webhookYAMLConfig) *WebhookConfig {
	cfg := DefaultWebhookConfig()
	if y == nil {
		return cfg
	}
	if y.Enabled != nil {
		cfg.Enabled = *y.Enabled
	}
	if y.SecretEnv != "" {
		cfg.SecretEnv = y.SecretEnv
	}
	return cfg
}

func resolveOperatorConfig(y *operatorYAMLConfig) *OperatorConfig {
	cfg := DefaultOperatorConfig()
	if y == nil {
		return cfg
	}
	if y.Enabled != nil {
		cfg.Enabled = *y.Enabled
	}
	if y.BaseURL != "" {
		cfg.BaseURL = y.BaseURL
	}
	cfg.Timeout = parseDuration("operator", "timeout", y.Timeout, cfg.Timeout)
	return cfg
}

func resolveSupervisorConfig(y *supervisorYAMLConfig) *SupervisorConfig {
	cfg := DefaultSupervisorConfig()
	if y == nil {
		return cfg
	}
	if y.Name != "" {
		cfg.Name = y.Name
	}
	return cfg
}

func resolveShutdownConfig(y *shutdownYAMLConfig) *ShutdownConfig {
	cfg := DefaultShutdownConfig()
	if y == nil {
		return cfg
	}
	cfg.Timeout = parseDuration("shutdown", "timeout", y.Timeout, cfg.Timeout)
	return cfg
}
