// Package config loads and validates mucp.yaml: the server listen address,
// pipeline knobs, outbox delivery tuning, policy limits, and per-channel
// adapter credentials. Secrets stay in the environment; the YAML names the
// variables that hold them.
package config

import (
	"os"
	"time"

	"github.com/openmu/mucp/pkg/policy"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	Server       *ServerConfig
	Pipeline     *PipelineConfig
	Outbox       *OutboxConfig
	RateLimit    *policy.RateLimitConfig
	KillSwitches *policy.KillSwitches
	Slack        *SlackConfig
	Telegram     *TelegramConfig
	Webhook      *WebhookConfig
	Operator     *OperatorConfig
	Supervisor   *SupervisorConfig
	Shutdown     *ShutdownConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: ":8080",
	}
}

// PipelineConfig holds command pipeline settings.
type PipelineConfig struct {
	// ConfirmationTTL bounds how long a confirmation-required command waits
	// for its confirm.
	ConfirmationTTL time.Duration

	// IdempotencyTTL is the lifetime of an idempotency claim.
	IdempotencyTTL time.Duration

	// ConversationalChannels lists the channels whose raw text may reach the
	// operator backend.
	ConversationalChannels []string
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		ConfirmationTTL:        15 * time.Minute,
		IdempotencyTTL:         24 * time.Hour,
		ConversationalChannels: []string{"slack", "telegram", "terminal"},
	}
}

// OutboxConfig holds outbox delivery and dispatcher tuning.
type OutboxConfig struct {
	// MaxAttempts caps delivery attempts before dead-lettering.
	MaxAttempts int

	// BackoffInitial and BackoffMax bound the exponential retry delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// BackoffMultiplier grows the delay per attempt; BackoffRandomization is
	// the jitter fraction.
	BackoffMultiplier    float64
	BackoffRandomization float64

	// DispatcherWakeup bounds how long a due record can wait without a
	// producer signal.
	DispatcherWakeup time.Duration

	// MaxConcurrentDeliveries caps parallel driver calls per drain pass.
	MaxConcurrentDeliveries int

	// DeliveryTimeout bounds a single driver call.
	DeliveryTimeout time.Duration
}

// DefaultOutboxConfig returns the built-in outbox defaults.
func DefaultOutboxConfig() *OutboxConfig {
	return &OutboxConfig{
		MaxAttempts:             4,
		BackoffInitial:          500 * time.Millisecond,
		BackoffMax:              30 * time.Second,
		BackoffMultiplier:       2,
		BackoffRandomization:    0.2,
		DispatcherWakeup:        1 * time.Second,
		MaxConcurrentDeliveries: 4,
		DeliveryTimeout:         5 * time.Second,
	}
}

// SlackConfig holds Slack adapter settings. Secrets are referenced by
// environment variable name.
type SlackConfig struct {
	Enabled          bool
	SigningSecretEnv string
	BotTokenEnv      string
}

// DefaultSlackConfig returns the built-in Slack defaults.
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:          false,
		SigningSecretEnv: "SLACK_SIGNING_SECRET",
		BotTokenEnv:      "SLACK_BOT_TOKEN",
	}
}

// SigningSecret resolves the signing secret from the environment.
func (c *SlackConfig) SigningSecret() string {
	return os.Getenv(c.SigningSecretEnv)
}

// BotToken resolves the bot token from the environment.
func (c *SlackConfig) BotToken() string {
	return os.Getenv(c.BotTokenEnv)
}

// TelegramConfig holds Telegram adapter settings.
type TelegramConfig struct {
	Enabled        bool
	BotTokenEnv    string
	SecretTokenEnv string
}

// DefaultTelegramConfig returns the built-in Telegram defaults.
func DefaultTelegramConfig() *TelegramConfig {
	return &TelegramConfig{
		Enabled:        false,
		BotTokenEnv:    "TELEGRAM_BOT_TOKEN",
		SecretTokenEnv: "TELEGRAM_WEBHOOK_SECRET",
	}
}

// BotToken resolves the bot token from the environment.
func (c *TelegramConfig) BotToken() string {
	return os.Getenv(c.BotTokenEnv)
}

// SecretToken resolves the webhook secret token from the environment.
func (c *TelegramConfig) SecretToken() string {
	return os.Getenv(c.SecretTokenEnv)
}

// WebhookConfig holds generic webhook adapter settings.
type WebhookConfig struct {
	Enabled   bool
	SecretEnv string
}

// DefaultWebhookConfig returns the built-in webhook defaults.
func DefaultWebhookConfig() *WebhookConfig {
	return &WebhookConfig{
		Enabled:   true,
		SecretEnv: "MUCP_WEBHOOK_SECRET",
	}
}

// Secret resolves the HMAC secret from the environment.
func (c *WebhookConfig) Secret() string {
	return os.Getenv(c.SecretEnv)
}

// OperatorConfig holds the conversational operator backend settings.
type OperatorConfig struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration
}

// DefaultOperatorConfig returns the built-in operator defaults.
func DefaultOperatorConfig() *OperatorConfig {
	return &OperatorConfig{
		Enabled: false,
		Timeout: 30 * time.Second,
	}
}

// SupervisorConfig names the generation supervisor.
type SupervisorConfig struct {
	Name string
}

// DefaultSupervisorConfig returns the built-in supervisor defaults.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		Name: "mucp",
	}
}

// ShutdownConfig holds graceful shutdown settings.
type ShutdownConfig struct {
	Timeout time.Duration
}

// DefaultShutdownConfig returns the built-in shutdown defaults.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 10 * time.Second,
	}
}
