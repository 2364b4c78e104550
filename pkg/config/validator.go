package config

import (
	"fmt"

	"github.com/openmu/mucp/pkg/policy"
)

// knownChannels are the channel names an adapter can exist for.
var knownChannels = map[string]bool{
	"slack":    true,
	"telegram": true,
	"webhook":  true,
	"terminal": true,
}

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validatePipeline(); err != nil {
		return err
	}
	if err := v.validateOutbox(); err != nil {
		return err
	}
	if err := v.validateRateLimit(); err != nil {
		return err
	}
	if err := v.validateAdapters(); err != nil {
		return err
	}
	if err := v.validateOperator(); err != nil {
		return err
	}
	if v.cfg.Supervisor.Name == "" {
		return NewValidationError("supervisor", "name", ErrMissingRequiredField)
	}
	if v.cfg.Shutdown.Timeout <= 0 {
		return NewValidationError("shutdown", "timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validatePipeline() error {
	p := v.cfg.Pipeline
	if p.ConfirmationTTL <= 0 {
		return NewValidationError("pipeline", "confirmation_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if p.IdempotencyTTL <= 0 {
		return NewValidationError("pipeline", "idempotency_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	for _, channel := range p.ConversationalChannels {
		if !knownChannels[channel] {
			return NewValidationError("pipeline", "conversational_channels",
				fmt.Errorf("%w: unknown channel '%s'", ErrInvalidValue, channel))
		}
	}
	return nil
}

func (v *ConfigValidator) validateOutbox() error {
	o := v.cfg.Outbox
	if o.MaxAttempts < 1 {
		return NewValidationError("outbox", "max_attempts", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if o.BackoffInitial <= 0 || o.BackoffMax <= 0 {
		return NewValidationError("outbox", "backoff", fmt.Errorf("%w: backoff intervals must be positive", ErrInvalidValue))
	}
	if o.BackoffInitial > o.BackoffMax {
		return NewValidationError("outbox", "backoff_initial",
			fmt.Errorf("%w: must not exceed backoff_max", ErrInvalidValue))
	}
	if o.BackoffMultiplier < 1 {
		return NewValidationError("outbox", "backoff_multiplier", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if o.MaxConcurrentDeliveries < 1 {
		return NewValidationError("outbox", "max_concurrent_deliveries", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if o.DeliveryTimeout <= 0 || o.DispatcherWakeup <= 0 {
		return NewValidationError("outbox", "timeouts", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateRateLimit() error {
	r := v.cfg.RateLimit
	if r.WindowMS <= 0 {
		return NewValidationError("rate_limit", "window_ms", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	// Zero limits are valid: every admission then defers or fails per the
	// overflow mode.
	if r.ActorLimit < 0 || r.ChannelLimit < 0 {
		return NewValidationError("rate_limit", "limits", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if r.Overflow != policy.OverflowDefer && r.Overflow != policy.OverflowFail {
		return NewValidationError("rate_limit", "overflow",
			fmt.Errorf("%w: must be 'defer' or 'fail'", ErrInvalidValue))
	}
	if r.Overflow == policy.OverflowDefer && r.DeferMS <= 0 {
		return NewValidationError("rate_limit", "defer_ms", fmt.Errorf("%w: must be positive in defer mode", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAdapters() error {
	if v.cfg.Slack.Enabled {
		if v.cfg.Slack.SigningSecretEnv == "" {
			return NewValidationError("slack", "signing_secret_env", ErrMissingRequiredField)
		}
		if v.cfg.Slack.BotTokenEnv == "" {
			return NewValidationError("slack", "bot_token_env", ErrMissingRequiredField)
		}
	}
	if v.cfg.Telegram.Enabled {
		if v.cfg.Telegram.BotTokenEnv == "" {
			return NewValidationError("telegram", "bot_token_env", ErrMissingRequiredField)
		}
		if v.cfg.Telegram.SecretTokenEnv == "" {
			return NewValidationError("telegram", "secret_token_env", ErrMissingRequiredField)
		}
	}
	if v.cfg.Webhook.Enabled && v.cfg.Webhook.SecretEnv == "" {
		return NewValidationError("webhook", "secret_env", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateOperator() error {
	op := v.cfg.Operator
	if op.Enabled && op.BaseURL == "" {
		return NewValidationError("operator", "base_url", ErrMissingRequiredField)
	}
	if op.Timeout <= 0 {
		return NewValidationError("operator", "timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
