package models

// AssuranceTier ranks how strongly a binding's actor was verified.
type AssuranceTier string

// Assurance tiers, strongest first.
const (
	TierA AssuranceTier = "tier_a"
	TierB AssuranceTier = "tier_b"
	TierC AssuranceTier = "tier_c"
)

// Rank returns an ordinal for tier comparison; higher is stronger.
func (t AssuranceTier) Rank() int {
	switch t {
	case TierA:
		return 3
	case TierB:
		return 2
	case TierC:
		return 1
	}
	return 0
}

// AtLeast reports whether t meets the given minimum tier.
func (t AssuranceTier) AtLeast(min AssuranceTier) bool {
	return t.Rank() >= min.Rank()
}

// BindingStatus is the lifecycle status of an identity binding.
type BindingStatus string

// Binding statuses.
const (
	BindingStatusActive   BindingStatus = "active"
	BindingStatusUnlinked BindingStatus = "unlinked"
	BindingStatusRevoked  BindingStatus = "revoked"
)

// IdentityBinding associates a channel actor with an operator identity.
// At most one active binding exists per (channel, tenant, actor) triple.
type IdentityBinding struct {
	BindingID       string        `json:"binding_id"`
	OperatorID      string        `json:"operator_id"`
	Channel         string        `json:"channel"`
	ChannelTenantID string        `json:"channel_tenant_id"`
	ChannelActorID  string        `json:"channel_actor_id"`
	AssuranceTier   AssuranceTier `json:"assurance_tier"`
	Scopes          []string      `json:"scopes"`
	Status          BindingStatus `json:"status"`
	CreatedAtMS     int64         `json:"created_at_ms"`
	UpdatedAtMS     int64         `json:"updated_at_ms"`
	RevokeReason    string        `json:"revoke_reason,omitempty"`
}

// HasScope reports whether the binding carries the given scope.
func (b *IdentityBinding) HasScope(scope string) bool {
	for _, s := range b.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IdempotencyEntry maps an idempotency key to the command that claimed it.
// Entries past ExpiresAtMS are treated as absent.
type IdempotencyEntry struct {
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	CommandID   string `json:"command_id"`
	ExpiresAtMS int64  `json:"expires_at_ms"`
}
