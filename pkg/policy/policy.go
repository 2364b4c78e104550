// Package policy decides whether a resolved command may run: static command
// table, default-deny authorization, channel and ops-class kill switches, and
// a sliding-window rate limiter for mutations.
package policy

import (
	"github.com/openmu/mucp/pkg/models"
)

// Ops classes used for kill switches.
const (
	OpsClassRead       = "read"
	OpsClassIssueWrite = "issue_write"
	OpsClassForumWrite = "forum_write"
	OpsClassRunExecute = "run_execute"
	OpsClassOps        = "ops"
)

// CommandRule is the policy row for one command key.
type CommandRule struct {
	Scopes               []string             `yaml:"scopes"`
	Mutating             bool                 `yaml:"mutating"`
	ConfirmationRequired bool                 `yaml:"confirmation_required"`
	MinAssuranceTier     models.AssuranceTier `yaml:"min_assurance_tier"`
	OpsClass             string               `yaml:"ops_class"`
}

// DefaultTable returns the built-in command table. Keys are whitespace-joined
// token prefixes, 1–3 tokens deep.
func DefaultTable() map[string]CommandRule {
	return map[string]CommandRule{
		"status": {
			Scopes:           []string{"cp.read"},
			MinAssuranceTier: models.TierC,
			OpsClass:         OpsClassRead,
		},
		"issue list": {
			Scopes:           []string{"cp.read"},
			MinAssuranceTier: models.TierC,
			OpsClass:         OpsClassRead,
		},
		"issue show": {
			Scopes:           []string{"cp.read"},
			MinAssuranceTier: models.TierC,
			OpsClass:         OpsClassRead,
		},
		"issue close": {
			Scopes:               []string{"cp.issue.write"},
			Mutating:             true,
			ConfirmationRequired: true,
			MinAssuranceTier:     models.TierB,
			OpsClass:             OpsClassIssueWrite,
		},
		"issue create": {
			Scopes:           []string{"cp.issue.write"},
			Mutating:         true,
			MinAssuranceTier: models.TierB,
			OpsClass:         OpsClassIssueWrite,
		},
		"issue dep add": {
			Scopes:           []string{"cp.issue.write"},
			Mutating:         true,
			MinAssuranceTier: models.TierB,
			OpsClass:         OpsClassIssueWrite,
		},
		"forum post": {
			Scopes:           []string{"cp.forum.write"},
			Mutating:         true,
			MinAssuranceTier: models.TierB,
			OpsClass:         OpsClassForumWrite,
		},
		"run start": {
			Scopes:               []string{"cp.run.execute"},
			Mutating:             true,
			ConfirmationRequired: true,
			MinAssuranceTier:     models.TierA,
			OpsClass:             OpsClassRunExecute,
		},
		"run status": {
			Scopes:           []string{"cp.read"},
			MinAssuranceTier: models.TierC,
			OpsClass:         OpsClassRead,
		},
		"reload": {
			Scopes:           []string{"cp.ops"},
			Mutating:         true,
			MinAssuranceTier: models.TierA,
			OpsClass:         OpsClassOps,
		},
		"update": {
			Scopes:               []string{"cp.ops"},
			Mutating:             true,
			ConfirmationRequired: true,
			MinAssuranceTier:     models.TierA,
			OpsClass:             OpsClassOps,
		},
	}
}

// KillSwitches gate mutations independently of scopes.
type KillSwitches struct {
	MutationsDisabledGlobal bool            `yaml:"mutations_disabled_global"`
	DisabledChannels        map[string]bool `yaml:"disabled_channels"`
	DisabledClasses         map[string]bool `yaml:"disabled_classes"`
}

// DecisionKind discriminates an authorization decision.
type DecisionKind string

// Decision kinds.
const (
	DecisionAllow DecisionKind = "allow"
	DecisionDeny  DecisionKind = "deny"
	DecisionDefer DecisionKind = "defer"
	DecisionFail  DecisionKind = "fail"
)

// Decision is the tagged authorization result.
type Decision struct {
	Kind      DecisionKind
	Reason    string
	RetryAtMS int64
}

// Engine evaluates the policy table for resolved commands.
type Engine struct {
	table    map[string]CommandRule
	switches KillSwitches
	limiter  *RateLimiter
}

// NewEngine creates a policy engine. A nil table uses DefaultTable.
func NewEngine(table map[string]CommandRule, switches KillSwitches, limiter *RateLimiter) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{table: table, switches: switches, limiter: limiter}
}

// Rule returns the policy row for a command key, if mapped.
func (e *Engine) Rule(commandKey string) (CommandRule, bool) {
	rule, ok := e.table[commandKey]
	return rule, ok
}

// Known reports whether a command key is mapped.
func (e *Engine) Known(commandKey string) bool {
	_, ok := e.table[commandKey]
	return ok
}

// Authorize applies default-deny authorization: the command must be mapped,
// the binding must carry every required scope, the binding tier must meet the
// rule's minimum, and no kill switch may gate the mutation.
func (e *Engine) Authorize(commandKey string, binding *models.IdentityBinding, channel string) Decision {
	rule, ok := e.table[commandKey]
	if !ok {
		return Decision{Kind: DecisionDeny, Reason: models.ErrCodeUnmappedCommand}
	}

	for _, scope := range rule.Scopes {
		if !binding.HasScope(scope) {
			return Decision{Kind: DecisionDeny, Reason: models.ErrCodeMissingScope}
		}
	}

	if !binding.AssuranceTier.AtLeast(rule.MinAssuranceTier) {
		return Decision{Kind: DecisionDeny, Reason: models.ErrCodeAssuranceTierTooLow}
	}

	if rule.Mutating {
		if e.switches.MutationsDisabledGlobal {
			return Decision{Kind: DecisionDeny, Reason: models.ErrCodeMutationsDisabledGlobal}
		}
		if e.switches.DisabledChannels[channel] {
			return Decision{Kind: DecisionDeny, Reason: models.ErrCodeMutationsDisabledChannel}
		}
		if e.switches.DisabledClasses[rule.OpsClass] {
			return Decision{Kind: DecisionDeny, Reason: models.ErrCodeMutationsDisabledClass}
		}
	}

	return Decision{Kind: DecisionAllow}
}

// AdmitMutation applies the rate limiter for a mutation about to be queued.
// Returns allow, defer(retry_at_ms), or fail(backpressure_overflow).
func (e *Engine) AdmitMutation(actorID, channel string, nowMS int64) Decision {
	if e.limiter == nil {
		return Decision{Kind: DecisionAllow}
	}
	return e.limiter.Admit(actorID, channel, nowMS)
}
