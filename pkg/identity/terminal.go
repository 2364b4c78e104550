package identity

import "github.com/openmu/mucp/pkg/models"

// Reserved triple for in-process terminal sessions.
const (
	TerminalBindingID = "terminal-binding"
	TerminalTenantID  = "local"
	TerminalActorID   = "terminal"
)

// TerminalBinding returns the reserved binding used for channel=terminal
// envelopes. It exists without a journal entry and is never revocable.
func TerminalBinding() *models.IdentityBinding {
	return &models.IdentityBinding{
		BindingID:       TerminalBindingID,
		OperatorID:      "terminal",
		Channel:         models.ChannelTerminal,
		ChannelTenantID: TerminalTenantID,
		ChannelActorID:  TerminalActorID,
		AssuranceTier:   models.TierA,
		Scopes: []string{
			"cp.read",
			"cp.issue.write",
			"cp.forum.write",
			"cp.run.execute",
			"cp.ops",
		},
		Status: models.BindingStatusActive,
	}
}

// IsTerminalTriple reports whether the envelope triple addresses the reserved
// terminal binding.
func IsTerminalTriple(channel, tenantID, actorID string) bool {
	return channel == models.ChannelTerminal &&
		tenantID == TerminalTenantID &&
		actorID == TerminalActorID
}
