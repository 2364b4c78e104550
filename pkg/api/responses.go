package api

import (
	"sort"

	"github.com/openmu/mucp/pkg/adapters"
	"github.com/openmu/mucp/pkg/generation"
	"github.com/openmu/mucp/pkg/models"
)

// HealthCheck is the status of a single component check.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Generation models.Generation      `json:"generation"`
	Commands   map[string]int         `json:"commands"`
	Checks     map[string]HealthCheck `json:"checks"`
}

// ChannelDescriptor wraps one adapter spec in the channels listing.
type ChannelDescriptor struct {
	Spec adapters.Spec `json:"spec"`
}

// ChannelsResponse is the GET /api/control-plane/channels body.
type ChannelsResponse struct {
	Channels []ChannelDescriptor `json:"channels"`
}

// ReloadRequest is the POST /api/control-plane/reload body.
type ReloadRequest struct {
	Reason string `json:"reason"`
}

// ReloadResponse is the reload endpoint body for both outcomes.
type ReloadResponse struct {
	Outcome          string               `json:"outcome"`
	Coalesced        bool                 `json:"coalesced"`
	Error            string               `json:"error,omitempty"`
	Attempt          models.ReloadAttempt `json:"attempt"`
	ActiveGeneration models.Generation    `json:"active_generation"`
	Channels         []string             `json:"channels"`
}

// RollbackResponse is the POST /api/control-plane/rollback body.
type RollbackResponse struct {
	Outcome          string               `json:"outcome"`
	Attempt          models.ReloadAttempt `json:"attempt"`
	ActiveGeneration models.Generation    `json:"active_generation"`
}

// GenerationResponse is the GET /api/control-plane/generation body.
type GenerationResponse struct {
	generation.Snapshot
}

// DeadLettersResponse is the GET /api/control-plane/outbox/dead-letters body.
type DeadLettersResponse struct {
	DeadLetters []*models.OutboxRecord `json:"dead_letters"`
	Count       int                    `json:"count"`
}

// ReplayRequest is the dead-letter replay body. RequestedByCommandID is
// optional provenance for the replayed record.
type ReplayRequest struct {
	RequestedByCommandID string `json:"requested_by_command_id"`
}

// ReplayResponse returns both sides of a replay: the original record left in
// dead_letter and the fresh pending clone.
type ReplayResponse struct {
	Original *models.OutboxRecord `json:"original"`
	Replay   *models.OutboxRecord `json:"replay"`
}

func sortChannels(channels []ChannelDescriptor) {
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].Spec.Channel < channels[j].Spec.Channel
	})
}
