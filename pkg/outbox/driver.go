package outbox

import (
	"context"

	"github.com/openmu/mucp/pkg/models"
)

// DeliveryStatus discriminates a driver result.
type DeliveryStatus string

// Delivery statuses.
const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusRetry     DeliveryStatus = "retry"
)

// DeliveryResult is the tagged result of one delivery attempt.
// RetryDelayMS, when positive, overrides the dispatcher's backoff (a channel
// hint such as Retry-After).
type DeliveryResult struct {
	Status       DeliveryStatus
	Error        string
	RetryDelayMS int64
}

// Driver delivers outbound envelopes for one channel.
type Driver interface {
	// Channel returns the channel this driver serves.
	Channel() string

	// Deliver attempts delivery of the record's envelope.
	Deliver(ctx context.Context, rec *models.OutboxRecord) DeliveryResult
}
