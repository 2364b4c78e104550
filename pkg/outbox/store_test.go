package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, storage.Paths) {
	t.Helper()
	paths := storage.ResolvePaths(t.TempDir())
	require.NoError(t, paths.EnsureDir())

	store, err := Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, paths
}

func outEnv(body string) models.OutboundEnvelope {
	return models.OutboundEnvelope{
		V:                     models.EnvelopeVersion,
		Channel:               models.ChannelSlack,
		ChannelConversationID: "C123",
		ResponseID:            "resp-1",
		Kind:                  models.OutboundKindResult,
		Body:                  body,
		Correlation:           models.Correlation{CommandID: "cmd-000001", RequestID: "req-1"},
	}
}

func TestStore_EnqueueAndDuplicate(t *testing.T) {
	store, _ := newTestStore(t)

	outcome, rec, err := store.Enqueue("dk-1", outEnv("hello"), 4, 1000)
	require.NoError(t, err)
	assert.Equal(t, Enqueued, outcome)
	assert.Equal(t, "out-000001", rec.OutboxID)
	assert.Equal(t, models.OutboxStatePending, rec.State)
	assert.Equal(t, int64(1000), rec.NextAttemptAtMS)

	// Same dedupe key collapses onto the existing record even when the
	// envelope differs.
	outcome, dup, err := store.Enqueue("dk-1", outEnv("different body"), 4, 2000)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
	assert.Equal(t, rec.OutboxID, dup.OutboxID)
	assert.Equal(t, "hello", dup.Envelope.Body)
}

func TestStore_DuplicateAgainstDeadLetter(t *testing.T) {
	store, _ := newTestStore(t)

	_, rec, err := store.Enqueue("dk-1", outEnv("hello"), 4, 1000)
	require.NoError(t, err)
	_, err = store.MarkDeadLetter(rec.OutboxID, DeadLetterReasonUnsupported, 2000)
	require.NoError(t, err)

	// Dedupe holds regardless of the existing record's state: the enqueue is
	// a duplicate, not a fresh delivery.
	outcome, dup, err := store.Enqueue("dk-1", outEnv("hello"), 4, 3000)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
	assert.Equal(t, rec.OutboxID, dup.OutboxID)
	assert.Equal(t, models.OutboxStateDeadLetter, dup.State)
}

func TestStore_DueOrderingAndFiltering(t *testing.T) {
	store, _ := newTestStore(t)

	_, first, err := store.Enqueue("dk-1", outEnv("first"), 4, 1000)
	require.NoError(t, err)
	_, second, err := store.Enqueue("dk-2", outEnv("second"), 4, 2000)
	require.NoError(t, err)
	_, future, err := store.Enqueue("dk-3", outEnv("future"), 4, 9000)
	require.NoError(t, err)

	due := store.Due(5000)
	require.Len(t, due, 2)
	assert.Equal(t, first.OutboxID, due[0].OutboxID)
	assert.Equal(t, second.OutboxID, due[1].OutboxID)

	due = store.Due(9000)
	require.Len(t, due, 3)
	assert.Equal(t, future.OutboxID, due[2].OutboxID)

	// In-flight records are never due.
	_, err = store.MarkInFlight(first.OutboxID, 5000)
	require.NoError(t, err)
	due = store.Due(9000)
	require.Len(t, due, 2)
}

func TestStore_RetryUntilDeadLetter(t *testing.T) {
	store, _ := newTestStore(t)

	_, rec, err := store.Enqueue("dk-1", outEnv("hello"), 4, 1000)
	require.NoError(t, err)

	// Three failed attempts keep the record pending with a later attempt time.
	for i := 1; i <= 3; i++ {
		_, err = store.MarkInFlight(rec.OutboxID, 1000)
		require.NoError(t, err)
		updated, err := store.MarkRetry(rec.OutboxID, "boom", 2000, 1500)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxStatePending, updated.State)
		assert.Equal(t, i, updated.AttemptCount)
		assert.Equal(t, int64(2000), updated.NextAttemptAtMS)
		assert.Equal(t, "boom", updated.LastError)
	}

	// The fourth failure exhausts max_attempts.
	_, err = store.MarkInFlight(rec.OutboxID, 3000)
	require.NoError(t, err)
	updated, err := store.MarkRetry(rec.OutboxID, "boom", 4000, 3500)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStateDeadLetter, updated.State)
	assert.Equal(t, 4, updated.AttemptCount)
	assert.Equal(t, DeadLetterReasonExhausted, updated.DeadLetterReason)

	letters := store.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, rec.OutboxID, letters[0].OutboxID)
}

func TestStore_MarkDelivered(t *testing.T) {
	store, _ := newTestStore(t)

	_, rec, err := store.Enqueue("dk-1", outEnv("hello"), 4, 1000)
	require.NoError(t, err)
	_, err = store.MarkRetry(rec.OutboxID, "transient", 2000, 1500)
	require.NoError(t, err)

	updated, err := store.MarkDelivered(rec.OutboxID, 3000)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStateDelivered, updated.State)
	assert.Empty(t, updated.LastError)
}

func TestStore_ReplayDeadLetter(t *testing.T) {
	store, _ := newTestStore(t)

	_, rec, err := store.Enqueue("dk-1", outEnv("hello"), 4, 1000)
	require.NoError(t, err)

	// Not dead-lettered yet.
	_, _, err = store.ReplayDeadLetter(rec.OutboxID, "cmd-000009", 2000)
	assert.ErrorIs(t, err, ErrNotDeadLetter)

	// Unknown id.
	_, _, err = store.ReplayDeadLetter("out-999999", "cmd-000009", 2000)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.MarkDeadLetter(rec.OutboxID, DeadLetterReasonExhausted, 2000)
	require.NoError(t, err)

	original, replay, err := store.ReplayDeadLetter(rec.OutboxID, "cmd-000009", 3000)
	require.NoError(t, err)
	assert.Equal(t, rec.OutboxID, original.OutboxID)
	assert.NotEqual(t, rec.OutboxID, replay.OutboxID)
	assert.NotEqual(t, rec.DedupeKey, replay.DedupeKey)
	assert.Equal(t, models.OutboxStatePending, replay.State)
	assert.Equal(t, 0, replay.AttemptCount)
	assert.Equal(t, rec.OutboxID, replay.ReplayOfOutboxID)
	assert.Equal(t, "cmd-000009", replay.ReplayRequestedByCommand)
	assert.Equal(t, rec.Envelope.Body, replay.Envelope.Body)
	assert.Equal(t, rec.Envelope.Correlation.CommandID, replay.Envelope.Correlation.CommandID)

	// The original stays dead-lettered.
	assert.Equal(t, models.OutboxStateDeadLetter, store.Get(rec.OutboxID).State)
}

func TestStore_ReloadFoldsSnapshotsAndResetsInFlight(t *testing.T) {
	store, paths := newTestStore(t)

	_, rec, err := store.Enqueue("dk-1", outEnv("hello"), 4, 1000)
	require.NoError(t, err)
	_, other, err := store.Enqueue("dk-2", outEnv("bye"), 4, 1000)
	require.NoError(t, err)
	_, err = store.MarkInFlight(rec.OutboxID, 2000)
	require.NoError(t, err)
	_, err = store.MarkDelivered(other.OutboxID, 2000)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reloaded, err := Open(paths)
	require.NoError(t, err)
	defer reloaded.Close()

	// In-flight was never acknowledged, so it comes back pending.
	assert.Equal(t, models.OutboxStatePending, reloaded.Get(rec.OutboxID).State)
	assert.Equal(t, models.OutboxStateDelivered, reloaded.Get(other.OutboxID).State)

	// New enqueues continue the id sequence.
	_, next, err := reloaded.Enqueue("dk-3", outEnv("next"), 4, 3000)
	require.NoError(t, err)
	assert.Equal(t, "out-000003", next.OutboxID)
}

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	b := DefaultBackoff()

	first := b.DelayMS(1)
	second := b.DelayMS(2)
	fifth := b.DelayMS(5)

	// With 20% jitter the first delay stays near the 500ms base.
	assert.GreaterOrEqual(t, first, int64(400))
	assert.LessOrEqual(t, first, int64(600))
	assert.Greater(t, second, first)
	// The cap holds no matter how many attempts.
	assert.LessOrEqual(t, fifth, int64(36000))
	assert.LessOrEqual(t, b.DelayMS(50), int64(36000))
}
