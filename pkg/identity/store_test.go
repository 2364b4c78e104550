package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/storage"
)

func testBinding(id, actor string) models.IdentityBinding {
	return models.IdentityBinding{
		BindingID:       id,
		OperatorID:      "op-1",
		Channel:         models.ChannelSlack,
		ChannelTenantID: "T1",
		ChannelActorID:  actor,
		AssuranceTier:   models.TierB,
		Scopes:          []string{"cp.read", "cp.issue.write"},
	}
}

func openTestStore(t *testing.T) (*Store, storage.Paths) {
	t.Helper()
	paths := storage.ResolvePaths(t.TempDir())
	require.NoError(t, paths.EnsureDir())
	s, err := Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, paths
}

func TestLinkAndResolve(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Link(testBinding("b1", "U1"), 1000))

	b := s.ResolveActive(models.ChannelSlack, "T1", "U1")
	require.NotNil(t, b)
	assert.Equal(t, "b1", b.BindingID)
	assert.Equal(t, models.BindingStatusActive, b.Status)

	assert.Nil(t, s.ResolveActive(models.ChannelSlack, "T1", "U2"))
	assert.Nil(t, s.ResolveActive(models.ChannelTelegram, "T1", "U1"))
}

func TestLinkSupersedesActiveTriple(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Link(testBinding("b1", "U1"), 1000))
	require.NoError(t, s.Link(testBinding("b2", "U1"), 2000))

	b := s.ResolveActive(models.ChannelSlack, "T1", "U1")
	require.NotNil(t, b)
	assert.Equal(t, "b2", b.BindingID)

	prior := s.Get("b1")
	require.NotNil(t, prior)
	assert.Equal(t, models.BindingStatusUnlinked, prior.Status)
}

func TestUnlinkAndRevoke(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Link(testBinding("b1", "U1"), 1000))
	require.NoError(t, s.Unlink("b1", "user request", 2000))
	assert.Nil(t, s.ResolveActive(models.ChannelSlack, "T1", "U1"))

	// Unlink of a non-active binding fails.
	require.ErrorIs(t, s.Unlink("b1", "again", 3000), ErrNotActive)
	require.ErrorIs(t, s.Revoke("missing", "x", 3000), ErrNotFound)

	require.NoError(t, s.Link(testBinding("b2", "U1"), 4000))
	require.NoError(t, s.Revoke("b2", "compromised", 5000))

	b := s.Get("b2")
	require.NotNil(t, b)
	assert.Equal(t, models.BindingStatusRevoked, b.Status)
	assert.Equal(t, "compromised", b.RevokeReason)
}

func TestStoreReload(t *testing.T) {
	paths := storage.ResolvePaths(t.TempDir())
	require.NoError(t, paths.EnsureDir())

	s, err := Open(paths)
	require.NoError(t, err)
	require.NoError(t, s.Link(testBinding("b1", "U1"), 1000))
	require.NoError(t, s.Link(testBinding("b2", "U1"), 2000))
	require.NoError(t, s.Close())

	s2, err := Open(paths)
	require.NoError(t, err)
	defer s2.Close() //nolint:errcheck

	b := s2.ResolveActive(models.ChannelSlack, "T1", "U1")
	require.NotNil(t, b)
	assert.Equal(t, "b2", b.BindingID)
	assert.Equal(t, models.BindingStatusUnlinked, s2.Get("b1").Status)
}

func TestTerminalBinding(t *testing.T) {
	b := TerminalBinding()
	assert.Equal(t, models.TierA, b.AssuranceTier)
	assert.True(t, b.HasScope("cp.ops"))

	assert.True(t, IsTerminalTriple(models.ChannelTerminal, TerminalTenantID, TerminalActorID))
	assert.False(t, IsTerminalTriple(models.ChannelSlack, TerminalTenantID, TerminalActorID))
}
