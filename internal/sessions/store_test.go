package sessions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending/internal/sessions"
)

func newStore(t *testing.T) *sessions.Store {
	t.Helper()
	store, err := sessions.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newStore(t)

	review := &sessions.Review{
		PendingIDs: []uint{3, 7, 11},
		SelectedID: 7,
		OpenedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Put(42, review))

	got, err := store.Get(42)
	require.NoError(t, err)
	assert.Equal(t, review.PendingIDs, got.PendingIDs)
	assert.Equal(t, review.SelectedID, got.SelectedID)
	assert.True(t, review.OpenedAt.Equal(got.OpenedAt))
}

func TestGetMissingSession(t *testing.T) {
	store := newStore(t)
	_, err := store.Get(42)
	assert.ErrorIs(t, err, sessions.ErrNoSession)
}

func TestSessionsAreKeyedByActor(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.Put(1, &sessions.Review{PendingIDs: []uint{1}}))
	require.NoError(t, store.Put(2, &sessions.Review{PendingIDs: []uint{2}}))

	got, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []uint{1}, got.PendingIDs)

	require.NoError(t, store.Delete(1))
	_, err = store.Get(1)
	assert.ErrorIs(t, err, sessions.ErrNoSession)

	// Actor 2's session is untouched.
	got, err = store.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, got.PendingIDs)

	// Deleting an absent session is a no-op.
	require.NoError(t, store.Delete(1))
}

func TestReviewContains(t *testing.T) {
	review := &sessions.Review{PendingIDs: []uint{4, 5}}
	assert.True(t, review.Contains(4))
	assert.False(t, review.Contains(6))
}
