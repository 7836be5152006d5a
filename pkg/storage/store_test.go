package storage

import (
	"testing"
	"time"

	"github.com/cuemby/seedhost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	stores := map[string]Store{}
	for _, driver := range []string{"bolt", "sqlite"} {
		store, err := Open(driver, t.TempDir())
		require.NoError(t, err, driver)
		t.Cleanup(func() { _ = store.Close() })
		stores[driver] = store
	}
	return stores
}

func TestStore_Users(t *testing.T) {
	for driver, store := range openStores(t) {
		t.Run(driver, func(t *testing.T) {
			user := &types.User{Handle: "alice", Token: "secret-token", Active: true}
			require.NoError(t, store.CreateUser(user))
			assert.NotEmpty(t, user.ID)

			got, err := store.GetUser(user.ID)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.Handle)
			assert.True(t, got.Active)

			byToken, err := store.GetUserByToken("secret-token")
			require.NoError(t, err)
			assert.Equal(t, user.ID, byToken.ID)

			_, err = store.GetUserByToken("")
			assert.ErrorIs(t, err, ErrNotFound)

			got.Active = false
			require.NoError(t, store.UpdateUser(got))
			got, err = store.GetUser(user.ID)
			require.NoError(t, err)
			assert.False(t, got.Active)

			_, err = store.GetUser("missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.UpdateUser(&types.User{ID: "missing"}), ErrNotFound)
		})
	}
}

func TestStore_NodeLifecycle(t *testing.T) {
	for driver, store := range openStores(t) {
		t.Run(driver, func(t *testing.T) {
			first := &types.Node{UserID: "u1", NodeID: "did:key:one", Alias: "alice"}
			require.NoError(t, store.CreateNode(first))
			assert.NotEmpty(t, first.ID)
			assert.NotZero(t, first.Seq)

			// A second live node for the same user is refused
			err := store.CreateNode(&types.Node{UserID: "u1", Alias: "alice"})
			assert.ErrorIs(t, err, ErrConflict)

			found, err := store.FindNode(NodeFilter{UserID: "u1"})
			require.NoError(t, err)
			assert.Equal(t, first.ID, found.ID)

			addr := "seed.example.com:20001"
			updated, err := store.UpdateNode(first.ID, NodeUpdate{ConnectAddress: &addr})
			require.NoError(t, err)
			assert.Equal(t, addr, updated.ConnectAddress)

			// Same address again is fine, a different one is not
			_, err = store.UpdateNode(first.ID, NodeUpdate{ConnectAddress: &addr})
			assert.NoError(t, err)
			other := "seed.example.com:20002"
			_, err = store.UpdateNode(first.ID, NodeUpdate{ConnectAddress: &other})
			assert.ErrorIs(t, err, ErrConflict)

			deleted := true
			updated, err = store.UpdateNode(first.ID, NodeUpdate{Deleted: &deleted})
			require.NoError(t, err)
			assert.True(t, updated.Deleted)
			assert.False(t, updated.DeletedAt.IsZero())

			_, err = store.FindNode(NodeFilter{UserID: "u1"})
			assert.ErrorIs(t, err, ErrNotFound)

			// After soft delete a replacement can be created with a higher sequence
			second := &types.Node{UserID: "u1", Alias: "alice"}
			require.NoError(t, store.CreateNode(second))
			assert.Greater(t, second.Seq, first.Seq)

			all, err := store.ListNodes(NodeFilter{UserID: "u1", IncludeDeleted: true})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, first.ID, all[0].ID)
			assert.Equal(t, second.ID, all[1].ID)
		})
	}
}

func TestStore_StartedAtRoundTrip(t *testing.T) {
	for driver, store := range openStores(t) {
		t.Run(driver, func(t *testing.T) {
			node := &types.Node{UserID: "u2", Alias: "bob"}
			require.NoError(t, store.CreateNode(node))

			started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			_, err := store.UpdateNode(node.ID, NodeUpdate{StartedAt: &started})
			require.NoError(t, err)

			got, err := store.GetNode(node.ID)
			require.NoError(t, err)
			assert.True(t, started.Equal(got.StartedAt))
			assert.True(t, got.DeletedAt.IsZero())
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", t.TempDir())
	assert.Error(t, err)
}
