package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// Both store implementations must behave identically.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("credential lifecycle", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		credential, err := store.Credential()
		require.NoError(t, err)
		assert.Empty(t, credential)

		require.NoError(t, store.SetCredential("first-key"))
		require.NoError(t, store.SetCredential("second-key"))
		credential, err = store.Credential()
		require.NoError(t, err)
		assert.Equal(t, "second-key", credential)

		require.NoError(t, store.DeleteCredential())
		credential, err = store.Credential()
		require.NoError(t, err)
		assert.Empty(t, credential)
	})

	t.Run("secret is nil when unknown", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		secret, err := store.Secret(protocol.NewChannelID())
		require.NoError(t, err)
		assert.Nil(t, secret)
	})

	t.Run("secret roundtrip", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		id := protocol.NewChannelID()
		secret := []byte{1, 2, 3, 4}
		require.NoError(t, store.SetSecret(id, secret))

		got, err := store.Secret(id)
		require.NoError(t, err)
		assert.Equal(t, secret, got)

		// A name for the same channel must not disturb the secret.
		require.NoError(t, store.SetChannelName(id, "kept"))
		got, err = store.Secret(id)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	})

	t.Run("channel name roundtrip", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		id := protocol.NewChannelID()
		name, err := store.ChannelName(id)
		require.NoError(t, err)
		assert.Empty(t, name)

		require.NoError(t, store.SetChannelName(id, "the regulars"))
		name, err = store.ChannelName(id)
		require.NoError(t, err)
		assert.Equal(t, "the regulars", name)
	})

	t.Run("channel order", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		order, err := store.ChannelOrder()
		require.NoError(t, err)
		assert.Empty(t, order)

		a, b, c := protocol.NewChannelID(), protocol.NewChannelID(), protocol.NewChannelID()
		require.NoError(t, store.SetChannelOrder([]protocol.ChannelID{c, a, b}))
		order, err = store.ChannelOrder()
		require.NoError(t, err)
		assert.Equal(t, []protocol.ChannelID{c, a, b}, order)

		require.NoError(t, store.SetChannelOrder([]protocol.ChannelID{a, b}))
		order, err = store.ChannelOrder()
		require.NoError(t, err)
		assert.Equal(t, []protocol.ChannelID{a, b}, order)
	})

	t.Run("delete channel forgets everything", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		id := protocol.NewChannelID()
		require.NoError(t, store.SetSecret(id, []byte{9, 9, 9}))
		require.NoError(t, store.SetChannelName(id, "doomed"))
		require.NoError(t, store.SetChannelOrder([]protocol.ChannelID{id}))

		require.NoError(t, store.DeleteChannel(id))

		secret, err := store.Secret(id)
		require.NoError(t, err)
		assert.Nil(t, secret)
		name, err := store.ChannelName(id)
		require.NoError(t, err)
		assert.Empty(t, name)
		order, err := store.ChannelOrder()
		require.NoError(t, err)
		assert.Empty(t, order)
	})
}

func TestSQLStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := OpenStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenStore(dir)
	require.NoError(t, err)
	id := protocol.NewChannelID()
	require.NoError(t, store.SetCredential("sticky-key"))
	require.NoError(t, store.SetSecret(id, []byte{4, 5, 6}))
	require.NoError(t, store.SetChannelName(id, "sticky"))
	require.NoError(t, store.Close())

	store, err = OpenStore(dir)
	require.NoError(t, err)
	defer store.Close()

	credential, err := store.Credential()
	require.NoError(t, err)
	assert.Equal(t, "sticky-key", credential)
	secret, err := store.Secret(id)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, secret)
	name, err := store.ChannelName(id)
	require.NoError(t, err)
	assert.Equal(t, "sticky", name)

	_, err = os.Stat(filepath.Join(dir, "client.db"))
	assert.NoError(t, err)
}
