package realtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestClientStoreUniqueId(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	store, err := OpenClientStore(ctx, path)
	assert.Equal(t, nil, err)

	uniqueId, err := store.UniqueId(ctx)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, "", uniqueId)

	// created exactly once, reused on every subsequent call
	uniqueId2, err := store.UniqueId(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, uniqueId, uniqueId2)

	// survives a process restart
	assert.Equal(t, nil, store.Close())

	store2, err := OpenClientStore(ctx, path)
	assert.Equal(t, nil, err)
	defer store2.Close()

	uniqueId3, err := store2.UniqueId(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, uniqueId, uniqueId3)
}

func TestClientStoreSessionId(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	store, err := OpenClientStore(ctx, path)
	assert.Equal(t, nil, err)
	defer store.Close()

	_, ok, err := store.SessionId(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	assert.Equal(t, nil, store.SetSessionId(ctx, "session-9"))

	sessionId, ok, err := store.SessionId(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "session-9", sessionId)

	// last writer wins
	assert.Equal(t, nil, store.SetSessionId(ctx, "session-10"))
	sessionId, _, err = store.SessionId(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "session-10", sessionId)
}
