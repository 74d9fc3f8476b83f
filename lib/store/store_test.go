package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/shared"
	"github.com/snowmerak/plughost/lib/store"
	"github.com/snowmerak/plughost/lib/transport"
)

func exercise(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "b", map[string]int{"count": 2}))
	require.NoError(t, s.Set(ctx, "a", "first"))

	var got map[string]int
	require.NoError(t, store.Decode(ctx, s, "b", &got))
	assert.Equal(t, 2, got["count"])

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory(t *testing.T) {
	exercise(t, store.NewMemory())
}

func TestStoreThroughProxy(t *testing.T) {
	hostCh, workerCh := transport.Pipe(protocol.JSON)
	host, worker := messenger.New(hostCh), messenger.New(workerCh)
	defer host.Close(nil)
	defer worker.Close(nil)

	ctx := context.Background()
	require.NoError(t, host.Connect(ctx))
	require.NoError(t, worker.Connect(ctx))

	owned := shared.Own[store.Store](host, store.Namespace("chatlog"), store.Interface, store.NewMemory())
	defer owned.Close()

	exercise(t, shared.Use[store.Store](worker, store.Namespace("chatlog"), store.Interface).Get())
}

func TestMemoryConfigsCopies(t *testing.T) {
	repo := store.NewMemoryConfigs()
	ctx := context.Background()

	cfg, err := repo.Get(ctx, "eu-1", "chatlog")
	require.NoError(t, err)
	assert.Empty(t, cfg)

	in := map[string]any{"prefix": "[chat]"}
	require.NoError(t, repo.Put(ctx, "eu-1", "chatlog", in))
	in["prefix"] = "changed"

	cfg, err = repo.Get(ctx, "eu-1", "chatlog")
	require.NoError(t, err)
	assert.Equal(t, "[chat]", cfg["prefix"])

	cfg, err = repo.Get(ctx, "eu-2", "chatlog")
	require.NoError(t, err)
	assert.Empty(t, cfg)
}
