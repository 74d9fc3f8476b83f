package transport_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/transport"
)

func next(t *testing.T, ch transport.Channel) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch.Receive():
		require.True(t, ok, "channel closed: %v", ch.Err())
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestPipe_PreservesOrder(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.Binary, protocol.JSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			host, worker := transport.Pipe(codec)
			defer host.Close()
			defer worker.Close()

			ctx := context.Background()
			go func() {
				_ = host.Send(ctx, &protocol.Ready{})
				for i := uint64(1); i <= 3; i++ {
					_ = host.Send(ctx, &protocol.Data{ID: i, Action: "ping", Payload: json.RawMessage(`{}`)})
				}
			}()

			assert.Equal(t, protocol.KindReady, next(t, worker).Kind())
			for i := uint64(1); i <= 3; i++ {
				env := next(t, worker)
				require.IsType(t, &protocol.Data{}, env)
				assert.Equal(t, i, env.(*protocol.Data).ID)
			}
		})
	}
}

func TestPipe_CloseEndsPeerStream(t *testing.T) {
	host, worker := transport.Pipe(protocol.Binary)
	require.NoError(t, host.Close())

	select {
	case _, ok := <-worker.Receive():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("peer stream not closed")
	}
	assert.NoError(t, worker.Err())
	assert.ErrorIs(t, host.Send(context.Background(), &protocol.Ready{}), transport.ErrClosed)
}

func TestStream_RejectsInvalidEnvelope(t *testing.T) {
	host, worker := transport.Pipe(protocol.JSON)
	defer host.Close()
	defer worker.Close()

	err := host.Send(context.Background(), &protocol.Data{Action: "missing id"})
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.sock")
	socket := transport.UnixSocket{Path: path, Timeout: 2 * time.Second}

	listener, err := socket.Listen()
	require.NoError(t, err)

	ctx := context.Background()
	dialed := make(chan transport.Channel, 1)
	go func() {
		ch, err := socket.Dial(ctx)
		assert.NoError(t, err)
		dialed <- ch
	}()

	host, err := listener.Accept(ctx)
	require.NoError(t, err)
	defer host.Close()

	worker := <-dialed
	require.NotNil(t, worker)
	defer worker.Close()

	require.NoError(t, worker.Send(ctx, &protocol.Ready{}))
	assert.Equal(t, protocol.KindReady, next(t, host).Kind())
}
