package messenger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/transport"
)

// connectedPair returns two connected messengers that completed the handshake.
func connectedPair(t *testing.T, opts ...messenger.Option) (host, worker *messenger.Messenger) {
	t.Helper()
	hostCh, workerCh := transport.Pipe(protocol.JSON)

	opts = append([]messenger.Option{messenger.WithLogger(testr.New(t))}, opts...)
	host = messenger.New(hostCh, opts...)
	worker = messenger.New(workerCh, opts...)
	t.Cleanup(func() {
		_ = host.Close(nil)
		_ = worker.Close(nil)
	})

	ctx := context.Background()
	require.NoError(t, host.Connect(ctx))
	require.NoError(t, worker.Connect(ctx))
	require.NoError(t, host.WaitReady(ctx))
	require.NoError(t, worker.WaitReady(ctx))
	return host, worker
}

// rawPeer drives the far end of a channel envelope by envelope.
type rawPeer struct {
	t  *testing.T
	ch transport.Channel
}

func newRawPeer(t *testing.T, opts ...messenger.Option) (*messenger.Messenger, *rawPeer) {
	t.Helper()
	local, remote := transport.Pipe(protocol.JSON)
	opts = append([]messenger.Option{messenger.WithLogger(testr.New(t))}, opts...)
	m := messenger.New(local, opts...)
	t.Cleanup(func() {
		_ = m.Close(nil)
		_ = remote.Close()
	})

	peer := &rawPeer{t: t, ch: remote}
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, protocol.KindReady, peer.next().Kind())
	return m, peer
}

func (p *rawPeer) next() protocol.Envelope {
	p.t.Helper()
	select {
	case env, ok := <-p.ch.Receive():
		require.True(p.t, ok, "channel closed")
		return env
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func (p *rawPeer) nextData() *protocol.Data {
	p.t.Helper()
	env := p.next()
	require.IsType(p.t, &protocol.Data{}, env)
	return env.(*protocol.Data)
}

func (p *rawPeer) send(env protocol.Envelope) {
	p.t.Helper()
	require.NoError(p.t, p.ch.Send(context.Background(), env))
}

func waitDone(t *testing.T, m *messenger.Messenger) error {
	t.Helper()
	select {
	case <-m.Done():
		return m.Err()
	case <-time.After(2 * time.Second):
		t.Fatal("messenger did not shut down")
		return nil
	}
}

func TestSend_ResolvesWithAckedPayload(t *testing.T) {
	host, worker := connectedPair(t)

	worker.Handle("echo", func(ctx context.Context, req *messenger.Request) (any, error) {
		var in map[string]string
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in["msg"]}, nil
	})

	out, err := messenger.Call[map[string]string](context.Background(), host, "echo", map[string]string{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
	assert.Zero(t, host.Pending())
}

func TestSend_WaitsForPeerReady(t *testing.T) {
	hostCh, workerCh := transport.Pipe(protocol.Binary)
	host := messenger.New(hostCh, messenger.WithLogger(testr.New(t)))
	worker := messenger.New(workerCh, messenger.WithLogger(testr.New(t)))
	defer host.Close(nil)
	defer worker.Close(nil)

	worker.Handle("ping", func(ctx context.Context, req *messenger.Request) (any, error) {
		return "pong", nil
	})

	ctx := context.Background()
	require.NoError(t, host.Connect(ctx))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = worker.Connect(ctx)
	}()

	out, err := messenger.Call[string](ctx, host, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestSend_TimeoutIdentifiesRequest(t *testing.T) {
	m, peer := newRawPeer(t)
	peer.send(&protocol.Ready{})

	_, err := m.Send(context.Background(), "addPlugin", nil, messenger.WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, messenger.ErrTimeout)

	var timeout *messenger.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "addPlugin", timeout.Action)

	data := peer.nextData()
	assert.Equal(t, data.ID, timeout.ID)
	assert.Zero(t, m.Pending())

	// A late reply is dropped and the messenger stays usable.
	peer.send(&protocol.Ack{ID: data.ID})
	go func() {
		next := peer.nextData()
		peer.send(&protocol.Ack{ID: next.ID, Payload: json.RawMessage(`"ok"`)})
	}()
	out, err := messenger.Call[string](context.Background(), m, "executeRoute", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.NoError(t, m.Err())
}

func TestStrictReplies_LateReplyIsViolation(t *testing.T) {
	m, peer := newRawPeer(t, messenger.WithStrictReplies(true))
	peer.send(&protocol.Ready{})

	_, err := m.Send(context.Background(), "slow", nil, messenger.WithTimeout(20*time.Millisecond))
	require.ErrorIs(t, err, messenger.ErrTimeout)

	data := peer.nextData()
	peer.send(&protocol.Ack{ID: data.ID})

	assert.ErrorIs(t, waitDone(t, m), messenger.ErrProtocolViolation)
}

func TestSend_OutOfOrderAcks(t *testing.T) {
	m, peer := newRawPeer(t)
	peer.send(&protocol.Ready{})

	type outcome struct {
		action string
		value  string
		err    error
	}
	results := make(chan outcome, 2)
	for _, action := range []string{"first", "second"} {
		go func(action string) {
			v, err := messenger.Call[string](context.Background(), m, action, nil)
			results <- outcome{action, v, err}
		}(action)
	}

	a, b := peer.nextData(), peer.nextData()
	peer.send(&protocol.Ack{ID: b.ID, Payload: json.RawMessage(`"reply-` + b.Action + `"`)})
	peer.send(&protocol.Ack{ID: a.ID, Payload: json.RawMessage(`"reply-` + a.Action + `"`)})

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "reply-"+r.action, r.value)
	}
}

func TestCorrelationIDsIncrease(t *testing.T) {
	m, peer := newRawPeer(t)
	peer.send(&protocol.Ready{})

	var last uint64
	for i := 0; i < 3; i++ {
		go func() { _, _ = m.Send(context.Background(), "tick", nil) }()
		data := peer.nextData()
		assert.Greater(t, data.ID, last)
		last = data.ID
		peer.send(&protocol.Ack{ID: data.ID})
	}
}

func TestDuplicateReadyIsFatal(t *testing.T) {
	m, peer := newRawPeer(t)
	peer.send(&protocol.Ready{})
	require.NoError(t, m.WaitReady(context.Background()))

	pending := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "stuck", nil)
		pending <- err
	}()
	peer.nextData()

	peer.send(&protocol.Ready{})

	err := waitDone(t, m)
	require.ErrorIs(t, err, messenger.ErrProtocolViolation)
	assert.ErrorIs(t, <-pending, messenger.ErrProtocolViolation)
}

func TestReplyForUnknownIDIsFatal(t *testing.T) {
	m, peer := newRawPeer(t)
	peer.send(&protocol.Ready{})
	peer.send(&protocol.ErrorAck{ID: 99, Message: "who asked"})

	var perr *messenger.ProtocolError
	require.ErrorAs(t, waitDone(t, m), &perr)
	assert.Contains(t, perr.Reason, "99")
}

func TestReadyTimeout(t *testing.T) {
	m, _ := newRawPeer(t, messenger.WithReadyTimeout(30*time.Millisecond))

	err := m.WaitReady(context.Background())
	require.ErrorIs(t, err, messenger.ErrReadyTimeout)

	_, err = m.Send(context.Background(), "anything", nil)
	require.ErrorIs(t, err, messenger.ErrNotReady)
	assert.ErrorIs(t, err, messenger.ErrReadyTimeout)
	assert.False(t, m.Ready())
}

func TestErrorAckBecomesRemoteError(t *testing.T) {
	host, worker := connectedPair(t)

	worker.Handle("fail", func(ctx context.Context, req *messenger.Request) (any, error) {
		return nil, errors.New("plugin chatlog is not running")
	})
	worker.Handle("explode", func(ctx context.Context, req *messenger.Request) (any, error) {
		panic("kaboom")
	})

	_, err := host.Send(context.Background(), "fail", nil)
	var remote *messenger.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "plugin chatlog is not running", remote.Message)
	assert.Equal(t, "fail", remote.Action)

	_, err = host.Send(context.Background(), "explode", nil)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "kaboom")
	assert.NotEmpty(t, remote.Stack)

	_, err = host.Send(context.Background(), "missing", nil)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "no handler")
}

func TestHandlerMayCallBack(t *testing.T) {
	host, worker := connectedPair(t)

	host.Handle("GET_PLUGIN_CONFIG", func(ctx context.Context, req *messenger.Request) (any, error) {
		return map[string]any{"prefix": "[chat]"}, nil
	})
	worker.Handle("addPlugin", func(ctx context.Context, req *messenger.Request) (any, error) {
		cfg, err := messenger.Call[map[string]any](ctx, worker, "GET_PLUGIN_CONFIG", nil)
		if err != nil {
			return nil, err
		}
		return cfg["prefix"], nil
	})

	out, err := messenger.Call[string](context.Background(), host, "addPlugin", nil)
	require.NoError(t, err)
	assert.Equal(t, "[chat]", out)
}

func TestUnsubscribe(t *testing.T) {
	host, worker := connectedPair(t)

	unsubscribe := worker.Handle("once", func(ctx context.Context, req *messenger.Request) (any, error) {
		return true, nil
	})
	_, err := host.Send(context.Background(), "once", nil)
	require.NoError(t, err)

	unsubscribe()
	_, err = host.Send(context.Background(), "once", nil)
	assert.ErrorContains(t, err, "no handler")
}

func TestClose_ForceFailsPending(t *testing.T) {
	m, peer := newRawPeer(t)
	peer.send(&protocol.Ready{})

	terminated := errors.New("worker terminated")
	pending := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "addPlugin", nil, messenger.WithTimeout(time.Minute))
		pending <- err
	}()
	peer.nextData()

	require.NoError(t, m.Close(terminated))
	select {
	case err := <-pending:
		assert.ErrorIs(t, err, terminated)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed")
	}

	_, err := m.Send(context.Background(), "after", nil)
	assert.ErrorIs(t, err, terminated)
	assert.ErrorIs(t, m.Wait(), terminated)
}

func TestPeerHangupClosesMessenger(t *testing.T) {
	m, peer := newRawPeer(t)
	require.NoError(t, peer.ch.Close())
	assert.ErrorIs(t, waitDone(t, m), messenger.ErrPeerClosed)
}

func TestOnReadyRunsBeforeLaterEnvelopes(t *testing.T) {
	var ready bool
	m, peer := newRawPeer(t, messenger.WithOnReady(func() { ready = true }))

	observed := make(chan bool, 1)
	m.Handle("check", func(ctx context.Context, req *messenger.Request) (any, error) {
		observed <- ready
		return nil, nil
	})

	peer.send(&protocol.Ready{})
	peer.send(&protocol.Data{ID: 1, Action: "check", Payload: json.RawMessage(`null`)})

	assert.True(t, <-observed)
	assert.Equal(t, protocol.KindAck, peer.next().Kind())
}

func TestConnectTwice(t *testing.T) {
	m, _ := newRawPeer(t)
	assert.ErrorIs(t, m.Connect(context.Background()), messenger.ErrAlreadyConnected)
}
