// Package messenger implements request/response messaging with a ready
// handshake over a transport.Channel. Each side of a channel owns one
// Messenger; either side may issue requests.
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/transport"
)

// Request is an inbound Data envelope.
type Request struct {
	ID      uint64
	Action  string
	Payload json.RawMessage
}

// Decode unmarshals the request payload into v.
func (r *Request) Decode(v any) error {
	if err := protocol.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", r.Action, err)
	}
	return nil
}

// Handler serves one action. The returned value is sent back as the Ack
// payload; a returned error is sent back as an ErrorAck. Every request
// is answered exactly once.
type Handler func(ctx context.Context, req *Request) (any, error)

type handlerEntry struct {
	handler Handler
}

type result struct {
	payload json.RawMessage
	err     error
}

type call struct {
	id     uint64
	action string
	done   chan result
}

// Messenger correlates requests and replies over a channel.
type Messenger struct {
	ch   transport.Channel
	log  logr.Logger
	opts options

	ctx    context.Context
	cancel context.CancelFunc

	nextID    atomic.Uint64
	connected atomic.Bool
	peerReady atomic.Bool

	mu       sync.Mutex
	pending  map[uint64]*call
	handlers map[string]*handlerEntry
	closed   bool

	// ids of requests given up on, kept for the late reply window
	expired *ttlcache.Cache[uint64, string]

	settled   chan struct{}
	readyErr  error
	readyOnce sync.Once
	timer     *time.Timer

	inflight errgroup.Group

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// New creates a Messenger over ch. No envelope is sent until Connect.
func New(ch transport.Channel, opts ...Option) *Messenger {
	o := options{
		log:             logr.Discard(),
		readyTimeout:    DefaultReadyTimeout,
		requestTimeout:  DefaultRequestTimeout,
		lateReplyWindow: DefaultLateReplyWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		ch:       ch,
		log:      o.log,
		opts:     o,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]*call),
		handlers: make(map[string]*handlerEntry),
		expired: ttlcache.New[uint64, string](
			ttlcache.WithTTL[uint64, string](o.lateReplyWindow),
			ttlcache.WithDisableTouchOnHit[uint64, string](),
		),
		settled: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.expired.Start()
	return m
}

// Handle subscribes h to inbound requests for action, replacing any
// previous subscriber. The returned function removes the subscription.
func (m *Messenger) Handle(action string, h Handler) (unsubscribe func()) {
	entry := &handlerEntry{handler: h}

	m.mu.Lock()
	m.handlers[action] = entry
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.handlers[action] == entry {
			delete(m.handlers, action)
		}
	}
}

// Connect starts processing inbound envelopes, sends Ready to the peer and
// arms the ready timer.
func (m *Messenger) Connect(ctx context.Context) error {
	if m.connected.Swap(true) {
		return ErrAlreadyConnected
	}
	select {
	case <-m.done:
		return m.err
	default:
	}

	m.mu.Lock()
	m.timer = time.AfterFunc(m.opts.readyTimeout, func() {
		m.settle(fmt.Errorf("%w after %s", ErrReadyTimeout, m.opts.readyTimeout))
	})
	m.mu.Unlock()

	go m.readLoop()

	if err := m.ch.Send(ctx, &protocol.Ready{}); err != nil {
		err = fmt.Errorf("failed to send ready: %w", err)
		m.shutdown(err)
		return err
	}
	return nil
}

// settle resolves readiness once, successfully when err is nil.
func (m *Messenger) settle(err error) bool {
	settled := false
	m.readyOnce.Do(func() {
		m.mu.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.readyErr = err
		m.mu.Unlock()
		close(m.settled)
		settled = true
	})
	return settled
}

func (m *Messenger) readinessErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyErr
}

// WaitReady blocks until the peer's Ready arrived or readiness failed.
func (m *Messenger) WaitReady(ctx context.Context) error {
	select {
	case <-m.settled:
		return m.readinessErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the peer's Ready has been received.
func (m *Messenger) Ready() bool {
	select {
	case <-m.settled:
		return m.readinessErr() == nil
	default:
		return false
	}
}

// Send issues a request and waits for its reply. The request is not
// transmitted before the peer is ready; the timeout covers that wait.
func (m *Messenger) Send(ctx context.Context, action string, payload any, opts ...SendOption) (json.RawMessage, error) {
	so := sendOptions{timeout: m.opts.requestTimeout}
	for _, opt := range opts {
		opt(&so)
	}

	data, err := protocol.Marshal(payload)
	if err != nil {
		return nil, err
	}

	c := &call{
		id:     m.nextID.Inc(),
		action: action,
		done:   make(chan result, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, m.err
	}
	m.pending[c.id] = c
	m.mu.Unlock()

	timer := time.NewTimer(so.timeout)
	defer timer.Stop()

	select {
	case <-m.settled:
		if err := m.readinessErr(); err != nil {
			m.remove(c)
			return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
		}
	case r := <-c.done:
		return r.payload, r.err
	case <-timer.C:
		return m.expire(c, &TimeoutError{ID: c.id, Action: action, Timeout: so.timeout}, false)
	case <-ctx.Done():
		return m.expire(c, ctx.Err(), false)
	}

	if err := m.ch.Send(ctx, &protocol.Data{ID: c.id, Action: action, Payload: data}); err != nil {
		m.remove(c)
		return nil, fmt.Errorf("failed to send %s request: %w", action, err)
	}
	m.log.V(2).Info("sent request", "id", c.id, "action", action)

	select {
	case r := <-c.done:
		return r.payload, r.err
	case <-timer.C:
		return m.expire(c, &TimeoutError{ID: c.id, Action: action, Timeout: so.timeout}, true)
	case <-ctx.Done():
		return m.expire(c, ctx.Err(), true)
	}
}

// Call sends a request and decodes the Ack payload into R.
func Call[R any](ctx context.Context, m *Messenger, action string, payload any, opts ...SendOption) (R, error) {
	var out R
	raw, err := m.Send(ctx, action, payload, opts...)
	if err != nil {
		return out, err
	}
	if err := protocol.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid %s reply: %w", action, err)
	}
	return out, nil
}

func (m *Messenger) remove(c *call) {
	m.mu.Lock()
	if m.pending[c.id] == c {
		delete(m.pending, c.id)
	}
	m.mu.Unlock()
}

// expire removes c unless a reply won the race, in which case that reply
// is returned. Transmitted ids are remembered for the late reply window.
func (m *Messenger) expire(c *call, cause error, transmitted bool) (json.RawMessage, error) {
	m.mu.Lock()
	if m.pending[c.id] != c {
		m.mu.Unlock()
		r := <-c.done
		return r.payload, r.err
	}
	delete(m.pending, c.id)
	if transmitted {
		m.expired.Set(c.id, c.action, ttlcache.DefaultTTL)
	}
	m.mu.Unlock()

	m.log.V(1).Info("request abandoned", "id", c.id, "action", c.action, "reason", cause.Error())
	return nil, cause
}

// resolve completes the pending request with the reply's id.
func (m *Messenger) resolve(reply protocol.Reply) error {
	id := reply.ReplyID()
	var r result
	switch e := reply.(type) {
	case *protocol.Ack:
		r.payload = e.Payload
	case *protocol.ErrorAck:
		r.err = &RemoteError{ID: e.ID, Message: e.Message, Stack: e.Stack}
	}

	m.mu.Lock()
	c, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if ok {
		if remote, isRemote := r.err.(*RemoteError); isRemote {
			remote.Action = c.action
		}
		c.done <- r
		return nil
	}

	if !m.opts.strictReplies {
		if item, late := m.expired.GetAndDelete(id); late {
			m.log.Info("dropping late reply", "id", id, "action", item.Value())
			return nil
		}
	}
	return &ProtocolError{Reason: fmt.Sprintf("reply for unknown request id %d", id)}
}

func (m *Messenger) readLoop() {
	for env := range m.ch.Receive() {
		if err := m.dispatch(env); err != nil {
			m.log.Error(err, "closing messenger")
			m.shutdown(err)
			return
		}
	}

	err := m.ch.Err()
	if err == nil {
		err = ErrPeerClosed
	}
	m.shutdown(err)
}

func (m *Messenger) dispatch(env protocol.Envelope) error {
	switch e := env.(type) {
	case *protocol.Ready:
		if m.peerReady.Swap(true) {
			return &ProtocolError{Reason: "duplicate ready signal"}
		}
		if !m.settle(nil) {
			m.log.Info("peer signalled ready after readiness failed", "error", m.readinessErr())
			return nil
		}
		m.log.V(1).Info("peer is ready")
		if m.opts.onReady != nil {
			m.opts.onReady()
		}
	case *protocol.Data:
		m.serve(e)
	case protocol.Reply:
		return m.resolve(e)
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unexpected envelope %T", env)}
	}
	return nil
}

// serve runs the subscriber of e on its own goroutine so that it can
// issue requests of its own while the read loop keeps going.
func (m *Messenger) serve(e *protocol.Data) {
	req := &Request{ID: e.ID, Action: e.Action, Payload: e.Payload}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	entry := m.handlers[e.Action]
	m.inflight.Go(func() error {
		var (
			reply any
			err   error
		)
		if entry == nil {
			err = fmt.Errorf("no handler for action %q", e.Action)
		} else {
			reply, err = m.invoke(entry.handler, req)
		}
		m.reply(req, reply, err)
		return nil
	})
}

func (m *Messenger) invoke(h Handler, req *Request) (reply any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return h(m.ctx, req)
}

func (m *Messenger) reply(req *Request, v any, err error) {
	var env protocol.Envelope
	if err == nil {
		payload, merr := protocol.Marshal(v)
		if merr != nil {
			err = merr
		} else {
			env = &protocol.Ack{ID: req.ID, Payload: payload}
		}
	}
	if err != nil {
		m.log.V(1).Info("request failed", "id", req.ID, "action", req.Action, "error", err.Error())
		env = &protocol.ErrorAck{ID: req.ID, Message: err.Error(), Stack: stackOf(err)}
	}

	if sendErr := m.ch.Send(m.ctx, env); sendErr != nil {
		select {
		case <-m.done:
		default:
			m.log.Error(sendErr, "failed to reply", "id", req.ID, "action", req.Action)
		}
	}
}

// Close fails every pending request with cause, or ErrClosed when cause
// is nil, and closes the channel. Only the first call has an effect.
func (m *Messenger) Close(cause error) error {
	if cause == nil {
		cause = ErrClosed
	}
	return m.shutdown(cause)
}

func (m *Messenger) shutdown(cause error) error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.err = cause
		pending := m.pending
		m.pending = make(map[uint64]*call)
		m.mu.Unlock()

		for _, c := range pending {
			c.done <- result{err: cause}
		}

		m.settle(cause)
		m.cancel()
		close(m.done)
		m.expired.Stop()
		err = m.ch.Close()
	})
	return err
}

// Done is closed once the messenger has shut down.
func (m *Messenger) Done() <-chan struct{} { return m.done }

// Err returns the reason the messenger shut down, or nil while it runs.
func (m *Messenger) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Wait blocks until the messenger has shut down and every in-flight
// handler has returned, then reports the shutdown reason.
func (m *Messenger) Wait() error {
	<-m.done
	_ = m.inflight.Wait()
	return m.err
}

// Pending returns the number of requests awaiting a reply.
func (m *Messenger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
