// Package transport carries protocol envelopes between exactly two peers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/snowmerak/plughost/lib/multiplexer"
	"github.com/snowmerak/plughost/lib/protocol"
)

// Channel is a bidirectional, ordered, point-to-point envelope pipe.
type Channel interface {
	// Send transmits one envelope.
	Send(ctx context.Context, env protocol.Envelope) error
	// Receive returns the inbound envelopes in arrival order. The channel
	// is closed when the peer goes away or the transport fails.
	Receive() <-chan protocol.Envelope
	// Err reports why Receive was closed. It is nil for a clean EOF.
	Err() error
	Close() error
}

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("channel closed")

// Stream is a Channel over a framed byte stream.
type Stream struct {
	mux   multiplexer.Multiplexer
	codec protocol.Codec

	inbound chan protocol.Envelope
	cancel  context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

var _ Channel = (*Stream)(nil)

// NewStream frames envelopes with codec over r and w and starts reading.
func NewStream(r io.Reader, w io.Writer, codec protocol.Codec) (*Stream, error) {
	return NewMuxStream(multiplexer.New(r, w), codec)
}

// NewMuxStream starts a Stream over an existing multiplexer.
func NewMuxStream(mux multiplexer.Multiplexer, codec protocol.Codec) (*Stream, error) {
	if codec == nil {
		codec = protocol.Binary
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := mux.ReadMessage(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start reading: %w", err)
	}

	s := &Stream{
		mux:     mux,
		codec:   codec,
		inbound: make(chan protocol.Envelope, 64),
		cancel:  cancel,
	}
	go s.readLoop(ctx, messages)
	return s, nil
}

func (s *Stream) readLoop(ctx context.Context, messages <-chan *multiplexer.Message) {
	defer close(s.inbound)

	for msg := range messages {
		switch msg.Type {
		case multiplexer.MessageHeaderTypeAbort:
			continue
		case multiplexer.MessageHeaderTypeError:
			s.fail(msg.Err)
			return
		}

		env, err := s.codec.Decode(msg.Data)
		if err != nil {
			s.fail(err)
			return
		}

		select {
		case s.inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.closed {
		s.err = err
	}
	s.mu.Unlock()
}

// Send encodes env and writes it as one message.
func (s *Stream) Send(ctx context.Context, env protocol.Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	frame, err := s.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := s.mux.WriteMessage(ctx, frame); err != nil {
		if errors.Is(err, multiplexer.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send %s envelope: %w", env.Kind(), err)
	}
	return nil
}

func (s *Stream) Receive() <-chan protocol.Envelope { return s.inbound }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops reading and closes the underlying streams.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.mux.Close()
}
