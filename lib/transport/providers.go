package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/snowmerak/plughost/lib/protocol"
)

// Pipe returns two connected in-memory channels.
func Pipe(codec protocol.Codec) (Channel, Channel) {
	hostReader, workerWriter := io.Pipe()
	workerReader, hostWriter := io.Pipe()

	host, err := NewStream(hostReader, hostWriter, codec)
	if err != nil {
		panic(err)
	}
	worker, err := NewStream(workerReader, workerWriter, codec)
	if err != nil {
		panic(err)
	}
	return host, worker
}

// Stdio returns the channel a worker process shares with its supervisor.
func Stdio(codec protocol.Codec) (Channel, error) {
	return NewStream(os.Stdin, os.Stdout, codec)
}

// UnixSocket accepts or dials a single unix domain socket connection.
type UnixSocket struct {
	Path string
	// Timeout bounds how long Listen waits for the peer and Dial waits for the socket file.
	Timeout time.Duration
	Codec   protocol.Codec
}

const defaultSocketTimeout = 5 * time.Second

func (u UnixSocket) timeout() time.Duration {
	if u.Timeout <= 0 {
		return defaultSocketTimeout
	}
	return u.Timeout
}

// Listener is a bound unix socket waiting for its single peer.
type Listener struct {
	socket   UnixSocket
	listener net.Listener
}

// Listen binds the socket path, replacing a stale socket file.
func (u UnixSocket) Listen() (*Listener, error) {
	_ = os.Remove(u.Path)

	l, err := net.Listen("unix", u.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket listener: %w", err)
	}
	return &Listener{socket: u, listener: l}, nil
}

// Accept waits for the peer to connect and returns the channel to it.
// The listener is closed afterwards.
func (l *Listener) Accept(ctx context.Context) (Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		accepted <- result{conn, err}
	}()

	timer := time.NewTimer(l.socket.timeout())
	defer timer.Stop()

	select {
	case r := <-accepted:
		_ = l.Close()
		if r.err != nil {
			return nil, fmt.Errorf("failed to accept connection: %w", r.err)
		}
		return NewStream(r.conn, r.conn, l.socket.Codec)
	case <-timer.C:
		_ = l.Close()
		return nil, errors.New("timeout waiting for connection")
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	err := l.listener.Close()
	if rmErr := os.Remove(l.socket.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = multierr.Append(err, rmErr)
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Dial connects to a listening peer, waiting for the socket file to appear.
func (u UnixSocket) Dial(ctx context.Context) (Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout())
	defer cancel()

	var dialer net.Dialer
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "unix", u.Path)
		if err == nil {
			return NewStream(conn, conn, u.Codec)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to unix socket: %w", err)
		case <-ticker.C:
		}
	}
}
