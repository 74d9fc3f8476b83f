// Package multiplexer frames discrete messages over a pair of byte streams,
// such as a child process's stdin and stdout.
package multiplexer

import (
	"context"
	"io"
)

// Multiplexer writes and reads whole messages over a byte stream.
type Multiplexer interface {
	// WriteMessage sends a message with automatic sequence numbering.
	WriteMessage(ctx context.Context, data []byte) error

	// ReadMessage starts the read loop and returns the message channel.
	ReadMessage(ctx context.Context) (<-chan *Message, error)

	// Close shuts down the multiplexer and its underlying streams.
	Close() error

	// GetPendingMessageCount returns the number of incomplete messages.
	GetPendingMessageCount() int
}

// Config holds configuration options for the multiplexer.
type Config struct {
	// MaxMessageSize sets the maximum allowed message size (default: 10MB)
	MaxMessageSize int
}

var _ Multiplexer = (*Node)(nil)

// New creates a multiplexer with the default configuration.
func New(reader io.Reader, writer io.Writer) Multiplexer {
	return NewNode(reader, writer)
}

// NewWithConfig creates a multiplexer with custom configuration.
func NewWithConfig(reader io.Reader, writer io.Writer, config Config) Multiplexer {
	node := NewNode(reader, writer)
	if config.MaxMessageSize > 0 {
		node.maxMessageSize = config.MaxMessageSize
	}
	return node
}
