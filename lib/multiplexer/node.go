package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Node frames messages over a byte stream. Every message is written as a
// Start frame, zero or more Data chunks and an End (or Abort) frame, all
// tagged with the same frame sequence.
type Node struct {
	reader io.Reader
	writer io.Writer

	writerLock sync.Mutex
	readerLock sync.RWMutex

	readBuffer map[uint32]*Message

	sequence       atomic.Uint32
	maxMessageSize int
	closed         atomic.Bool
}

// NewNode creates a node reading frames from reader and writing them to writer.
func NewNode(reader io.Reader, writer io.Writer) *Node {
	return &Node{
		reader:         reader,
		writer:         writer,
		readBuffer:     make(map[uint32]*Message),
		maxMessageSize: DefaultMaxMessageSize,
	}
}

const (
	// 1 Byte for the message type, 4 Bytes for the frame sequence, and 4 Bytes for the data length
	MessageHeaderSize         = 9
	MessageHeaderTypeStart    = uint8(0x01) // Start of a message
	MessageHeaderTypeEnd      = uint8(0x02) // End of a message
	MessageHeaderTypeData     = uint8(0x03) // Data part of a message
	MessageHeaderTypeError    = uint8(0x04) // Local read failure, never written
	MessageHeaderTypeComplete = uint8(0x05) // All parts received
	MessageHeaderTypeAbort    = uint8(0x06) // Sender gave up on the message
)

const (
	MessageChunkSize      = 1024             // Size of each written data chunk
	DefaultMaxMessageSize = 10 * 1024 * 1024 // 10 MB limit for a single message
)

// Message is a reassembled frame sequence, or a read failure when Type is
// MessageHeaderTypeError.
type Message struct {
	ID   uint32
	Data []byte
	Type uint8
	Err  error
}

// ErrClosed is returned when writing to a closed node.
var ErrClosed = errors.New("multiplexer closed")

// ReadMessage starts reading frames and returns a channel of completed or
// aborted messages. A malformed frame is reported as an error message and
// reading continues; a failing reader ends the stream after one error
// message. The channel is closed when the stream ends.
func (n *Node) ReadMessage(ctx context.Context) (<-chan *Message, error) {
	if n.reader == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	const defaultMaxBufferLength = 256
	ch := make(chan *Message, defaultMaxBufferLength)

	go func() {
		defer close(ch)

		emit := func(m *Message) bool {
			select {
			case ch <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(format string, args ...any) bool {
			return emit(&Message{Type: MessageHeaderTypeError, Err: fmt.Errorf(format, args...)})
		}

		header := make([]byte, MessageHeaderSize)
		buffer := make([]byte, MessageChunkSize)

		for {
			if ctx.Err() != nil {
				return
			}

			if _, err := io.ReadFull(n.reader, header); err != nil {
				if !errors.Is(err, io.EOF) && !n.closed.Load() {
					fail("failed to read header: %w", err)
				}
				return
			}

			msgType := header[0]
			frameID := uint32(header[1])<<24 | uint32(header[2])<<16 | uint32(header[3])<<8 | uint32(header[4])
			dataLength := uint32(header[5])<<24 | uint32(header[6])<<16 | uint32(header[7])<<8 | uint32(header[8])

			if msgType != MessageHeaderTypeData && dataLength > uint32(n.maxMessageSize) {
				if !fail("data length %d exceeds maximum %d", dataLength, n.maxMessageSize) {
					return
				}
				continue
			}

			switch msgType {
			case MessageHeaderTypeStart:
				n.readerLock.Lock()
				_, exists := n.readBuffer[frameID]
				if !exists {
					n.readBuffer[frameID] = &Message{
						ID:   frameID,
						Type: MessageHeaderTypeStart,
						Data: make([]byte, 0, min(int(dataLength), MessageChunkSize*64)),
					}
				}
				n.readerLock.Unlock()

				if exists && !fail("frame ID %d already exists", frameID) {
					return
				}

			case MessageHeaderTypeData:
				if dataLength > MessageChunkSize*64 {
					fail("chunk of %d bytes is larger than any writer produces", dataLength)
					return
				}
				if int(dataLength) > len(buffer) {
					buffer = make([]byte, dataLength)
				}
				if _, err := io.ReadFull(n.reader, buffer[:dataLength]); err != nil {
					if !n.closed.Load() {
						fail("failed to read data: %w", err)
					}
					return
				}

				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				overflow := ok && len(m.Data)+int(dataLength) > n.maxMessageSize
				switch {
				case overflow:
					delete(n.readBuffer, frameID)
				case ok:
					m.Data = append(m.Data, buffer[:dataLength]...)
				}
				n.readerLock.Unlock()

				switch {
				case !ok:
					if !fail("unknown frame ID: %d", frameID) {
						return
					}
				case overflow:
					if !fail("message %d would exceed maximum size %d", frameID, n.maxMessageSize) {
						return
					}
				}

			case MessageHeaderTypeEnd, MessageHeaderTypeAbort:
				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				if ok {
					delete(n.readBuffer, frameID)
				}
				n.readerLock.Unlock()

				if !ok {
					if !fail("unknown frame ID: %d", frameID) {
						return
					}
					continue
				}
				m.Type = MessageHeaderTypeComplete
				if msgType == MessageHeaderTypeAbort {
					m.Type = MessageHeaderTypeAbort
				}
				if !emit(m) {
					return
				}

			default:
				if !fail("unknown message type: %d", msgType) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (n *Node) write(msgType uint8, frameID uint32, data []byte) error {
	if n.writer == nil {
		return fmt.Errorf("writer is nil")
	}

	header := make([]byte, MessageHeaderSize, MessageHeaderSize+len(data))
	header[0] = msgType
	header[1] = byte(frameID >> 24)
	header[2] = byte(frameID >> 16)
	header[3] = byte(frameID >> 8)
	header[4] = byte(frameID)
	header[5] = byte(len(data) >> 24)
	header[6] = byte(len(data) >> 16)
	header[7] = byte(len(data) >> 8)
	header[8] = byte(len(data))

	if msgType == MessageHeaderTypeData {
		header = append(header, data...)
	}
	if _, err := n.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessageWithSequence writes data as one framed message tagged seq.
// The frames of one message are never interleaved with another message.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if len(data) > n.maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds maximum %d", len(data), n.maxMessageSize)
	}

	n.writerLock.Lock()
	defer n.writerLock.Unlock()

	if err := n.write(MessageHeaderTypeStart, seq, nil); err != nil {
		return err
	}

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return n.abort(seq, err)
		}

		chunkSize := min(len(data), MessageChunkSize)
		if err := n.write(MessageHeaderTypeData, seq, data[:chunkSize]); err != nil {
			return err
		}
		data = data[chunkSize:]
	}

	if err := ctx.Err(); err != nil {
		return n.abort(seq, err)
	}
	return n.write(MessageHeaderTypeEnd, seq, nil)
}

func (n *Node) abort(seq uint32, cause error) error {
	if err := n.write(MessageHeaderTypeAbort, seq, nil); err != nil {
		return multierr.Append(cause, fmt.Errorf("failed to write abort message: %w", err))
	}
	return cause
}

// WriteMessage sends a message with automatic sequence numbering.
func (n *Node) WriteMessage(ctx context.Context, data []byte) error {
	return n.WriteMessageWithSequence(ctx, n.sequence.Inc(), data)
}

// Close drops partially received messages and closes the underlying
// reader and writer when they are closers.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}

	n.readerLock.Lock()
	clear(n.readBuffer)
	n.readerLock.Unlock()

	var err error
	if c, ok := n.writer.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if c, ok := n.reader.(io.Closer); ok && any(n.reader) != any(n.writer) {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// GetPendingMessageCount returns the number of incomplete messages.
func (n *Node) GetPendingMessageCount() int {
	n.readerLock.RLock()
	defer n.readerLock.RUnlock()
	return len(n.readBuffer)
}
