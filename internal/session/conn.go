package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/phuslu/log"
)

var (
	ErrConnClosed        = errors.New("connection closed")
	ErrRecvLoopRunning   = errors.New("receive loop already running")
	ErrProtocolViolation = errors.New("protocol violation")
)

type ConnID string

type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Limits bound what a single connection may cost.
type Limits struct {
	// MaxFrameSize is the biggest payload accepted or sent.
	MaxFrameSize int
	// MaxMalformedFrames is how many bad frames a connection may send before
	// it gets closed.
	MaxMalformedFrames int
	WriteTimeout       time.Duration
	ReadBufferSize     int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameSize:       protocol.DefaultMaxFrameSize,
		MaxMalformedFrames: 3,
		WriteTimeout:       time.Second * 5,
		ReadBufferSize:     4 << 10,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxFrameSize <= 0 {
		l.MaxFrameSize = d.MaxFrameSize
	}
	if l.MaxMalformedFrames <= 0 {
		l.MaxMalformedFrames = d.MaxMalformedFrames
	}
	if l.WriteTimeout <= 0 {
		l.WriteTimeout = d.WriteTimeout
	}
	if l.ReadBufferSize <= 0 {
		l.ReadBufferSize = d.ReadBufferSize
	}
	return l
}

// Conn is one live tcp socket plus its identity and lifecycle state.
//
// Reads belong to the single receive loop started with Recv. Writes may come
// from any goroutine and are serialized, so frames never interleave.
type Conn struct {
	id     ConnID
	conn   net.Conn
	limits Limits
	logger *log.Logger

	state       atomic.Int32
	recvRunning atomic.Bool
	// closed is closed once the socket is released and state is Closed.
	closed chan struct{}

	writeMu sync.Mutex

	playerMu sync.Mutex
	playerID string
}

func NewConn(id ConnID, conn net.Conn, limits Limits, logger *log.Logger) *Conn {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	c := &Conn{
		id:     id,
		conn:   conn,
		limits: limits.WithDefaults(),
		logger: logger,
		closed: make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	return c
}

func (c *Conn) ID() ConnID {
	return c.id
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// BindPlayer records the player id announced by the peer. Only the first
// binding sticks; it reports whether this call was the one that bound.
func (c *Conn) BindPlayer(playerID string) bool {
	c.playerMu.Lock()
	defer c.playerMu.Unlock()

	if c.playerID != "" {
		return false
	}
	c.playerID = playerID
	return true
}

// PlayerID returns the bound player id, or "" if the peer never announced
// one.
func (c *Conn) PlayerID() string {
	c.playerMu.Lock()
	defer c.playerMu.Unlock()

	return c.playerID
}

// WriteFrame writes an already encoded frame.
func (c *Conn) WriteFrame(frame []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	if len(frame)-protocol.FrameHeaderSize > c.limits.MaxFrameSize {
		return fmt.Errorf("%w (got %d; want <= %d)",
			protocol.ErrFrameTooLarge, len(frame)-protocol.FrameHeaderSize, c.limits.MaxFrameSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout)); err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("could not write: %w", err)
	}

	return nil
}

func (c *Conn) Send(msg *protocol.Msg) error {
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("could not encode frame: %w", err)
	}

	c.logger.Debug().
		Str("conn", string(c.id)).
		Str("type", string(msg.Type)).
		Msg("send")

	return c.WriteFrame(frame)
}

// Close moves the connection through Closing to Closed and releases the
// socket, which unblocks a pending read. Calling it again is a no-op, but it
// still returns only once the connection is Closed.
func (c *Conn) Close() error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		<-c.closed
		return nil
	}
	err := c.conn.Close()
	c.state.Store(int32(StateClosed))
	close(c.closed)
	return err
}

// Recv runs the receive loop: it reads from the socket, reassembles frames
// and calls handle for every message, in arrival order, on the calling
// goroutine. handle must not block.
//
// Recv returns nil when the peer hangs up or the connection is closed from
// our side (including ctx cancellation), ErrProtocolViolation once too many
// malformed frames arrived, and the read error otherwise. It does not close
// the connection on return, that's up to the owner.
func (c *Conn) Recv(ctx context.Context, handle func(msg *protocol.Msg)) error {
	if !c.recvRunning.CompareAndSwap(false, true) {
		return ErrRecvLoopRunning
	}
	defer c.recvRunning.Store(false)

	if c.State() != StateOpen {
		return ErrConnClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	decoder := protocol.NewFrameDecoder(c.limits.MaxFrameSize)
	buf := make([]byte, c.limits.ReadBufferSize)
	malformed := 0

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			_, _ = decoder.Write(buf[:n])

			for {
				msg, derr := decoder.Next()
				if errors.Is(derr, protocol.ErrIncompleteFrame) {
					break
				}
				if derr != nil {
					malformed++
					c.logger.Warn().
						Str("conn", string(c.id)).
						Int("malformed", malformed).
						Msgf("dropped frame: %v", derr)

					if malformed > c.limits.MaxMalformedFrames {
						return fmt.Errorf("%w: %d malformed frames", ErrProtocolViolation, malformed)
					}
					continue
				}

				msg.SenderID = string(c.id)

				c.logger.Debug().
					Str("conn", string(c.id)).
					Str("type", string(msg.Type)).
					Msg("recv")

				handle(msg)

				// handler may have closed us (e.g. on disconnect)
				if c.State() != StateOpen {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.State() != StateOpen {
				return nil
			}
			return fmt.Errorf("could not read: %w", err)
		}
	}
}
