package dispatcher

import (
	"io"
	"sync"

	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/phuslu/log"
)

// Handler consumes one inbound message. It runs on the receive loop that
// produced the message, so it must be a quick, non-blocking local update.
type Handler func(msg *protocol.Msg)

// Registrar is what collaborators need to subscribe to inbound messages.
type Registrar interface {
	Register(msgType protocol.MsgType, handler Handler)
}

// Dispatcher routes decoded messages to the handler registered for their
// type. At most one handler per type; re-registering overwrites.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.MsgType]Handler

	logger *log.Logger
}

var _ Registrar = (*Dispatcher)(nil)

func NewDispatcher(logger *log.Logger) *Dispatcher {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Dispatcher{
		handlers: make(map[protocol.MsgType]Handler),
		logger:   logger,
	}
}

// Register sets the handler for msgType, replacing any previous one. A nil
// handler unregisters.
func (d *Dispatcher) Register(msgType protocol.MsgType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if handler == nil {
		delete(d.handlers, msgType)
		return
	}
	d.handlers[msgType] = handler
}

// Dispatch invokes the handler for msg synchronously and reports whether
// there was one. A message nobody handles is logged and dropped.
func (d *Dispatcher) Dispatch(msg *protocol.Msg) bool {
	d.mu.RLock()
	handler, ok := d.handlers[msg.Type]
	d.mu.RUnlock()

	if !ok {
		d.logger.Debug().
			Str("type", string(msg.Type)).
			Str("sender", msg.SenderID).
			Msg("no handler")
		return false
	}

	handler(msg)
	return true
}
