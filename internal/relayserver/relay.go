package relayserver

import (
	"fmt"
	"io"
	"sync"

	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/blukai/arenarelay/internal/session"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
)

// NoExclude broadcasts to every registered connection.
const NoExclude session.ConnID = ""

// Relay fans messages out to the connections of a registry.
type Relay struct {
	registry *session.Registry
	logger   *log.Logger
}

func NewRelay(registry *session.Registry, logger *log.Logger) *Relay {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Relay{
		registry: registry,
		logger:   logger,
	}
}

// Broadcast writes msg once to every registered connection except exclude.
//
// It works on a snapshot of the registry, so no lock is held while writing.
// Writes to different recipients run in parallel. A recipient whose write
// fails is not retried; once the sweep is over all failed recipients are
// removed from the registry in one batch and closed. The returned error lists
// the failures, delivery to everyone else is not affected by them.
func (r *Relay) Broadcast(msg *protocol.Msg, exclude session.ConnID) error {
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("could not encode frame: %w", err)
	}

	var (
		mu     sync.Mutex
		failed []*session.Conn
		errs   error
	)

	group := errgroup.Group{}
	for _, conn := range r.registry.Snapshot() {
		if conn.ID() == exclude {
			continue
		}

		group.Go(func() error {
			if err := conn.WriteFrame(frame); err != nil {
				mu.Lock()
				failed = append(failed, conn)
				errs = multierror.Append(errs, fmt.Errorf("could not relay to %s: %w", conn.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(failed) == 0 {
		return nil
	}

	ids := make([]session.ConnID, len(failed))
	for i, conn := range failed {
		ids[i] = conn.ID()
	}
	r.registry.RemoveAll(ids)

	for _, conn := range failed {
		_ = conn.Close()
		r.logger.Warn().
			Str("conn", string(conn.ID())).
			Str("type", string(msg.Type)).
			Msg("dropped recipient after failed write")
	}

	return errs
}
