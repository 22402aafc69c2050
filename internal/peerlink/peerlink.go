package peerlink

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/blukai/arenarelay/internal/dispatcher"
	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/blukai/arenarelay/internal/session"
	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// PeerLink is the client's single connection to a relay server.
type PeerLink struct {
	playerID string
	conn     *session.Conn

	logger *log.Logger

	dispatcher *dispatcher.Dispatcher
}

// NewPeerLink dials the server and announces playerID with a connect
// message. An empty playerID gets a random one. Connect failures are returned
// here, there is no retry.
func NewPeerLink(ctx context.Context, network, address, playerID string, limits session.Limits, logger *log.Logger) (*PeerLink, error) {
	dialer := net.Dialer{}
	netConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("could not dial tcp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	if playerID == "" {
		playerID = uuid.NewString()
	}

	pl := &PeerLink{
		playerID: playerID,
		conn:     session.NewConn(session.ConnID(address), netConn, limits, logger),

		logger: logger,

		dispatcher: dispatcher.NewDispatcher(logger),
	}

	if err := pl.conn.Send(protocol.NewConnect(playerID)); err != nil {
		_ = pl.conn.Close()
		return nil, fmt.Errorf("could not send connect: %w", err)
	}

	return pl, nil
}

func (pl *PeerLink) PlayerID() string {
	return pl.playerID
}

func (pl *PeerLink) State() session.State {
	return pl.conn.State()
}

// Register subscribes handler to inbound messages of msgType. Handlers run
// on the receive loop and must not block.
func (pl *PeerLink) Register(msgType protocol.MsgType, handler dispatcher.Handler) {
	pl.dispatcher.Register(msgType, handler)
}

func (pl *PeerLink) Send(msg *protocol.Msg) error {
	return pl.conn.Send(msg)
}

func (pl *PeerLink) SendPlayerUpdate(position protocol.Vec3, rotation protocol.Rotation, health float64) error {
	return pl.Send(protocol.NewPlayerUpdate(pl.playerID, position, rotation, health))
}

// SendShoot reports a shot, hitPosition is nil on a miss.
func (pl *PeerLink) SendShoot(direction protocol.Vec3, hitPosition *protocol.Vec3) error {
	return pl.Send(protocol.NewShoot(pl.playerID, direction, hitPosition))
}

func (pl *PeerLink) SendEnemyUpdate(enemyID string, position protocol.Vec3, health float64) error {
	return pl.Send(protocol.NewEnemyUpdate(enemyID, position, health))
}

// Run receives and dispatches messages until the server hangs up, the link
// is closed or ctx is done. The link is closed when Run returns.
func (pl *PeerLink) Run(ctx context.Context) error {
	err := pl.conn.Recv(ctx, func(msg *protocol.Msg) {
		pl.dispatcher.Dispatch(msg)
	})
	_ = pl.conn.Close()

	if err != nil {
		pl.logger.Warn().
			Str("player", pl.playerID).
			Msgf("peer link closed: %v", err)
		return err
	}
	pl.logger.Info().
		Str("player", pl.playerID).
		Msg("peer link closed")
	return nil
}

// Close tells the server we are leaving and closes the socket. Calling it
// again is a no-op.
func (pl *PeerLink) Close() error {
	if pl.conn.State() != session.StateOpen {
		return nil
	}
	if err := pl.conn.Send(protocol.NewDisconnect(pl.playerID)); err != nil {
		pl.logger.Debug().
			Str("player", pl.playerID).
			Msgf("could not send disconnect: %v", err)
	}
	return pl.conn.Close()
}
