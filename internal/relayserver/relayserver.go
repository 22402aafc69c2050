package relayserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/arenarelay/internal/debug"
	"github.com/blukai/arenarelay/internal/dispatcher"
	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/blukai/arenarelay/internal/session"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const maxAcceptDelay = time.Second

// RelayServer admits tcp connections, registers them and relays every
// message a connection sends to all the others.
type RelayServer struct {
	listener net.Listener
	limits   session.Limits

	logger *log.Logger

	registry   *session.Registry
	dispatcher *dispatcher.Dispatcher
	relay      *Relay

	// players maps a bound player id to the connection that claimed it. An
	// id is released only after its player_left went out, so a newcomer
	// reusing it can't be announced before the old one is gone.
	playersMu sync.Mutex
	players   map[string]session.ConnID
}

// NewRelayServer binds address right away; a bind failure is returned here
// and the server never starts serving.
func NewRelayServer(network, address string, limits session.Limits, logger *log.Logger) (*RelayServer, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	registry := session.NewRegistry()
	rs := &RelayServer{
		listener: listener,
		limits:   limits.WithDefaults(),

		logger: logger,

		registry:   registry,
		dispatcher: dispatcher.NewDispatcher(logger),
		relay:      NewRelay(registry, logger),

		players: make(map[string]session.ConnID),
	}

	return rs, nil
}

// Addr can be useful to retreive server's address when RelayServer was
// constructed with ":0".
func (rs *RelayServer) Addr() *net.TCPAddr {
	return rs.listener.Addr().(*net.TCPAddr)
}

func (rs *RelayServer) Registry() *session.Registry {
	return rs.registry
}

// Register subscribes a server-side handler. Handlers see every message a
// peer sends, plus the player_joined/player_left events the server emits.
func (rs *RelayServer) Register(msgType protocol.MsgType, handler dispatcher.Handler) {
	rs.dispatcher.Register(msgType, handler)
}

// Broadcast emits a server-originated message to every connected peer.
func (rs *RelayServer) Broadcast(msg *protocol.Msg) error {
	return rs.relay.Broadcast(msg, NoExclude)
}

// Run accepts connections until ctx is done, then closes the listener and
// every open connection and waits for their receive loops to finish.
func (rs *RelayServer) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.runAccept(ctx, wg)
	}()

	<-ctx.Done()

	var errs error
	if err := rs.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierror.Append(errs, fmt.Errorf("could not close listener: %w", err))
	}
	for _, conn := range rs.registry.Snapshot() {
		rs.registry.Remove(conn.ID())
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not close %s: %w", conn.ID(), err))
		}
	}

	wg.Wait()
	rs.logger.Info().
		Str("addr", rs.listener.Addr().String()).
		Msg("relay server stopped")

	return errs
}

func (rs *RelayServer) runAccept(ctx context.Context, wg *sync.WaitGroup) {
	var delay time.Duration

	for {
		netConn, err := rs.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			// NOTE(blukai): back off like net/http does, otherwise e.g.
			// EMFILE turns this into a busy loop.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			rs.logger.Error().
				Dur("retry_in", delay).
				Msgf("could not accept: %v", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		conn := session.NewConn(session.ConnID(uuid.NewString()), netConn, rs.limits, rs.logger)
		if err := rs.registry.Insert(conn); err != nil {
			rs.logger.Error().
				Str("addr", netConn.RemoteAddr().String()).
				Msgf("could not register connection: %v", err)
			_ = conn.Close()
			continue
		}

		rs.logger.Info().
			Str("conn", string(conn.ID())).
			Str("addr", conn.RemoteAddr().String()).
			Msg("connection admitted")

		wg.Add(1)
		go func() {
			defer wg.Done()
			rs.serveConn(ctx, conn)
		}()
	}
}

func (rs *RelayServer) serveConn(ctx context.Context, conn *session.Conn) {
	err := conn.Recv(ctx, func(msg *protocol.Msg) {
		rs.handleMsg(conn, msg)
	})
	rs.drop(conn)

	if err != nil {
		rs.logger.Warn().
			Str("conn", string(conn.ID())).
			Str("player", conn.PlayerID()).
			Msgf("connection closed: %v", err)
	} else {
		rs.logger.Info().
			Str("conn", string(conn.ID())).
			Str("player", conn.PlayerID()).
			Msg("connection closed")
	}

	playerID := conn.PlayerID()
	defer rs.releasePlayer(playerID, conn.ID())

	// NOTE(blukai): on shutdown there is nobody left to tell.
	if ctx.Err() != nil {
		return
	}

	if playerID == "" {
		playerID = string(conn.ID())
	}
	rs.announce(protocol.NewPlayerLeft(playerID), conn.ID())
}

// claimPlayer binds playerID to conn unless another connection holds it.
func (rs *RelayServer) claimPlayer(conn *session.Conn, playerID string) (taken bool, bound bool) {
	rs.playersMu.Lock()
	defer rs.playersMu.Unlock()

	if owner, ok := rs.players[playerID]; ok && owner != conn.ID() {
		return true, false
	}
	if !conn.BindPlayer(playerID) {
		return false, false
	}
	rs.players[playerID] = conn.ID()
	return false, true
}

func (rs *RelayServer) releasePlayer(playerID string, id session.ConnID) {
	if playerID == "" {
		return
	}

	rs.playersMu.Lock()
	defer rs.playersMu.Unlock()

	if rs.players[playerID] == id {
		delete(rs.players, playerID)
	}
}

// drop deregisters conn before closing it, so no later broadcast can pick
// it up.
func (rs *RelayServer) drop(conn *session.Conn) {
	rs.registry.Remove(conn.ID())
	_ = conn.Close()
}

// announce emits a lifecycle event locally and to every peer but exclude.
func (rs *RelayServer) announce(msg *protocol.Msg, exclude session.ConnID) {
	rs.dispatcher.Dispatch(msg)
	if err := rs.relay.Broadcast(msg, exclude); err != nil {
		rs.logger.Debug().
			Str("type", string(msg.Type)).
			Msgf("partial broadcast: %v", err)
	}
}

func (rs *RelayServer) handleMsg(conn *session.Conn, msg *protocol.Msg) {
	switch {
	case msg.Type == protocol.MsgConnect:
		rs.handleConnect(conn, msg)
	case msg.Type == protocol.MsgDisconnect:
		rs.dispatcher.Dispatch(msg)
		rs.drop(conn)
	case msg.Type.ServerOriginated():
		rs.logger.Warn().
			Str("conn", string(conn.ID())).
			Str("type", string(msg.Type)).
			Msg("dropped server-only message sent by a peer")
	default:
		rs.dispatcher.Dispatch(msg)
		if err := rs.relay.Broadcast(msg, conn.ID()); err != nil {
			rs.logger.Debug().
				Str("conn", string(conn.ID())).
				Str("type", string(msg.Type)).
				Msgf("partial broadcast: %v", err)
		}
	}
}

func (rs *RelayServer) handleConnect(conn *session.Conn, msg *protocol.Msg) {
	connect, ok := msg.Body.(*protocol.Connect)
	debug.Assertf(ok, "unexpected %T body for %s", msg.Body, msg.Type)

	taken, bound := rs.claimPlayer(conn, connect.PlayerID)
	if taken {
		rs.logger.Warn().
			Str("conn", string(conn.ID())).
			Str("requested", connect.PlayerID).
			Msg("player id already taken, dropping connection")
		rs.drop(conn)
		return
	}
	if !bound {
		rs.logger.Warn().
			Str("conn", string(conn.ID())).
			Str("player", conn.PlayerID()).
			Str("requested", connect.PlayerID).
			Msg("ignored repeated connect")
		return
	}

	// only connects that bound a player reach server-side handlers
	rs.dispatcher.Dispatch(msg)

	// catch the newcomer up on who is already here
	for _, other := range rs.registry.Snapshot() {
		if other.ID() == conn.ID() || other.PlayerID() == "" {
			continue
		}
		if err := conn.Send(protocol.NewPlayerJoined(other.PlayerID())); err != nil {
			rs.logger.Warn().
				Str("conn", string(conn.ID())).
				Msgf("could not send roster: %v", err)
			rs.drop(conn)
			return
		}
	}

	rs.announce(protocol.NewPlayerJoined(connect.PlayerID), conn.ID())
}
