package relayserver_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blukai/arenarelay/internal/byteorder"
	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/blukai/arenarelay/internal/relayserver"
	"github.com/blukai/arenarelay/internal/session"
	"github.com/matryer/is"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second * 2)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startServer(t *testing.T, limits session.Limits) *relayserver.RelayServer {
	is := is.New(t)

	rs, err := relayserver.NewRelayServer("tcp4", "127.0.0.1:0", limits, nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rs.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return rs
}

type rawPeer struct {
	conn    net.Conn
	decoder *protocol.FrameDecoder
}

func dialRaw(t *testing.T, addr string) *rawPeer {
	is := is.New(t)

	conn, err := net.Dial("tcp4", addr)
	is.NoErr(err)
	t.Cleanup(func() { _ = conn.Close() })

	return &rawPeer{
		conn:    conn,
		decoder: protocol.NewFrameDecoder(0),
	}
}

func (p *rawPeer) send(t *testing.T, msg *protocol.Msg) {
	is := is.New(t)

	frame, err := protocol.EncodeFrame(msg)
	is.NoErr(err)
	_, err = p.conn.Write(frame)
	is.NoErr(err)
}

// recv returns the next message, or the read error (a timeout included).
func (p *rawPeer) recv(timeout time.Duration) (*protocol.Msg, error) {
	buf := make([]byte, 512)
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		msg, err := p.decoder.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrIncompleteFrame) {
			return nil, err
		}

		n, err := p.conn.Read(buf)
		_, _ = p.decoder.Write(buf[:n])
		if err != nil && n == 0 {
			return nil, err
		}
	}
}

// recvType skips messages until one of type want arrives.
func (p *rawPeer) recvType(t *testing.T, want protocol.MsgType) *protocol.Msg {
	t.Helper()

	for {
		msg, err := p.recv(time.Second * 2)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func TestBindFailure(t *testing.T) {
	is := is.New(t)

	taken, err := net.Listen("tcp4", "127.0.0.1:0")
	is.NoErr(err)
	defer taken.Close()

	_, err = relayserver.NewRelayServer("tcp4", taken.Addr().String(), session.Limits{}, nil)
	is.True(err != nil)
}

func newPipeConns(t *testing.T, registry *session.Registry, ids ...string) map[string]net.Conn {
	is := is.New(t)

	peers := make(map[string]net.Conn, len(ids))
	for _, id := range ids {
		server, client := net.Pipe()
		t.Cleanup(func() {
			_ = server.Close()
			_ = client.Close()
		})
		is.NoErr(registry.Insert(session.NewConn(session.ConnID(id), server, session.Limits{}, nil)))
		peers[id] = client
	}
	return peers
}

// readAll reads from conn until nothing more arrives within a short idle
// window.
func readAll(conn net.Conn) []byte {
	var got []byte
	buf := make([]byte, 256)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond * 100))
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return got
		}
	}
}

func TestBroadcastExclusion(t *testing.T) {
	is := is.New(t)

	registry := session.NewRegistry()
	peers := newPipeConns(t, registry, "A", "B", "C")
	relay := relayserver.NewRelay(registry, nil)

	msg := protocol.NewPlayerUpdate("A", protocol.Vec3{1, 2, 3}, protocol.Rotation{0, 0, 0}, 100)
	want, err := protocol.EncodeFrame(msg)
	is.NoErr(err)

	mu := sync.Mutex{}
	got := map[string][]byte{}
	wg := sync.WaitGroup{}
	for id, peer := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := readAll(peer)
			mu.Lock()
			got[id] = data
			mu.Unlock()
		}()
	}

	is.NoErr(relay.Broadcast(msg, "A"))
	wg.Wait()

	is.Equal(len(got["A"]), 0)
	is.Equal(got["B"], want)
	is.Equal(got["C"], want)
	is.Equal(registry.Len(), 3)
}

func TestBroadcastDropsFailedRecipients(t *testing.T) {
	is := is.New(t)

	registry := session.NewRegistry()
	peers := newPipeConns(t, registry, "A", "B", "C")
	relay := relayserver.NewRelay(registry, nil)

	c, ok := registry.Get("C")
	is.True(ok)

	// C's peer is gone, writes to it fail
	is.NoErr(peers["C"].Close())

	msg := protocol.NewEnemyUpdate("e1", protocol.Vec3{0, 0, 0}, 10)
	want, err := protocol.EncodeFrame(msg)
	is.NoErr(err)

	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)
	go func() { gotA <- readAll(peers["A"]) }()
	go func() { gotB <- readAll(peers["B"]) }()

	err = relay.Broadcast(msg, relayserver.NoExclude)
	is.True(err != nil)
	is.Equal(<-gotA, want)
	is.Equal(<-gotB, want)

	_, ok = registry.Get("C")
	is.True(!ok)
	is.Equal(registry.Len(), 2)
	is.Equal(c.State(), session.StateClosed)
	// second removal is a no-op
	is.True(!registry.Remove("C"))

	// C is no longer a target at all
	go func() { gotA <- readAll(peers["A"]) }()
	go func() { gotB <- readAll(peers["B"]) }()
	is.NoErr(relay.Broadcast(msg, relayserver.NoExclude))
	is.Equal(<-gotA, want)
	is.Equal(<-gotB, want)
}

func TestBroadcastEncodeFailure(t *testing.T) {
	is := is.New(t)

	registry := session.NewRegistry()
	newPipeConns(t, registry, "A")
	relay := relayserver.NewRelay(registry, nil)

	err := relay.Broadcast(protocol.NewConnect(""), relayserver.NoExclude)
	is.True(errors.Is(err, protocol.ErrInvalidMsg))
	is.Equal(registry.Len(), 1)
}

func TestConcurrentAdmissions(t *testing.T) {
	is := is.New(t)

	const n = 16

	rs := startServer(t, session.Limits{})

	peers := make([]*rawPeer, n)
	wg := sync.WaitGroup{}
	for i := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp4", rs.Addr().String())
			if err != nil {
				return
			}
			peers[i] = &rawPeer{conn: conn}
		}()
	}
	wg.Wait()

	localAddrs := map[string]bool{}
	for _, p := range peers {
		is.True(p != nil)
		t.Cleanup(func() { _ = p.conn.Close() })
		localAddrs[p.conn.LocalAddr().String()] = true
	}

	waitFor(t, "all admissions", func() bool { return rs.Registry().Len() == n })

	ids := map[session.ConnID]bool{}
	remoteAddrs := map[string]bool{}
	for _, conn := range rs.Registry().Snapshot() {
		ids[conn.ID()] = true
		remoteAddrs[conn.RemoteAddr().String()] = true
	}
	is.Equal(len(ids), n)
	is.Equal(remoteAddrs, localAddrs)
}

func TestRelayAndLifecycle(t *testing.T) {
	is := is.New(t)

	rs := startServer(t, session.Limits{})

	var mu sync.Mutex
	var serverSaw []protocol.MsgType
	for _, msgType := range []protocol.MsgType{
		protocol.MsgConnect,
		protocol.MsgPlayerJoined,
		protocol.MsgPlayerUpdate,
		protocol.MsgPlayerLeft,
	} {
		rs.Register(msgType, func(msg *protocol.Msg) {
			mu.Lock()
			serverSaw = append(serverSaw, msg.Type)
			mu.Unlock()
		})
	}

	a := dialRaw(t, rs.Addr().String())
	a.send(t, protocol.NewConnect("A"))
	waitFor(t, "A announced", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(serverSaw) == 2
	})

	b := dialRaw(t, rs.Addr().String())
	b.send(t, protocol.NewConnect("B"))

	// B is caught up on A, A hears about B
	is.Equal(b.recvType(t, protocol.MsgPlayerJoined), protocol.NewPlayerJoined("A"))
	is.Equal(a.recvType(t, protocol.MsgPlayerJoined), protocol.NewPlayerJoined("B"))

	update := protocol.NewPlayerUpdate("A", protocol.Vec3{1, 2, 3}, protocol.Rotation{0, 0, 0}, 100)
	a.send(t, update)
	is.Equal(b.recvType(t, protocol.MsgPlayerUpdate), update)

	// A never gets its own message back
	_, err := a.recv(time.Millisecond * 100)
	is.True(isTimeout(err))

	// unknown types are relayed as-is
	emote := &protocol.Msg{Type: "emote", Body: protocol.RawBody{}}
	b.send(t, emote)
	is.Equal(a.recvType(t, "emote"), emote)

	// peers can't impersonate the server
	b.send(t, protocol.NewPlayerLeft("A"))
	_, err = a.recv(time.Millisecond * 100)
	is.True(isTimeout(err))

	is.NoErr(b.conn.Close())
	is.Equal(a.recvType(t, protocol.MsgPlayerLeft), protocol.NewPlayerLeft("B"))
	waitFor(t, "B removed", func() bool { return rs.Registry().Len() == 1 })

	mu.Lock()
	defer mu.Unlock()
	is.Equal(serverSaw, []protocol.MsgType{
		protocol.MsgConnect,
		protocol.MsgPlayerJoined,
		protocol.MsgConnect,
		protocol.MsgPlayerJoined,
		protocol.MsgPlayerUpdate,
		protocol.MsgPlayerLeft,
	})
}

func TestDisconnectMessage(t *testing.T) {
	is := is.New(t)

	rs := startServer(t, session.Limits{})

	a := dialRaw(t, rs.Addr().String())
	a.send(t, protocol.NewConnect("A"))
	b := dialRaw(t, rs.Addr().String())
	b.send(t, protocol.NewConnect("B"))
	waitFor(t, "both admitted", func() bool { return rs.Registry().Len() == 2 })
	a.recvType(t, protocol.MsgPlayerJoined)

	b.send(t, protocol.NewDisconnect("B"))
	is.Equal(a.recvType(t, protocol.MsgPlayerLeft), protocol.NewPlayerLeft("B"))
	is.Equal(rs.Registry().Len(), 1)

	// the server hung up on B
	_, err := b.recv(time.Second)
	for err == nil {
		_, err = b.recv(time.Second)
	}
	is.True(errors.Is(err, io.EOF))
}

func TestMalformedFrames(t *testing.T) {
	is := is.New(t)

	rs := startServer(t, session.Limits{MaxMalformedFrames: 2})

	junk := []byte(`{"type":`)
	junkFrame := append(byteorder.Htonl(uint32(len(junk))), junk...)

	a := dialRaw(t, rs.Addr().String())
	a.send(t, protocol.NewConnect("A"))
	b := dialRaw(t, rs.Addr().String())
	b.send(t, protocol.NewConnect("B"))
	waitFor(t, "both admitted", func() bool { return rs.Registry().Len() == 2 })
	a.recvType(t, protocol.MsgPlayerJoined)

	// a couple of bad frames are tolerated
	for i := 0; i < 2; i++ {
		_, err := b.conn.Write(junkFrame)
		is.NoErr(err)
	}
	shoot := protocol.NewShoot("B", protocol.Vec3{1, 0, 0}, nil)
	b.send(t, shoot)
	is.Equal(a.recvType(t, protocol.MsgShoot), shoot)

	// one more and B is out
	_, err := b.conn.Write(junkFrame)
	is.NoErr(err)
	is.Equal(a.recvType(t, protocol.MsgPlayerLeft), protocol.NewPlayerLeft("B"))
	waitFor(t, "B removed", func() bool { return rs.Registry().Len() == 1 })
}

func TestServerBroadcast(t *testing.T) {
	is := is.New(t)

	rs := startServer(t, session.Limits{})

	a := dialRaw(t, rs.Addr().String())
	b := dialRaw(t, rs.Addr().String())
	waitFor(t, "both admitted", func() bool { return rs.Registry().Len() == 2 })

	enemy := protocol.NewEnemyUpdate("boss", protocol.Vec3{5, 0, 5}, 900)
	is.NoErr(rs.Broadcast(enemy))
	is.Equal(a.recvType(t, protocol.MsgEnemyUpdate), enemy)
	is.Equal(b.recvType(t, protocol.MsgEnemyUpdate), enemy)
}

func TestShutdown(t *testing.T) {
	is := is.New(t)

	rs, err := relayserver.NewRelayServer("tcp4", "127.0.0.1:0", session.Limits{}, nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Run(ctx) }()

	a := dialRaw(t, rs.Addr().String())
	waitFor(t, "admission", func() bool { return rs.Registry().Len() == 1 })

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(time.Second * 2):
		t.Fatal("server did not stop")
	}
	is.Equal(rs.Registry().Len(), 0)

	_, err = a.recv(time.Second)
	is.True(err != nil && !isTimeout(err))

	_, err = net.Dial("tcp4", rs.Addr().String())
	is.True(err != nil)
}

func TestDuplicatePlayerID(t *testing.T) {
	is := is.New(t)

	rs := startServer(t, session.Limits{})

	var mu sync.Mutex
	var connects []string
	rs.Register(protocol.MsgConnect, func(msg *protocol.Msg) {
		mu.Lock()
		connects = append(connects, msg.Body.(*protocol.Connect).PlayerID)
		mu.Unlock()
	})

	a1 := dialRaw(t, rs.Addr().String())
	a1.send(t, protocol.NewConnect("A"))
	waitFor(t, "A bound", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connects) == 1
	})
	b := dialRaw(t, rs.Addr().String())
	b.send(t, protocol.NewConnect("B"))
	is.Equal(b.recvType(t, protocol.MsgPlayerJoined), protocol.NewPlayerJoined("A"))

	// a repeated connect on the same connection changes nothing
	a1.send(t, protocol.NewConnect("A"))

	// a second connection claiming A is turned away
	a2 := dialRaw(t, rs.Addr().String())
	a2.send(t, protocol.NewConnect("A"))
	_, err := a2.recv(time.Second)
	for err == nil {
		_, err = a2.recv(time.Second)
	}
	is.True(errors.Is(err, io.EOF))

	// peers never hear that A left, the first A is still here
	left := b.recvType(t, protocol.MsgPlayerLeft)
	is.True(left.Body.(*protocol.PlayerLeft).PlayerID != "A")
	waitFor(t, "second A removed", func() bool { return rs.Registry().Len() == 2 })

	bound := 0
	for _, conn := range rs.Registry().Snapshot() {
		if conn.PlayerID() == "A" {
			bound++
		}
	}
	is.Equal(bound, 1)

	// the real A leaving is still announced
	is.NoErr(a1.conn.Close())
	is.Equal(b.recvType(t, protocol.MsgPlayerLeft), protocol.NewPlayerLeft("A"))

	// and once it is gone the id is free again
	waitFor(t, "A claimable again", func() bool {
		a3 := dialRaw(t, rs.Addr().String())
		a3.send(t, protocol.NewConnect("A"))
		// a rejected claim gets hung up on, an accepted one goes quiet after
		// the roster
		for {
			_, err := a3.recv(time.Millisecond * 100)
			if err != nil {
				return isTimeout(err)
			}
		}
	})
	is.Equal(b.recvType(t, protocol.MsgPlayerJoined), protocol.NewPlayerJoined("A"))

	mu.Lock()
	defer mu.Unlock()
	is.Equal(connects, []string{"A", "B", "A"})
}
