package world

import (
	"cmp"
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/blukai/arenarelay/internal/debug"
	"github.com/blukai/arenarelay/internal/dispatcher"
	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

// MaxPendingShots bounds the shots kept between two DrainShots calls, the
// oldest ones are dropped first.
const MaxPendingShots = 256

type entityKey uint64

func makeEntityKey(id string) entityKey {
	return entityKey(xxhash.Sum64String(id))
}

type Player struct {
	ID       string
	Position protocol.Vec3
	Rotation protocol.Rotation
	Health   float64
	LastSeen time.Time
}

type Enemy struct {
	ID       string
	Position protocol.Vec3
	Health   float64
	LastSeen time.Time
}

type Shot struct {
	PlayerID  string
	Direction protocol.Vec3
	// HitPosition is nil on a miss.
	HitPosition *protocol.Vec3
}

// World mirrors the remote state a peer learns about from the relay:
// players, enemies and shots that have not been rendered yet.
type World struct {
	logger *log.Logger

	mu      sync.Mutex
	players map[entityKey]*Player
	enemies map[entityKey]*Enemy
	shots   []Shot
}

func NewWorld(logger *log.Logger) *World {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &World{
		logger: logger,

		players: make(map[entityKey]*Player),
		enemies: make(map[entityKey]*Enemy),
	}
}

// Bind registers the world's handlers.
func (w *World) Bind(r dispatcher.Registrar) {
	r.Register(protocol.MsgPlayerJoined, w.handlePlayerJoined)
	r.Register(protocol.MsgPlayerLeft, w.handlePlayerLeft)
	r.Register(protocol.MsgPlayerUpdate, w.handlePlayerUpdate)
	r.Register(protocol.MsgShoot, w.handleShoot)
	r.Register(protocol.MsgEnemyUpdate, w.handleEnemyUpdate)
}

func (w *World) handlePlayerJoined(msg *protocol.Msg) {
	joined, ok := msg.Body.(*protocol.PlayerJoined)
	debug.Assert(ok)

	w.mu.Lock()
	key := makeEntityKey(joined.PlayerID)
	if _, ok := w.players[key]; !ok {
		w.players[key] = &Player{ID: joined.PlayerID, LastSeen: time.Now()}
	}
	w.mu.Unlock()

	w.logger.Info().
		Str("player", joined.PlayerID).
		Msg("player joined")
}

func (w *World) handlePlayerLeft(msg *protocol.Msg) {
	left, ok := msg.Body.(*protocol.PlayerLeft)
	debug.Assert(ok)

	w.mu.Lock()
	delete(w.players, makeEntityKey(left.PlayerID))
	w.mu.Unlock()

	w.logger.Info().
		Str("player", left.PlayerID).
		Msg("player left")
}

func (w *World) handlePlayerUpdate(msg *protocol.Msg) {
	update, ok := msg.Body.(*protocol.PlayerUpdate)
	debug.Assert(ok)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.players[makeEntityKey(update.PlayerID)] = &Player{
		ID:       update.PlayerID,
		Position: update.Position,
		Rotation: slices.Clone(update.Rotation),
		Health:   update.Health,
		LastSeen: time.Now(),
	}
}

func (w *World) handleShoot(msg *protocol.Msg) {
	shoot, ok := msg.Body.(*protocol.Shoot)
	debug.Assert(ok)

	w.logger.Debug().
		Str("player", shoot.PlayerID).
		Any("direction", shoot.Direction).
		Msg("shot")

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.shots) == MaxPendingShots {
		w.shots = slices.Delete(w.shots, 0, 1)
	}
	w.shots = append(w.shots, Shot{
		PlayerID:    shoot.PlayerID,
		Direction:   shoot.Direction,
		HitPosition: shoot.HitPosition,
	})
}

func (w *World) handleEnemyUpdate(msg *protocol.Msg) {
	update, ok := msg.Body.(*protocol.EnemyUpdate)
	debug.Assert(ok)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.enemies[makeEntityKey(update.EnemyID)] = &Enemy{
		ID:       update.EnemyID,
		Position: update.Position,
		Health:   update.Health,
		LastSeen: time.Now(),
	}
}

func (w *World) Player(id string) (Player, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	player, ok := w.players[makeEntityKey(id)]
	if !ok {
		return Player{}, false
	}
	return *player, true
}

// Players returns a copy of every known player, ordered by id.
func (w *World) Players() []Player {
	w.mu.Lock()
	players := make([]Player, 0, len(w.players))
	for _, player := range w.players {
		players = append(players, *player)
	}
	w.mu.Unlock()

	slices.SortFunc(players, func(a, b Player) int { return cmp.Compare(a.ID, b.ID) })
	return players
}

// Enemies returns a copy of every known enemy, ordered by id.
func (w *World) Enemies() []Enemy {
	w.mu.Lock()
	enemies := make([]Enemy, 0, len(w.enemies))
	for _, enemy := range w.enemies {
		enemies = append(enemies, *enemy)
	}
	w.mu.Unlock()

	slices.SortFunc(enemies, func(a, b Enemy) int { return cmp.Compare(a.ID, b.ID) })
	return enemies
}

// DrainShots returns the shots received since the last call, oldest first.
func (w *World) DrainShots() []Shot {
	w.mu.Lock()
	defer w.mu.Unlock()

	shots := w.shots
	w.shots = nil
	return shots
}

// Evict forgets players and enemies last seen before cutoff. It returns how
// many entities were dropped.
func (w *World) Evict(cutoff time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	evicted := 0
	for key, player := range w.players {
		if player.LastSeen.Before(cutoff) {
			delete(w.players, key)
			evicted++
			w.logger.Debug().
				Str("player", player.ID).
				Msg("evicted player")
		}
	}
	for key, enemy := range w.enemies {
		if enemy.LastSeen.Before(cutoff) {
			delete(w.enemies, key)
			evicted++
			w.logger.Debug().
				Str("enemy", enemy.ID).
				Msg("evicted enemy")
		}
	}
	return evicted
}

// Run evicts entities that went quiet for longer than maxAge, once a second,
// until ctx is done.
func (w *World) Run(ctx context.Context, maxAge time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			w.Evict(time.Now().Add(-maxAge))
		}
	}
}
