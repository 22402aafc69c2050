package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	runtimedebug "runtime/debug"
	"syscall"
	"time"

	"github.com/blukai/arenarelay/internal/debug"
	"github.com/blukai/arenarelay/internal/peerlink"
	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/blukai/arenarelay/internal/ptr"
	"github.com/blukai/arenarelay/internal/session"
	"github.com/blukai/arenarelay/internal/world"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ServerHost string `envconfig:"RELAY_SERVER_HOST" default:"localhost"`
	ServerPort string `envconfig:"RELAY_SERVER_PORT" default:"5555"`
	// PlayerID is random when empty.
	PlayerID       string        `envconfig:"RELAY_PLAYER_ID"`
	UpdateInterval time.Duration `envconfig:"RELAY_UPDATE_INTERVAL" default:"100ms"`
	DialTimeout    time.Duration `envconfig:"RELAY_DIAL_TIMEOUT" default:"5s"`
	PlayerMaxAge   time.Duration `envconfig:"RELAY_PLAYER_MAX_AGE" default:"30s"`
	CrashDir       string        `envconfig:"RELAY_CRASH_DIR" default:"crashes"`
	LogLevel       string        `envconfig:"RELAY_LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.ParseLevel(level)
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

// maybeDumpStack is not absolutely panic-free, it theoretically may also panic
func maybeDumpStack(dir string) {
	r := recover()
	if r == nil {
		return
	}

	err := os.MkdirAll(dir, 0755)
	debug.NoErr(err)

	filename := filepath.Join(
		dir,
		"arenarelay-"+time.Now().UTC().Format(time.RFC3339)+".txt",
	)
	stackTrace := runtimedebug.Stack()

	err = os.WriteFile(filename, stackTrace, 0644)
	debug.NoErr(err)

	panic(r)
}

// simulate walks the local player in a circle and fires now and then, the
// way a game loop would feed the peer link.
func simulate(ctx context.Context, pl *peerlink.PeerLink, arena *world.World, interval time.Duration, logger *log.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		tick++

		angle := float64(tick) * 0.05
		position := protocol.Vec3{math.Cos(angle) * 10, 0, math.Sin(angle) * 10}
		rotation := protocol.Rotation{0, angle, 0}
		err := pl.SendPlayerUpdate(position, rotation, 100)
		if errors.Is(err, session.ErrConnClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not send player update: %w", err)
		}

		if tick%20 == 0 {
			direction := protocol.Vec3{-math.Sin(angle), 0, math.Cos(angle)}
			// every other shot lands a few units ahead
			var hit *protocol.Vec3
			if tick%40 == 0 {
				hit = ptr.To(protocol.Vec3{
					position[0] + direction[0]*5,
					position[1],
					position[2] + direction[2]*5,
				})
			}
			err := pl.SendShoot(direction, hit)
			if errors.Is(err, session.ErrConnClosed) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("could not send shoot: %w", err)
			}
		}

		for _, shot := range arena.DrainShots() {
			logger.Info().
				Str("player", shot.PlayerID).
				Any("direction", shot.Direction).
				Msg("incoming shot")
		}
		if tick%50 == 0 {
			logger.Info().
				Int("players", len(arena.Players())).
				Int("enemies", len(arena.Enemies())).
				Msg("arena")
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}
	defer maybeDumpStack(config.CrashDir)

	logger := configureLogger(config.LogLevel)

	addr := net.JoinHostPort(config.ServerHost, config.ServerPort)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), config.DialTimeout)
	pl, err := peerlink.NewPeerLink(dialCtx, "tcp", addr, config.PlayerID, session.Limits{}, logger)
	dialCancel()
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	logger.Info().Msgf("connected to %s as %s", addr, pl.PlayerID())

	arena := world.NewWorld(logger)
	arena.Bind(pl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		// server hanging up ends the session too
		defer cancel()
		return pl.Run(ctx)
	})
	group.Go(func() error {
		return simulate(ctx, pl, arena, config.UpdateInterval, logger)
	})
	group.Go(func() error {
		arena.Run(ctx, config.PlayerMaxAge)
		return nil
	})
	group.Go(func() error {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(signalChan)

		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
		case <-ctx.Done():
		}

		// tell the server before the receive loop is torn down
		if err := pl.Close(); err != nil {
			logger.Warn().Msgf("could not close peer link: %v", err)
		}
		cancel()
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("peer link failed: %w", err)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
