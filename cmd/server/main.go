package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/arenarelay/internal/protocol"
	"github.com/blukai/arenarelay/internal/relayserver"
	"github.com/blukai/arenarelay/internal/session"
	"github.com/blukai/arenarelay/internal/world"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	Host               string        `envconfig:"RELAY_HOST" default:"localhost"`
	Port               string        `envconfig:"RELAY_PORT" default:"5555"`
	MaxFrameSize       int           `envconfig:"RELAY_MAX_FRAME_SIZE" default:"65536"`
	MaxMalformedFrames int           `envconfig:"RELAY_MAX_MALFORMED_FRAMES" default:"3"`
	WriteTimeout       time.Duration `envconfig:"RELAY_WRITE_TIMEOUT" default:"5s"`
	// PlayerMaxAge is how long the server's world mirror keeps a player that
	// went quiet.
	PlayerMaxAge time.Duration `envconfig:"RELAY_PLAYER_MAX_AGE" default:"30s"`
	LogLevel     string        `envconfig:"RELAY_LOG_LEVEL" default:"info"`
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

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	limits := session.Limits{
		MaxFrameSize:       config.MaxFrameSize,
		MaxMalformedFrames: config.MaxMalformedFrames,
		WriteTimeout:       config.WriteTimeout,
	}
	addr := net.JoinHostPort(config.Host, config.Port)
	relayServer, err := relayserver.NewRelayServer("tcp", addr, limits, logger)
	if err != nil {
		return fmt.Errorf("could not construct relay server: %w", err)
	}
	logger.Info().Msgf("started relay server on %s", relayServer.Addr())

	// the server keeps its own view of the arena, fed by everything it relays
	arena := world.NewWorld(logger)
	arena.Bind(relayServer)
	relayServer.Register(protocol.MsgConnect, func(msg *protocol.Msg) {
		connect := msg.Body.(*protocol.Connect)
		logger.Info().
			Str("conn", msg.SenderID).
			Str("player", connect.PlayerID).
			Msg("connect")
	})
	relayServer.Register(protocol.MsgDisconnect, func(msg *protocol.Msg) {
		disconnect := msg.Body.(*protocol.Disconnect)
		logger.Info().
			Str("conn", msg.SenderID).
			Str("player", disconnect.PlayerID).
			Msg("disconnect")
	})

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var relayServerRunErr error
	go func() {
		defer wg.Done()
		relayServerRunErr = relayServer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		arena.Run(ctx, config.PlayerMaxAge)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if relayServerRunErr != nil {
		return fmt.Errorf("relay server run failed: %w", relayServerRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
