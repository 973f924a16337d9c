// groupchat runs the group chat engine and its admin supervisor.
package main

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/groupchat/internal/config"
	"github.com/eldtechnologies/groupchat/internal/engine"
	"github.com/eldtechnologies/groupchat/internal/protocol"
	"github.com/eldtechnologies/groupchat/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:          "groupchat",
		Short:        "Multi-client group chat server with an admin supervisor",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&host, "host", "", "bind address (overrides HOST)")
	cmd.PersistentFlags().IntVar(&port, "port", 0, "admin port; the chat engine uses port+1 (overrides PORT)")

	loadConfig := func() (*config.Config, error) {
		cfg := config.Load()
		if host != "" {
			cfg.Host = host
		}
		if port != 0 {
			cfg.Port = port
		}
		return cfg, cfg.Validate()
	}

	cmd.AddCommand(adminCmd(loadConfig), serveCmd(loadConfig), engineCmd(loadConfig))
	return cmd
}

// newLogger builds the root logger: console output in development, JSON
// otherwise.
func newLogger(cfg *config.Config) zerolog.Logger {
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// stores holds the optional backing stores.
type stores struct {
	events store.EventStore
	redis  *store.RedisStore
}

func (s *stores) Close() {
	if s.events != nil {
		s.events.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// openStores connects to whatever stores are configured. Connection failures
// are fatal.
func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withEvents bool) *stores {
	s := &stores{}

	if withEvents {
		if cfg.DatabaseURL != "" {
			logger.Info().Msg("running database migrations...")
		}
		events, err := store.OpenEventStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("event store connection failed")
		}
		if events != nil {
			s.events = events
			logger.Info().Msg("connected to event store")
		}
	}

	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		s.redis = redisStore
		logger.Info().Msg("connected to Redis")
	}
	return s
}

func engineConfig(cfg *config.Config, addr string) engine.Config {
	return engine.Config{
		Addr:         addr,
		BufferSize:   protocol.BufferSize,
		MessageRate:  rate.Limit(cfg.MessageRate),
		MessageBurst: cfg.MessageBurst,
	}
}

func opsAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Host, cfg.OpsPort)
}
