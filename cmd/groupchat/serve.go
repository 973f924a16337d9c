package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/groupchat/internal/api"
	"github.com/eldtechnologies/groupchat/internal/config"
	"github.com/eldtechnologies/groupchat/internal/engine"
	"github.com/eldtechnologies/groupchat/internal/handlers"
)

func serveCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat engine without a supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st := openStores(ctx, cfg, logger, false)
			defer st.Close()

			var opts []engine.Option
			deps := handlers.Deps{}
			if st.redis != nil {
				opts = append(opts, engine.WithPresence(st.redis))
				deps.Presence = st.redis
			}

			srv := engine.New(engineConfig(cfg, cfg.Addr()), logger, opts...)
			deps.Engine = srv

			logger.Info().
				Str("addr", cfg.Addr()).
				Str("env", cfg.Env).
				Msg("starting groupchat server")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx)
			})
			if cfg.OpsPort != "" {
				ops := api.NewServer(opsAddr(cfg), logger, deps)
				g.Go(func() error {
					return ops.Run(gctx)
				})
			}
			return g.Wait()
		},
	}
}
