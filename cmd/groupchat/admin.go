package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/groupchat/internal/api"
	"github.com/eldtechnologies/groupchat/internal/config"
	"github.com/eldtechnologies/groupchat/internal/handlers"
	"github.com/eldtechnologies/groupchat/internal/supervisor"
)

func adminCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Run the admin supervisor",
		Long: "Listen for a server manager on PORT. Once it authenticates with the passkey, " +
			"/s starts the chat engine on PORT+1 and /q stops it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			passkey, err := cfg.Passkey()
			if err != nil {
				logger.Fatal().Err(err).Msg("invalid admin passkey")
			}

			st := openStores(ctx, cfg, logger, true)
			defer st.Close()

			var opts []supervisor.Option
			deps := handlers.Deps{}
			if st.events != nil {
				opts = append(opts, supervisor.WithAudit(st.events))
				deps.Events = st.events
			}
			if st.redis != nil {
				if err := st.redis.ClearPresence(ctx); err != nil {
					logger.Warn().Err(err).Msg("failed to clear stale presence")
				}
				opts = append(opts, supervisor.WithGuard(supervisor.NewGuard(st.redis, logger, supervisor.GuardConfig{
					Whitelist:        cfg.AdminWhitelist,
					AutoBlockEnabled: cfg.AutoBlockEnabled,
				})))
				deps.Presence = st.redis
			}

			launcher := &supervisor.ProcessLauncher{Logger: logger}
			sup := supervisor.New(supervisor.Config{
				Addr:       cfg.Addr(),
				EngineAddr: cfg.EngineAddr(),
				Passkey:    passkey,
			}, launcher, logger, opts...)
			deps.Supervisor = sup

			logger.Info().
				Str("addr", cfg.Addr()).
				Str("env", cfg.Env).
				Msg("starting groupchat admin server")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return sup.Run(gctx)
			})
			if cfg.OpsPort != "" {
				ops := api.NewServer(opsAddr(cfg), logger, deps)
				g.Go(func() error {
					return ops.Run(gctx)
				})
			}

			err = g.Wait()
			logger.Info().Msg("admin server stopped")
			return err
		},
	}
}
