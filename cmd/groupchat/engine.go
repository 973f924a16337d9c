package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eldtechnologies/groupchat/internal/config"
	"github.com/eldtechnologies/groupchat/internal/engine"
)

// engineCmd is the child entry point used by the supervisor's process
// launcher. The supervisor passes inherited descriptors by number.
func engineCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var addr string
	var managerFD, populationFD int

	cmd := &cobra.Command{
		Use:    "engine",
		Short:  "Run a supervised chat engine",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.EngineAddr()
			}
			logger := newLogger(cfg).With().Int("pid", os.Getpid()).Logger()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var opts []engine.Option
			if managerFD > 0 {
				conn, err := inheritedConn(managerFD)
				if err != nil {
					return err
				}
				opts = append(opts, engine.WithManager(conn))
			}
			if populationFD > 0 {
				pop := os.NewFile(uintptr(populationFD), "population")
				if pop == nil {
					return fmt.Errorf("population fd %d is not valid", populationFD)
				}
				defer pop.Close()
				opts = append(opts, engine.WithPopulationChannel(pop))
			}

			st := openStores(ctx, cfg, logger, false)
			defer st.Close()
			if st.redis != nil {
				opts = append(opts, engine.WithPresence(st.redis))
			}

			srv := engine.New(engineConfig(cfg, addr), logger, opts...)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default HOST:PORT+1)")
	cmd.Flags().IntVar(&managerFD, "manager-fd", 0, "inherited manager socket descriptor")
	cmd.Flags().IntVar(&populationFD, "population-fd", 0, "inherited side channel descriptor")
	return cmd
}

func inheritedConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "manager")
	if f == nil {
		return nil, errors.New("manager fd is not valid")
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("manager fd %d: %w", fd, err)
	}
	return conn, nil
}
