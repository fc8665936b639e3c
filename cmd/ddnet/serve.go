package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologos/ddnet/internal/config"
	"github.com/chronologos/ddnet/internal/coordinator"
	"github.com/chronologos/ddnet/internal/gamelock"
	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/peer"
	"github.com/chronologos/ddnet/internal/storage"
	"github.com/chronologos/ddnet/internal/transport"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the game coordinator",
		Long: "serve answers coordinator requests over TCP, QUIC or both. With a lobby " +
			"address it also announces itself on the LAN and streams presence events " +
			"to websocket clients.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return a.serve(ctx)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "listen address (host:port)")
	flags.String("mode", "", "transport: tcp, quic or dual")
	flags.Int("workers", 0, "maximum concurrently served connections")
	flags.String("storage", "", "directory holding game files")
	flags.String("lobby", "", "serve the presence feed on this address")
	a.bind(flags, "addr", config.KeyServerAddr)
	a.bind(flags, "mode", config.KeyServerMode)
	a.bind(flags, "workers", config.KeyServerMaxWorkers)
	a.bind(flags, "storage", config.KeyStorageDir)
	a.bind(flags, "lobby", config.KeyLobbyAddr)
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := logging.New("serve")

	store, err := storage.New(cfg.StorageDir)
	if err != nil {
		return err
	}
	coord := coordinator.New(coordinator.Config{
		Store: store,
		Logic: coordinator.RoundRobin{},
		Locks: gamelock.NewRegistry(),
		Poll:  cfg.Poll,
		Log:   logging.New("coordinator"),
	})

	ln, err := transport.Listen(cfg.Server.Mode, cfg.Server.Addr, cfg.Transport)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	defer ln.Close()
	srv := peer.NewFrameServer(coord, cfg.Server.KeepAlive, cfg.Server.MaxWorkers, logging.New("server"))
	log.Info("coordinator ready", "addr", ln.Addr(), "mode", cfg.Server.Mode, "storage", store.Dir())

	tasks := []func(context.Context) error{
		func(ctx context.Context) error { return srv.Serve(ctx, ln) },
		func(ctx context.Context) error {
			select {
			case <-srv.Ready:
				a.listening("server", ln.Addr())
			case <-ctx.Done():
			}
			return nil
		},
	}
	if cfg.LobbyAddr != "" {
		lan, err := a.joinLAN(func() []byte { return []byte(ln.Addr()) })
		if err != nil {
			return err
		}
		defer lan.Close()
		tasks = append(tasks, lan.run, lan.serveLobby(a, cfg.LobbyAddr))
	}
	return runAll(ctx, tasks...)
}
