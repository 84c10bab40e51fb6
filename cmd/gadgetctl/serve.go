package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/gadgetlink/internal/admin"
	"github.com/danmuck/gadgetlink/internal/auth"
	"github.com/danmuck/gadgetlink/internal/gadget"
	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/observability"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/transport/wsbridge"
)

func serveCmd(load func() (appConfig, error)) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a peripheral over websocket with the admin API",
		Long: `Serve the reference peripheral. Each websocket connection on the bridge
path gets its own link; /links on the admin API reports their state.

Examples:
  gadgetctl serve
  gadgetctl serve --addr 127.0.0.1:9400 --config gadgetctl.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.AdminAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Admin listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg appConfig) error {
	linkCfg := cfg.Link
	linkCfg.Role = protocol.RolePeripheral

	links := admin.NewRegistry()
	server := admin.New("gadgetctl", cfg.AdminAddr, cfg.CorsOrigins, links)
	if cfg.AdminToken != "" {
		server.RequireToken(auth.StaticToken{Token: cfg.AdminToken})
	}

	server.MountBridge(cfg.BridgePath, wsbridge.Handler(peripheralLinks(links, linkCfg), cfg.Bridge, observability.Component("wsbridge")))
	return server.Serve(ctx)
}

// peripheralLinks builds one named peripheral link per bridge connection and
// keeps it in links until the peer disconnects.
func peripheralLinks(links *admin.Registry, linkCfg link.Config) wsbridge.ConnFactory {
	var seq atomic.Uint64
	return func() (*link.Conn, func(), error) {
		name := fmt.Sprintf("peer-%d", seq.Add(1))
		logger := observability.Component("link").With().Str("link", name).Logger()
		peripheral := gadget.NewPeripheral(gadget.DefaultProfile(), logger)
		conn, err := link.New(linkCfg, peripheral.Handlers(), link.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		links.Register(name, conn)
		return conn, func() { links.Unregister(name) }, nil
	}
}
