// Command msgbus-router runs a standalone router process: enough CLI to
// start one router with its configured transport acceptors and block on
// its update loop, for manual testing and small deployments. Service
// composition (RPC skeletons, discovery, resource transfer) is out of
// scope here; embed pkg/msgbus/router directly for that.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/config"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/router"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/telemetry"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/transport/p2p"
	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus/transport/ws"
)

// version is set at build time via -ldflags; "dev" otherwise.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "msgbus-router",
		Short: "Run an eagiMsgBus-style message bus router",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (msgbus.* keys)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd(&configPath))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the router version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a router and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouter(*configPath)
		},
	}
}

func runRouter(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "msgbus-router").Logger()

	metrics := telemetry.NewMetrics()
	tp, err := telemetry.NewTracerProvider("msgbus-router", cfg.Telemetry.JaegerEndpoint)
	if err != nil {
		return fmt.Errorf("building tracer provider: %w", err)
	}

	r, err := router.New(cfg.Router, &router.Context{
		Logger:      log,
		Metrics:     metrics,
		BlobSizeCap: cfg.Blob.MaxSize,
	})
	if err != nil {
		return fmt.Errorf("constructing router: %w", err)
	}
	log.Info().Uint64("self_id", uint64(r.SelfID())).Msg("router constructed")

	if cfg.Transport.WSListen != "" {
		wsAcceptor := ws.NewAcceptor(cfg.Transport.WSListen, "/msgbus", 0, log)
		if err := wsAcceptor.Serve(); err != nil {
			return fmt.Errorf("starting websocket acceptor: %w", err)
		}
		defer wsAcceptor.Close()
		r.AddAcceptor(wsAcceptor)
		log.Info().Str("addr", cfg.Transport.WSListen).Msg("websocket acceptor listening")
	}

	if cfg.Transport.P2PListen != "" {
		p2pAcceptor, err := p2p.NewAcceptor([]string{cfg.Transport.P2PListen}, 0, log)
		if err != nil {
			return fmt.Errorf("starting p2p acceptor: %w", err)
		}
		defer p2pAcceptor.Close()
		r.AddAcceptor(p2pAcceptor)
		log.Info().Str("addr", cfg.Transport.P2PListen).Msg("p2p acceptor listening")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			r.Finish(time.Second)
			_ = tp.Shutdown(context.Background())
			return nil
		case <-ticker.C:
			r.DoWork(8)
		}
	}
}
