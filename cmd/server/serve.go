package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/keyrelay/internal/chat"
	"github.com/omochice/keyrelay/internal/config"
	"github.com/omochice/keyrelay/internal/logging"
	"github.com/omochice/keyrelay/internal/server"
	"github.com/omochice/keyrelay/pkg/protocol"
)

var (
	flagConfig    string
	flagListen    string
	flagWebSocket bool
	flagFraming   string
	flagLogLevel  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept client connections and relay room traffic",
	Long: `Start the relay on a single port. Raw TCP clients are served directly;
with --websocket, HTTP upgrade requests on the same port become WebSocket
sessions.

Examples:
  keyrelay serve
  keyrelay serve --listen :9000 --websocket
  keyrelay serve --config keyrelay.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAndValidate(flagConfig)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML config file")
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "address to listen on (default \":12345\")")
	serveCmd.Flags().BoolVar(&flagWebSocket, "websocket", false, "accept WebSocket upgrades on the same port")
	serveCmd.Flags().StringVar(&flagFraming, "framing", "", "raw TCP framing: raw or varint")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error")
}

// applyFlags lets explicitly set flags override the file and environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = flagListen
	}
	if flags.Changed("websocket") {
		cfg.WebSocket.Enabled = flagWebSocket
	}
	if flags.Changed("framing") {
		cfg.Framing = flagFraming
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	return cfg.Validate()
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := logging.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	framing, err := protocol.ParseFraming(cfg.Framing)
	if err != nil {
		return err
	}

	hub := chat.NewHub(
		chat.WithLogger(logger),
		chat.WithWriteTimeout(cfg.WriteTimeout),
	)
	srv := server.New(cfg.Listen, hub, server.Options{
		WebSocket:      cfg.WebSocket.Enabled,
		WebSocketPath:  cfg.WebSocket.Path,
		Framing:        framing,
		MaxFrameSize:   cfg.MaxFrameSize,
		ReadBufferSize: cfg.ReadBufferSize,
		Logger:         logger,
	})
	if err := srv.Listen(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if cfg.StatusInterval > 0 {
		g.Go(func() error {
			return hub.ReportStatus(ctx, cfg.StatusInterval)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "sessions", hub.ClientCount())
		srv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay stopped: %w", err)
	}

	if cfg.ShutdownTimeout > 0 {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Wait(drainCtx); err != nil {
			logger.Warn("sessions still running at shutdown", "sessions", hub.ClientCount())
		}
	}
	logger.Info("relay stopped")
	return nil
}
