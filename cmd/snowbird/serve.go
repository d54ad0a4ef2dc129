package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snowbird/pkg/metrics"
	"snowbird/pkg/node"
	"snowbird/pkg/server"
	"snowbird/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr       string
		peerAddr       string
		advertiseAddr  string
		bootstrapPeers []string
		maxUpload      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend and the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("peer-addr") {
				cfg.PeerAddr = peerAddr
			}
			if advertiseAddr != "" {
				cfg.AdvertiseAddr = advertiseAddr
			}
			cfg.BootstrapPeers = append(cfg.BootstrapPeers, bootstrapPeers...)
			if maxUpload != "" {
				cfg.MaxUploadSize = maxUpload
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			m := metrics.New(nil).WithRuntimeCollectors()
			handle := node.New(cfg, m, logger.Named("node"))
			handle.Status().Subscribe(func(s node.ServiceStatus) {
				logger.Info("Service status", zap.String("status", string(s)))
			})

			if _, err := handle.Initialize(cfg.BaseDir); err != nil {
				return err
			}
			if err := handle.Start(context.Background()); err != nil {
				return err
			}

			api := server.New(cfg, handle, m, logger.Named("api"))
			if err := api.Start(); err != nil {
				handle.Stop(context.Background())
				return err
			}

			logger.Info("Snowbird running",
				zap.String("version", server.Version),
				zap.String("base_dir", cfg.BaseDir),
				zap.String("socket", cfg.SocketFile()),
				zap.String("http_addr", api.Addr()),
				zap.String("max_upload_size", utils.FormatDataSize(cfg.MaxUploadBytes())))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan
			logger.Info("Shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := api.Stop(ctx); err != nil {
				logger.Warn("Error stopping API", zap.Error(err))
			}
			return handle.Stop(ctx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "TCP address of the HTTP API")
	cmd.Flags().StringVar(&peerAddr, "peer-addr", "", "listen address of the peer exchange")
	cmd.Flags().StringVar(&advertiseAddr, "advertise-addr", "", "peer address written into share URLs")
	cmd.Flags().StringSliceVar(&bootstrapPeers, "bootstrap", nil, "peer addresses to contact on start")
	cmd.Flags().StringVar(&maxUpload, "max-upload-size", "", "largest accepted upload (e.g. 64MiB)")
	return cmd
}
