package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/marmos91/netstore/internal/logger"
	"github.com/marmos91/netstore/pkg/adapter"
	"github.com/marmos91/netstore/pkg/api"
	"github.com/marmos91/netstore/pkg/config"
	"github.com/marmos91/netstore/pkg/metrics"
	promMetrics "github.com/marmos91/netstore/pkg/metrics/prometheus"
	"github.com/marmos91/netstore/pkg/server"
)

var (
	serveHost string
	servePort int
	serveRoot string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a storage server",
	Long: `Start a storage server that persists uploaded blobs under the
configured root directory. Uploads are staged per connection and become
visible to downloads only after the client commits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.MustLoad(cfgFile)
		if err != nil {
			return err
		}
		applyServeFlags(cmd, cfg)

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		// Keep the interface nil when metrics are disabled, so the server
		// skips collection entirely.
		var m metrics.ServerMetrics
		if cfg.API.IsEnabled() {
			m = promMetrics.NewServerMetrics(prometheus.DefaultRegisterer)
		}

		srv, err := server.New(server.Config{
			BaseConfig: adapter.BaseConfig{
				BindAddress:     cfg.Server.BindAddress,
				Port:            cfg.Server.Port,
				MaxConnections:  cfg.Server.MaxConnections,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			},
			Root: cfg.Server.Root,
		}, m)
		if err != nil {
			return err
		}

		logger.Info("Storage server starting",
			"root", srv.Root(), "port", cfg.Server.Port)

		// Re-apply the log level and format when the config file changes.
		if cfgFile != "" {
			err := config.Watch(cfgFile, func(next *config.Config) {
				logger.SetLevel(next.Logging.Level)
				logger.SetFormat(next.Logging.Format)
			}, ctx.Done())
			if err != nil {
				logger.Warn("Config watch unavailable", "error", err)
			}
		}

		start := time.Now()
		if cfg.API.IsEnabled() {
			apiSrv := api.NewServer(api.Config{
				BindAddress: cfg.API.BindAddress,
				Port:        cfg.API.Port,
			}, &serveStatus{srv: srv, start: start})
			go func() {
				if err := apiSrv.Serve(ctx); err != nil {
					logger.Error("Admin API failed", "error", err)
				}
			}()
		}

		return srv.ServeWithFactory(ctx, srv)
	},
}

// serveStatus adapts the storage server to the admin /status endpoint.
type serveStatus struct {
	srv   *server.Server
	start time.Time
}

func (s *serveStatus) Status() api.Status {
	return api.Status{
		Role:              "storage",
		Version:           Version,
		UptimeSeconds:     int64(time.Since(s.start).Seconds()),
		ActiveConnections: s.srv.GetActiveConnections(),
	}
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.BindAddress = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("root") {
		cfg.Server.Root = serveRoot
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "address to bind to")
	serveCmd.Flags().IntVar(&servePort, "port", config.DefaultPort, "port to listen on")
	serveCmd.Flags().StringVar(&serveRoot, "root", "", "directory to persist blobs under")
}
