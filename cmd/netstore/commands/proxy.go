package commands

import (
	"context"
	"fmt"
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
	"github.com/marmos91/netstore/pkg/proxy"
)

var (
	proxyHost     string
	proxyPort     int
	proxyBackends []string
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start a fan-out proxy",
	Long: `Start a proxy that multiplexes every client session into parallel
sessions against the configured storage backends. Uploads are replicated to
all backends through a distributed two-phase commit; downloads are served
from any healthy one, with transparent mid-stream failover.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.MustLoad(cfgFile)
		if err != nil {
			return err
		}
		applyProxyFlags(cmd, cfg)

		if len(cfg.Proxy.Backends) == 0 {
			return fmt.Errorf("no backends configured (use --backend or the proxy.backends config key)")
		}

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		var m metrics.ProxyMetrics
		if cfg.API.IsEnabled() {
			m = promMetrics.NewProxyMetrics(prometheus.DefaultRegisterer)
		}

		p := proxy.New(proxy.Config{
			BaseConfig: adapter.BaseConfig{
				BindAddress:     cfg.Proxy.BindAddress,
				Port:            cfg.Proxy.Port,
				MaxConnections:  cfg.Proxy.MaxConnections,
				ShutdownTimeout: cfg.Proxy.ShutdownTimeout,
			},
			Backends:       cfg.Proxy.Backends,
			ReconnectDelay: cfg.Proxy.ReconnectDelay,
		}, m)

		logger.Info("Proxy starting",
			"port", cfg.Proxy.Port, "backends", len(cfg.Proxy.Backends))

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
			}, &proxyStatus{proxy: p, start: start})
			go func() {
				if err := apiSrv.Serve(ctx); err != nil {
					logger.Error("Admin API failed", "error", err)
				}
			}()
		}

		err = p.ServeWithFactory(ctx, p)
		_ = p.Stop()
		return err
	},
}

// proxyStatus adapts the proxy to the admin /status endpoint.
type proxyStatus struct {
	proxy *proxy.Proxy
	start time.Time
}

func (s *proxyStatus) Status() api.Status {
	backends := s.proxy.PoolSnapshot()
	out := make([]api.BackendStatus, 0, len(backends))
	for _, b := range backends {
		out = append(out, api.BackendStatus{
			Address:   b.Addr(),
			Connected: b.Connected(),
		})
	}
	return api.Status{
		Role:              "proxy",
		Version:           Version,
		UptimeSeconds:     int64(time.Since(s.start).Seconds()),
		ActiveConnections: s.proxy.GetActiveConnections(),
		Backends:          out,
	}
}

func applyProxyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Proxy.BindAddress = proxyHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Proxy.Port = proxyPort
	}
	if cmd.Flags().Changed("backend") {
		cfg.Proxy.Backends = proxyBackends
	}
}

func init() {
	proxyCmd.Flags().StringVar(&proxyHost, "host", "0.0.0.0", "address to bind to")
	proxyCmd.Flags().IntVar(&proxyPort, "port", config.DefaultPort, "port to listen on")
	proxyCmd.Flags().StringArrayVarP(&proxyBackends, "backend", "b", nil, "storage backend as host:port (repeatable)")
}
