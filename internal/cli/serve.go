package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albertbausili/duplex/internal/observability"
	"github.com/albertbausili/duplex/pkg/duplex"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP/1.1 and HTTP/2 with a WebSocket echo endpoint.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			defer observability.Sync(logger)
			return serve(cmd.Context(), cfg, serveOptions{
				metricsAddr: v.GetString("metrics_addr"),
				wsPath:      v.GetString("ws_path"),
				rateLimit:   v.GetFloat64("rate_limit"),
			}, logger)
		},
	}

	f := cmd.Flags()
	f.String("addr", duplex.DefaultAddr, "listen address")
	f.Bool("h1", true, "serve HTTP/1.1")
	f.Bool("h2", true, "serve HTTP/2")
	f.Int("event-loops", 0, "number of event loops (0 uses every core)")
	f.String("metrics-addr", ":9090", "Prometheus listen address, empty to disable")
	f.String("ws-path", "/ws", "path of the WebSocket echo endpoint")
	f.Float64("rate-limit", 0, "requests per second per client, 0 to disable")
	_ = v.BindPFlag("addr", f.Lookup("addr"))
	_ = v.BindPFlag("enable_h1", f.Lookup("h1"))
	_ = v.BindPFlag("enable_h2", f.Lookup("h2"))
	_ = v.BindPFlag("num_event_loop", f.Lookup("event-loops"))
	_ = v.BindPFlag("metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("ws_path", f.Lookup("ws-path"))
	_ = v.BindPFlag("rate_limit", f.Lookup("rate-limit"))
	return cmd
}

type serveOptions struct {
	metricsAddr string
	wsPath      string
	rateLimit   float64
}

// serve runs the server and the metrics listener until ctx is cancelled or
// either fails.
func serve(ctx context.Context, cfg duplex.Config, opts serveOptions, logger *zap.Logger) error {
	server := duplex.New(cfg)
	router := duplex.NewRouter()
	router.Use(
		duplex.Recovery(logger),
		duplex.RequestID(server.RequestIDs()),
		duplex.Logger(logger),
		duplex.Prometheus(),
		duplex.Tracing(),
		duplex.Health("/health"),
		duplex.CORS(duplex.DefaultCORSConfig()),
	)
	if opts.rateLimit > 0 {
		router.Use(duplex.RateLimiter(opts.rateLimit))
	}
	router.Use(duplex.Compress())
	routes(router)

	server.Handler(router)
	if opts.wsPath != "" {
		server.WebSocket(opts.wsPath, echoSocket(logger), "echo", "chat")
		server.WebSocket(opts.wsPath, echoSocket(logger))
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := server.Start(gctx); err != nil {
		return err
	}
	logger.Info("serving",
		zap.String("addr", cfg.Addr),
		zap.Bool("h1", cfg.EnableH1),
		zap.Bool("h2", cfg.EnableH2),
		zap.String("websocket", opts.wsPath),
		zap.Strings("routes", router.Routes()))

	var metricsSrv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", duplex.MetricsHandler())
		metricsSrv = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", opts.metricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(sctx)
		}
		return server.Stop(sctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
