package restlet

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/restlet/pkg/config"
	"github.com/edgeflare/restlet/pkg/httputil"
	mw "github.com/edgeflare/restlet/pkg/httputil/middleware"
	"github.com/edgeflare/restlet/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Connects to PostgreSQL, registers the configured resources and serves them over HTTP`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringP("server.listenAddr", "l", "", "REST server listen address")
	f.String("server.baseURL", "", "public base URL, advertised in the OpenAPI document")
	f.Bool("metrics.enabled", false, "serve Prometheus metrics")
	if err := v.BindPFlags(f); err != nil {
		panic(err)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	go followSchema(b.cache.Watch(), b.app, logger)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger,
		})
	}

	router := newRouter(cfg, logger)
	router.Handle("GET /healthz", health(b))
	b.app.Mount(router)

	for _, h := range b.app.Handlers() {
		uri, _ := h.URL()
		logger.Info("resource", zap.String("name", h.Name()), zap.String("uri", uri), zap.String("methods", methods(h)))
	}

	errc := make(chan error, 1)
	go func() {
		errc <- router.ListenAndServe(cfg.Server.ListenAddr)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := router.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	wg.Wait()
	return nil
}

func newRouter(cfg *config.Config, logger *zap.Logger) *httputil.Router {
	opts := []httputil.RouterOptions{httputil.WithLogger(logger)}
	if cfg.Server.TLS.Enabled {
		opts = append(opts, httputil.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	opts = append(opts, httputil.WithServerOptions(func(s *http.Server) {
		s.ReadHeaderTimeout = 5 * time.Second
	}))
	router := httputil.NewRouter(opts...)

	router.Use(mw.RequestID)
	if cfg.Server.CORS {
		router.Use(mw.CORSWithOptions(nil))
	}
	// basic auth runs first so the response log carries the user
	if len(cfg.Server.BasicAuth) > 0 {
		router.Use(mw.VerifyBasicAuth(mw.BasicAuthCreds(cfg.Server.BasicAuth)))
	}
	if cfg.Log.Requests {
		router.Use(mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger.Named("http")}))
	}
	return router
}

func health(b *backend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := b.pool.Ping(ctx); err != nil {
			httputil.Error(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
