package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"pushauth/internal/config"
	"pushauth/internal/health"
	"pushauth/internal/logging"
	"pushauth/internal/sdk"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the store open and serve metrics and factor status over HTTP",
		Long: "Serve /metrics, /healthz, /readyz and /factors on the metrics listen address. " +
			"The log level follows edits to the config file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = opts.cfg.Metrics.ListenAddr
			}
			return serve(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: metrics.listen_addr)")
	return cmd
}

func serve(ctx context.Context, listen string) error {
	if listen == "" {
		return errors.New("no listen address configured")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := openSDK(reg)
	if err != nil {
		return err
	}
	defer s.Close()

	loader := config.NewLoader(configFile())
	defer loader.Close()
	if _, err := loader.Load(); err == nil {
		loader.OnChange(func(cfg *config.Config) { applyLogLevel(opts.logger, cfg) })
		if err := loader.Watch(); err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	} else {
		slog.Warn("config watch disabled", "error", err)
	}

	checker := health.NewChecker()
	s.RegisterHealth(checker)
	checker.SetReady(true)

	srv := &http.Server{
		Addr:              listen,
		Handler:           newRouter(s, reg, checker),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case err := <-loader.Errors():
		slog.Error("config reload failed", "error", err)
		<-ctx.Done()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(s *sdk.SDK, reg *prometheus.Registry, checker *health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Method(http.MethodGet, "/healthz", checker.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", checker.ReadinessHandler())
	r.Get("/factors", func(w http.ResponseWriter, r *http.Request) {
		factors, err := s.GetAllFactors()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = printJSON(w, factors)
	})
	r.Get("/factors/{sid}", func(w http.ResponseWriter, r *http.Request) {
		f, err := s.GetFactor(chi.URLParam(r, "sid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = printJSON(w, f)
	})
	return r
}

func applyLogLevel(logger *logging.Logger, cfg *config.Config) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		slog.Warn("ignoring log level from config", "error", err)
		return
	}
	if level != logger.Level() {
		logger.SetLevel(level)
		slog.Info("log level changed", "level", logging.LevelString(level))
	}
}

