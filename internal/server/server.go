package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	api "github.com/stepherg/fhemsync/internal/http"
)

// Config configures the status HTTP server.
type Config struct {
	ListenAddr   string              // address to bind (e.g. :8090)
	Parameters   api.ParameterSource // required
	Status       api.StatusSource    // required
	Gatherer     prometheus.Gatherer // optional; enables /metrics
	Logger       zerolog.Logger
	ReadTimeout  time.Duration // optional
	WriteTimeout time.Duration // optional
	IdleTimeout  time.Duration // optional
}

var ErrNilSource = errors.New("status server: parameter or status source is nil")

// Handler builds the status API mux.
func Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/parameters", api.ParametersHandler(cfg.Parameters))
	mux.HandleFunc("/api/status", api.StatusHandler(cfg.Status))
	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start binds the listener and serves the status API until ctx is canceled.
// It returns the bound address and a channel that receives a terminal error
// (if any) and is closed when the server exits.
func Start(ctx context.Context, cfg Config) (net.Addr, <-chan error, error) {
	if cfg.Parameters == nil || cfg.Status == nil {
		return nil, nil, ErrNilSource
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, nil, err
	}

	srv := &http.Server{
		Handler:      Handler(cfg),
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)

	go func() {
		cfg.Logger.Info().Str("addr", ln.Addr().String()).Msg("status API listening (GET /api/parameters, /api/status)")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return ln.Addr(), errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
