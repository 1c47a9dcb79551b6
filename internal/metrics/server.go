package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

// Serve runs the probe server on addr with the given handlers until ctx is
// done. An addr of "0" or "" disables the server.
func Serve(ctx context.Context, addr string, mux *http.ServeMux, log logr.Logger) error {
	if addr == "" || addr == "0" {
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "server shutdown")
		}
		<-errCh
		return nil
	}
}

// ServeMetrics serves the controller-runtime registry on addr at /metrics
// until ctx is done. An addr of "0" or "" disables the server.
func ServeMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		addr = "0"
	}
	srv, err := metricsserver.NewServer(metricsserver.Options{BindAddress: addr}, nil, nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if srv == nil {
		return nil
	}
	return srv.Start(ctx)
}

// NewProbeMux builds the mux serving /healthz and /readyz.
func NewProbeMux(healthChecks, readyChecks map[string]healthz.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mount := func(endpoint string, checks map[string]healthz.Checker) {
		h := http.StripPrefix(endpoint, &healthz.Handler{Checks: checks})
		mux.Handle(endpoint, h)
		mux.Handle(endpoint+"/", h)
	}
	mount("/healthz", healthChecks)
	mount("/readyz", readyChecks)
	return mux
}
