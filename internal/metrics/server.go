package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc returns the value served as JSON on /status.
type StatusFunc func() any

// NewRouter builds the HTTP routes: /metrics, /health and /status.
func NewRouter(status StatusFunc) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		var body any = map[string]string{}
		if status != nil {
			body = status()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Warn("encode status response", "error", err)
		}
	}).Methods(http.MethodGet)
	return r
}

// StartServer serves the router until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, address string, status StatusFunc) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           gzhttp.GzipHandler(NewRouter(status)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
