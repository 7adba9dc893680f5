// Package server exposes a small read-only admin HTTP endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/comigor/relay-go/internal/history"
	"github.com/comigor/relay-go/internal/logger"
)

// Windows is the read side of the history store.
type Windows interface {
	Get(conversationID string) []history.Message
	Count() int
}

// NewHandler serves /healthz and /history?conversation=<id>.
func NewHandler(w Windows) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "conversations": w.Count()})
	})

	mux.HandleFunc("GET /history", func(rw http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("conversation")
		if id == "" {
			http.Error(rw, "missing conversation parameter", http.StatusBadRequest)
			return
		}
		msgs := w.Get(id)
		if msgs == nil {
			http.Error(rw, "unknown conversation", http.StatusNotFound)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"conversation": id, "messages": msgs})
	})

	return mux
}

// Run serves h on addr until ctx is done.
func Run(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.L.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.L.Info("starting admin server", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logger.L.Error("write response error", "error", err)
	}
}
