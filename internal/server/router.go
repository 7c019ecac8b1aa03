package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/yanggf8/cct-sub007/internal/cache"
	"github.com/yanggf8/cct-sub007/internal/metrics"
)

// maxPayloadBytes bounds PUT bodies so a misbehaving writer cannot balloon
// the durable tier with a single request.
const maxPayloadBytes = 4 << 20

// CacheAPI is the surface the router needs from the cache manager.
type CacheAPI interface {
	GetOrRefresh(ctx context.Context, ns, key string, origin cache.OriginFunc) (json.RawMessage, cache.Metadata, error)
	Write(ctx context.Context, ns, key string, payload json.RawMessage) error
	Delete(ctx context.Context, ns, key string) error
	HealthSnapshot() metrics.HealthSnapshot
}

type errorBody struct {
	Error string `json:"error"`
}

// NewHandler wires the cache API onto the HTTP surface. Entry routes carry
// X-Cache-Source, X-Cache-Age and X-Cache-Stale headers so callers can see
// which tier answered and how old the data is.
func NewHandler(api CacheAPI, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /cache/{namespace}/{key}", func(w http.ResponseWriter, r *http.Request) {
		ns, key := r.PathValue("namespace"), r.PathValue("key")
		payload, meta, err := api.GetOrRefresh(r.Context(), ns, key, nil)
		if err != nil {
			switch {
			case errors.Is(err, cache.ErrNoOrigin):
				writeError(w, http.StatusNotFound, fmt.Sprintf("no entry for %s/%s", ns, key))
			default:
				logger.Warn("cache read failed",
					slog.String("namespace", ns), slog.String("key", key), slog.Any("error", err))
				writeError(w, http.StatusBadGateway, "origin fetch failed")
			}
			return
		}
		writeMetadata(w, meta)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	})

	mux.HandleFunc("PUT /cache/{namespace}/{key}", func(w http.ResponseWriter, r *http.Request) {
		ns, key := r.PathValue("namespace"), r.PathValue("key")
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if len(body) > maxPayloadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "payload must be valid JSON")
			return
		}
		if err := api.Write(r.Context(), ns, key, body); err != nil {
			logger.Error("cache write failed",
				slog.String("namespace", ns), slog.String("key", key), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "durable write failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /cache/{namespace}/{key}", func(w http.ResponseWriter, r *http.Request) {
		ns, key := r.PathValue("namespace"), r.PathValue("key")
		if err := api.Delete(r.Context(), ns, key); err != nil {
			logger.Error("cache delete failed",
				slog.String("namespace", ns), slog.String("key", key), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "durable delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := api.HealthSnapshot()
		status := http.StatusOK
		if snap.Status == metrics.StatusCritical {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(snap)
	})

	return mux
}

func writeMetadata(w http.ResponseWriter, meta cache.Metadata) {
	w.Header().Set("X-Cache-Source", string(meta.Source))
	w.Header().Set("X-Cache-Age", strconv.FormatInt(int64(meta.Age.Seconds()), 10))
	w.Header().Set("X-Cache-Stale", strconv.FormatBool(meta.Stale))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
