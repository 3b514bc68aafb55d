// Package router dispatches inbound HTTP requests to the file cache (plain
// clients) or the peer DHT API (node-to-node traffic), mirroring the
// reference implementation's global_router/plain_response_router/
// node_response_router split.
package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tzbkk/pacprism/pkg/dht"
	"github.com/tzbkk/pacprism/pkg/filecache"
	"github.com/tzbkk/pacprism/pkg/validator"
)

const serverHeader = "pacPrism/0.1.0"

// Router builds the chi mux that fronts the file cache and the DHT API.
type Router struct {
	cache     *filecache.FileCache
	dht       *dht.DHT
	validator *validator.Validator
	mux       *chi.Mux
}

// New creates a Router wiring cache, d, and v behind a chi mux with
// request-ID, real-IP, recovery, and zerolog request logging middleware.
func New(cache *filecache.FileCache, d *dht.DHT, v *validator.Validator) *Router {
	rt := &Router{cache: cache, dht: d, validator: v}
	rt.mux = rt.createMux()

	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) { rt.mux.ServeHTTP(w, r) }

// SetPrometheusGatherer mounts /metrics using gatherer. Must be called before
// the router starts serving traffic.
func (rt *Router) SetPrometheusGatherer(gatherer prometheus.Gatherer) {
	rt.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (rt *Router) createMux() *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger)
	mux.Use(middleware.Recoverer)

	mux.Route("/api/dht", func(r chi.Router) {
		r.Use(rt.requireNode)

		r.Get("/verify/{nodeID}", rt.handleVerify)
		r.Post("/store", rt.handleStore)
		r.Get("/query", rt.handleQuery)
		r.Post("/clean/expiry", rt.handleCleanExpiry)
		r.Post("/clean/liveness", rt.handleCleanLiveness)

		r.NotFound(rt.handleDHTNotFound)
		r.MethodNotAllowed(rt.handleDHTNotFound)
	})

	mux.Get("/*", rt.handlePlain)
	mux.Head("/*", rt.handlePlain)

	return mux
}

// requireNode gates the /api/dht/* tree, mirroring global_router's
// classify-first dispatch: an Invalid request is rejected outright, and any
// request that isn't Node traffic (including an unauthenticated PlainClient
// request that merely happens to target a /api/dht/... path) is served as an
// ordinary cache fetch of that path rather than reaching a DHT handler.
func (rt *Router) requireNode(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		switch rt.validator.ClassifyRequest(r, "") {
		case validator.Invalid:
			writeError(w, r, http.StatusBadRequest, "invalid request")
		case validator.Node:
			next.ServeHTTP(w, r)
		default:
			rt.servePlainTarget(w, r)
		}
	}

	return http.HandlerFunc(fn)
}

// handleDHTNotFound implements the "other" row of the peer API table: a
// Node-classified request for an operation under /api/dht/ that doesn't
// match any registered route.
func (rt *Router) handleDHTNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "unknown DHT operation")
}

func requestLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		reqID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			zerolog.Ctx(r.Context()).Info().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Str("from", r.RemoteAddr).
				Str("req_id", reqID).
				Int("bytes", ww.BytesWritten()).
				Msg("request handled")
		}()

		ww.Header().Set("Server", serverHeader)

		next.ServeHTTP(ww, r)
	}

	return http.HandlerFunc(fn)
}

// handlePlain mirrors plain_response_router. It is reached for any path not
// rooted at /api/dht/, so a Node-classified request here is peer traffic on
// a non-DHT path, which the spec rejects with 400 rather than the 404 that
// applies to an unmatched operation under /api/dht/.
func (rt *Router) handlePlain(w http.ResponseWriter, r *http.Request) {
	switch rt.validator.ClassifyRequest(r, "") {
	case validator.Invalid:
		writeError(w, r, http.StatusBadRequest, "invalid request")

		return
	case validator.Node:
		writeError(w, r, http.StatusBadRequest, "non-DHT path for peer traffic")

		return
	}

	rt.servePlainTarget(w, r)
}

// servePlainTarget resolves a target path either from the "?target=" query
// parameter or the request path itself and serves it through the file
// cache, matching plain_response_router's default_response_builder.
func (rt *Router) servePlainTarget(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		target = r.URL.Path
	}

	if target == "" || target == "/" {
		w.Header().Set("Server", serverHeader)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "Hello from pacPrism!")

		return
	}

	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	w.Header().Set("Server", serverHeader)
	rt.cache.Serve(r.Context(), w, r, target)
}

// handleVerify implements GET /api/dht/verify/{nodeID}.
func (rt *Router) handleVerify(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	writeJSON(w, r, http.StatusOK, map[string]any{
		"operation": "verify",
		"node_id":   nodeID,
		"exists":    rt.dht.VerifyEntry(nodeID),
	})
}

// handleStore implements POST /api/dht/store with a JSON dht.Entry body.
func (rt *Router) handleStore(w http.ResponseWriter, r *http.Request) {
	var entry dht.Entry

	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, r, http.StatusBadRequest, map[string]any{
			"operation": "store",
			"status":    "error",
			"message":   "invalid JSON body",
		})

		return
	}

	rt.dht.StoreEntry(entry)

	writeJSON(w, r, http.StatusCreated, map[string]any{
		"operation": "store",
		"status":    "success",
		"node_id":   entry.NodeID,
	})
}

// handleQuery implements GET /api/dht/query?shard_id={id}.
func (rt *Router) handleQuery(w http.ResponseWriter, r *http.Request) {
	shardID := r.URL.Query().Get("shard_id")
	if shardID == "" {
		writeJSON(w, r, http.StatusBadRequest, map[string]any{
			"operation": "query",
			"status":    "error",
			"message":   "missing shard_id parameter",
		})

		return
	}

	nodeIDs, _ := rt.dht.QueryNodeIDsByShardID(shardID)
	if nodeIDs == nil {
		nodeIDs = []string{}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"operation": "query",
		"shard_id":  shardID,
		"node_ids":  nodeIDs,
	})
}

// handleCleanExpiry implements POST /api/dht/clean/expiry.
func (rt *Router) handleCleanExpiry(w http.ResponseWriter, r *http.Request) {
	rt.dht.CleanByExpiryTime(time.Now())

	writeJSON(w, r, http.StatusOK, map[string]any{
		"operation": "clean/expiry",
		"status":    "success",
		"message":   "expired entries cleaned",
	})
}

// handleCleanLiveness implements POST /api/dht/clean/liveness.
func (rt *Router) handleCleanLiveness(w http.ResponseWriter, r *http.Request) {
	rt.dht.CleanByLiveness()

	writeJSON(w, r, http.StatusOK, map[string]any{
		"operation": "clean/liveness",
		"status":    "success",
		"message":   "unhealthy entries cleaned",
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", serverHeader)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error encoding JSON response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, map[string]any{
		"status":  "error",
		"message": message,
	})
}
