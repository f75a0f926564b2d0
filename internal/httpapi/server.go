// Package httpapi exposes ingest, query, calibration and device listing over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"soilwatch/internal/calibration"
	"soilwatch/internal/ingest"
	"soilwatch/internal/query"
)

// Ingester accepts samples.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw float64, at time.Time) (ingest.Result, error)
}

// Querier answers range queries.
type Querier interface {
	Query(ctx context.Context, deviceID, rangeName string) (query.Response, error)
}

// Store covers the direct store reads and writes the API performs.
type Store interface {
	Calibration(ctx context.Context, deviceID string) (*calibration.Config, error)
	SetCalibration(ctx context.Context, deviceID string, cfg *calibration.Config) error
	RegisterDevice(ctx context.Context, deviceID string) (bool, error)
	Devices(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Options configure the API.
type Options struct {
	IngestToken string
	Now         func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	opts    Options
	ingest  Ingester
	query   Querier
	store   Store
	logger  zerolog.Logger
	handler http.Handler
}

// New wires the handlers onto a ServeMux.
func New(opts Options, ingester Ingester, querier Querier, store Store, logger zerolog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:   opts,
		ingest: ingester,
		query:  querier,
		store:  store,
		logger: logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/query", s.handleQuery)
	mux.HandleFunc("POST /api/calibrate", s.handleCalibrate)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.handler = s.withRequestLog(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		logger := s.logger.With().Str("request_id", id).Logger()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context())))

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func (s *Server) authorized(r *http.Request, bodyToken string) bool {
	if s.opts.IngestToken == "" {
		return true
	}
	token := bodyToken
	if token == "" {
		token = r.Header.Get("X-Ingest-Token")
	}
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.IngestToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
