package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CTAG07/viterbi/pkg/hmm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the store, decoder and API handlers onto one mux.
type Server struct {
	cm        *ConfigManager
	db        *sql.DB
	logger    *slog.Logger
	store     *hmm.Store
	decoder   *hmm.Decoder
	authAPI   *AuthAPI
	modelAPI  *ModelAPI
	statsAPI  *StatsAPI
	serverAPI *ServerAPI
	apiMux    *http.ServeMux
}

func NewServer(cm *ConfigManager, logger *slog.Logger, db *sql.DB, actionChan chan string) (*Server, error) {
	store, err := hmm.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("error creating model store: %w", err)
	}
	store.SetLogger(logger)

	decoder := hmm.NewDecoder()
	decoder.SetLogger(logger)

	authAPI := NewAuthAPI(db, logger)
	statsAPI := NewStatsAPI(db, store, cm, logger)
	modelAPI := NewModelAPI(store, decoder, cm, statsAPI, logger)
	serverAPI := NewServerAPI(cm, actionChan, logger)

	server := &Server{
		cm:        cm,
		db:        db,
		logger:    logger,
		store:     store,
		decoder:   decoder,
		authAPI:   authAPI,
		modelAPI:  modelAPI,
		statsAPI:  statsAPI,
		serverAPI: serverAPI,
		apiMux:    http.NewServeMux(),
	}

	apiMux := http.NewServeMux()
	server.authAPI.RegisterRoutes(apiMux)
	server.modelAPI.RegisterRoutes(apiMux)
	server.statsAPI.RegisterRoutes(apiMux)
	server.serverAPI.RegisterRoutes(apiMux)

	// Everything under /api/ passes through authentication first,
	// except the health check.
	server.apiMux.HandleFunc("/api/health", server.serverAPI.handleHealthCheck)
	server.apiMux.Handle("/api/", server.authAPI.Authenticate(apiMux))
	server.apiMux.Handle("/metrics", promhttp.Handler())

	return server, nil
}

// Handler returns the root handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.apiMux)
}

// Close releases the store's prepared statements. The database itself is
// owned by the caller.
func (s *Server) Close() error {
	return s.store.Close()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.LogAttrs(r.Context(), slog.LevelDebug, "Request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.String("remote_addr", getClientIP(r, s.cm)),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// getClientIP returns the address of the client. Forwarding headers are only
// honoured when the direct peer is a trusted proxy.
func getClientIP(r *http.Request, cm *ConfigManager) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if cm == nil || !cm.IsTrusted(ip) {
		return ip
	}

	// The X-Real-Ip header contains the forwarded IP in some cases (like from nginx)
	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
		return realIP
	}
	// The first entry of X-Forwarded-For is the original client.
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		return strings.TrimSpace(first)
	}
	return ip
}
