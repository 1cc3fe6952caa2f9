package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CTAG07/viterbi/pkg/hmm"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS stats_client (
    ip_address    TEXT PRIMARY KEY,
    total_decodes INTEGER NOT NULL DEFAULT 1,
    first_seen    INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL
);
`

// ClientStats is the decode activity of a single client address.
type ClientStats struct {
	IPAddress    string    `json:"ip_address"`
	TotalDecodes int       `json:"total_decodes"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// StatsSummary combines store statistics with client activity.
type StatsSummary struct {
	*hmm.DBStats
	UniqueClients int64 `json:"unique_clients"`
}

// StatsAPI holds the dependencies for the statistics handlers.
type StatsAPI struct {
	db     *sql.DB
	store  *hmm.Store
	cm     *ConfigManager
	logger *slog.Logger
}

func setupStatsSchema(db *sql.DB) error {
	_, err := db.Exec(statsSchema)
	return err
}

func NewStatsAPI(db *sql.DB, store *hmm.Store, cm *ConfigManager, logger *slog.Logger) *StatsAPI {
	return &StatsAPI{
		db:     db,
		store:  store,
		cm:     cm,
		logger: logger,
	}
}

func (s *StatsAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/api/stats/top_clients", s.handleTopClients)
}

// LogClient counts a decode request against the client that sent it. Failures
// are logged and otherwise ignored.
func (s *StatsAPI) LogClient(r *http.Request) {
	ip := getClientIP(r, s.cm)
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(r.Context(), `
        INSERT INTO stats_client (ip_address, first_seen, last_seen) VALUES (?, ?, ?)
        ON CONFLICT(ip_address) DO UPDATE SET total_decodes = total_decodes + 1, last_seen = ?
    `, ip, now, now, now)
	if err != nil {
		s.logger.Warn("Failed to update client stats", "ip_address", ip, "error", err)
	}
}

func (s *StatsAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeStatsRead) {
		return
	}
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to get store stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	summary := StatsSummary{DBStats: stats}
	_ = s.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM stats_client").Scan(&summary.UniqueClients)
	respondWithJSON(w, http.StatusOK, summary)
}

func (s *StatsAPI) handleTopClients(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeStatsRead) {
		return
	}
	rows, err := s.db.QueryContext(r.Context(),
		"SELECT ip_address, total_decodes, first_seen, last_seen FROM stats_client ORDER BY total_decodes DESC LIMIT 100")
	if err != nil {
		s.logger.Error("Failed to query top clients", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	results := make([]ClientStats, 0)
	for rows.Next() {
		var c ClientStats
		var first, last int64
		if err = rows.Scan(&c.IPAddress, &c.TotalDecodes, &first, &last); err != nil {
			s.logger.Error("Failed to scan top clients", "error", err)
			continue
		}
		c.FirstSeen = time.UnixMilli(first).UTC()
		c.LastSeen = time.UnixMilli(last).UTC()
		results = append(results, c)
	}
	if err = rows.Err(); err != nil {
		s.logger.Error("Failed to iterate top clients", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, results)
}
