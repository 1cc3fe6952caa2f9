package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

const authSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id            INTEGER   PRIMARY KEY,
    key_hash      TEXT      NOT NULL UNIQUE,
    scopes        TEXT      NOT NULL,
    description   TEXT      NOT NULL
);
`

// authHeader carries the raw API key on every authenticated request.
const authHeader = "hmm-auth"

// Scopes understood by the API. "*" grants all of them.
const (
	scopeModelsRead    = "models:read"
	scopeModelsWrite   = "models:write"
	scopeDecode        = "decode"
	scopeStatsRead     = "stats:read"
	scopeServerConfig  = "server:config"
	scopeServerControl = "server:control"
	scopeAuthManage    = "auth:manage"
	scopeMaster        = "*"
)

var knownScopes = []string{
	scopeModelsRead, scopeModelsWrite, scopeDecode, scopeStatsRead,
	scopeServerConfig, scopeServerControl, scopeAuthManage, scopeMaster,
}

// primaryKeyID is the first key ever created. It always holds the master
// scope and cannot be deleted.
const primaryKeyID = 1

var errKeyNotFound = errors.New("api key not found")

// ScopeSet is the set of scopes granted to a key.
type ScopeSet map[string]struct{}

func parseScopes(s string) ScopeSet {
	fields := strings.Fields(s)
	set := make(ScopeSet, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Grants reports whether the set includes scope, directly or through "*".
func (s ScopeSet) Grants(scope string) bool {
	if _, ok := s[scopeMaster]; ok {
		return true
	}
	_, ok := s[scope]
	return ok
}

// Sorted returns the scopes in lexical order.
func (s ScopeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	slices.Sort(out)
	return out
}

type contextKey string

const contextKeyPermissions = contextKey("permissions")

// Permissions holds the authentication info for a request. KeyID is zero
// while the API is open.
type Permissions struct {
	KeyID  int
	Scopes ScopeSet
}

func permissionsFrom(ctx context.Context) (*Permissions, bool) {
	perms, ok := ctx.Value(contextKeyPermissions).(*Permissions)
	return perms, ok
}

// keyStore persists hashed API keys in the api_keys table.
type keyStore struct {
	db *sql.DB
}

func (ks keyStore) count(ctx context.Context) (int, error) {
	var n int
	err := ks.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&n)
	return n, err
}

// lookup resolves a raw key to its permissions, or errKeyNotFound.
func (ks keyStore) lookup(ctx context.Context, rawKey string) (*Permissions, error) {
	perms := &Permissions{}
	var scopes string
	err := ks.db.QueryRowContext(ctx, "SELECT id, scopes FROM api_keys WHERE key_hash = ?",
		hashAPIKey(rawKey)).Scan(&perms.KeyID, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	perms.Scopes = parseScopes(scopes)
	return perms, nil
}

func (ks keyStore) list(ctx context.Context) ([]APIKeyInfo, error) {
	rows, err := ks.db.QueryContext(ctx, `SELECT id, description, scopes FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	keys := make([]APIKeyInfo, 0)
	for rows.Next() {
		var key APIKeyInfo
		var scopes string
		if err = rows.Scan(&key.ID, &key.Description, &scopes); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		key.Scopes = parseScopes(scopes).Sorted()
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// create stores the hash of rawKey. The count and the insert share one
// transaction so exactly one key becomes the master key.
func (ks keyStore) create(ctx context.Context, rawKey, description string, scopes []string) (id int, granted ScopeSet, err error) {
	tx, err := ks.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&existing); err != nil {
		return 0, nil, fmt.Errorf("count api keys: %w", err)
	}
	scopeStr := strings.Join(scopes, " ")
	if existing == 0 {
		scopeStr = scopeMaster
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO api_keys (key_hash, description, scopes) VALUES (?, ?, ?) RETURNING id`,
		hashAPIKey(rawKey), description, scopeStr).Scan(&id)
	if err != nil {
		return 0, nil, fmt.Errorf("insert api key: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit api key: %w", err)
	}
	return id, parseScopes(scopeStr), nil
}

func (ks keyStore) remove(ctx context.Context, id int) error {
	res, err := ks.db.ExecContext(ctx, "DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete api key %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errKeyNotFound
	}
	return nil
}

// AuthAPI authenticates requests and manages API keys.
type AuthAPI struct {
	keys   keyStore
	logger *slog.Logger
}

func setupAuthSchema(db *sql.DB) error {
	_, err := db.Exec(authSchema)
	return err
}

func NewAuthAPI(db *sql.DB, logger *slog.Logger) *AuthAPI {
	return &AuthAPI{keys: keyStore{db: db}, logger: logger}
}

// RegisterRoutes sets up the routing for all /api/auth endpoints.
func (a *AuthAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/me", a.handleCheckMe)
	mux.HandleFunc("/api/auth/keys", a.handleKeys)
	mux.HandleFunc("/api/auth/keys/", a.handleKeyByID)
}

// APIKeyInfo is the structure returned when listing keys.
type APIKeyInfo struct {
	ID          int      `json:"id"`
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// CreateKeyRequest is the expected JSON body for creating a new key.
type CreateKeyRequest struct {
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// CreateKeyResponse is the JSON response after creating a key. RawKey is only
// ever returned here.
type CreateKeyResponse struct {
	ID     int      `json:"id"`
	RawKey string   `json:"raw_key"`
	Scopes []string `json:"scopes"`
}

// Authenticate resolves the hmm-auth header to a set of scopes. While no keys
// exist the API is open and every request carries the master scope.
func (a *AuthAPI) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		perms, status, err := a.permissionsFor(r)
		if err != nil {
			if status == http.StatusInternalServerError {
				a.logger.Error("Authentication failed", "error", err)
				err = errors.New("internal server error")
			}
			respondWithError(w, status, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyPermissions, perms)))
	})
}

func (a *AuthAPI) permissionsFor(r *http.Request) (*Permissions, int, error) {
	n, err := a.keys.count(r.Context())
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	if n == 0 {
		return &Permissions{Scopes: ScopeSet{scopeMaster: {}}}, 0, nil
	}
	rawKey := r.Header.Get(authHeader)
	if rawKey == "" {
		return nil, http.StatusUnauthorized, fmt.Errorf("missing %s header", authHeader)
	}
	perms, err := a.keys.lookup(r.Context(), rawKey)
	switch {
	case errors.Is(err, errKeyNotFound):
		return nil, http.StatusUnauthorized, errors.New("invalid API key")
	case err != nil:
		return nil, http.StatusInternalServerError, err
	}
	return perms, 0, nil
}

func (a *AuthAPI) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listKeys(w, r)
	case http.MethodPost:
		a.createKey(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *AuthAPI) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	id, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/auth/keys/"), "/"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Key id must be an integer")
		return
	}
	a.deleteKey(w, r, id)
}

func (a *AuthAPI) handleCheckMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	perms, ok := permissionsFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"key_id": perms.KeyID,
		"scopes": perms.Scopes.Sorted(),
	})
}

func (a *AuthAPI) listKeys(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	keys, err := a.keys.list(r.Context())
	if err != nil {
		a.logger.Error("Failed to list API keys", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Database query failed")
		return
	}
	respondWithJSON(w, http.StatusOK, keys)
}

func (a *AuthAPI) createKey(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	var req CreateKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if i := slices.IndexFunc(req.Scopes, func(s string) bool { return !slices.Contains(knownScopes, s) }); i >= 0 {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scope '%s'", req.Scopes[i]))
		return
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		a.logger.Error("Failed to generate API key", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Key generation failed")
		return
	}
	id, granted, err := a.keys.create(r.Context(), rawKey, req.Description, req.Scopes)
	if err != nil {
		a.logger.Error("Failed to store API key", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to save new key")
		return
	}

	a.logger.Info("API key created", slog.Int("id", id), slog.Any("scopes", granted.Sorted()))
	respondWithJSON(w, http.StatusCreated, CreateKeyResponse{
		ID:     id,
		RawKey: rawKey,
		Scopes: granted.Sorted(),
	})
}

func (a *AuthAPI) deleteKey(w http.ResponseWriter, r *http.Request, id int) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	if id == primaryKeyID {
		respondWithError(w, http.StatusBadRequest, "The primary master key cannot be deleted")
		return
	}
	switch err := a.keys.remove(r.Context(), id); {
	case errors.Is(err, errKeyNotFound):
		respondWithError(w, http.StatusNotFound, "Key not found")
	case err != nil:
		a.logger.Error("Failed to delete API key", "id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to delete key")
	default:
		a.logger.Info("API key deleted", slog.Int("id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}

// requireScope writes a 403 and returns false if the request lacks scope.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if perms, ok := permissionsFrom(r.Context()); ok && perms.Scopes.Grants(scope) {
		return true
	}
	respondWithError(w, http.StatusForbidden, fmt.Sprintf("Forbidden: requires '%s' scope", scope))
	return false
}

// generateAPIKey returns a random key with the hmm_ prefix.
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return "hmm_" + hex.EncodeToString(b), nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
