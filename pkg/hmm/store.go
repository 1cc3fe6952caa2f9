package hmm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

const (
	matrixTransition = "transition"
	matrixEmission   = "emission"
	matrixInitial    = "initial"
)

// SetupSchema initializes the tables used by a Store. It is idempotent and
// safe to call on an already-initialized database.
func SetupSchema(db *sql.DB) error {

	const (
		schemaModels = `
CREATE TABLE IF NOT EXISTS hmm_models (
    model_id INTEGER PRIMARY KEY,
    model_name TEXT NOT NULL UNIQUE,
    num_states INTEGER NOT NULL,
    num_symbols INTEGER NOT NULL,
    seq_length INTEGER NOT NULL
);
`
		schemaParameters = `
CREATE TABLE IF NOT EXISTS hmm_parameters (
    model_id INTEGER NOT NULL,
    matrix TEXT NOT NULL,
    row_idx INTEGER NOT NULL,
    col_idx INTEGER NOT NULL,
    value REAL NOT NULL,
    PRIMARY KEY (model_id, matrix, row_idx, col_idx)
);
`
		schemaDecodes = `
CREATE TABLE IF NOT EXISTS hmm_decodes (
    decode_id TEXT PRIMARY KEY,
    model_id INTEGER NOT NULL,
    observations TEXT NOT NULL,
    path TEXT NOT NULL,
    probability REAL NOT NULL,
    created_at INTEGER NOT NULL
);
`
		indexDecodes = `CREATE INDEX IF NOT EXISTS hmm_decodes_model ON hmm_decodes (model_id, created_at);`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for _, stmt := range []string{schemaModels, schemaParameters, schemaDecodes, indexDecodes} {
		if _, err = tx.Exec(stmt); err != nil {
			return fmt.Errorf("could not create schema: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// ModelInfo holds the metadata of a stored model.
type ModelInfo struct {
	Id      int    `json:"id"`
	Name    string `json:"name"`
	States  int    `json:"states"`
	Symbols int    `json:"symbols"`
	Length  int    `json:"length"`
}

// ExportedModel is the serializable representation of a stored model, used
// for JSON-based import and export.
type ExportedModel struct {
	Name       string      `json:"name"`
	Length     int         `json:"length"`
	Transition [][]float64 `json:"transition"`
	Emission   [][]float64 `json:"emission"`
	Initial    []float64   `json:"initial"`
}

// Store persists models and decode history in a SQL database created with
// SetupSchema.
type Store struct {
	db                *sql.DB
	stmtGetModelInfo  *sql.Stmt
	stmtGetModels     *sql.Stmt
	stmtGetParameters *sql.Stmt
	stmtInsertDecode  *sql.Stmt
	stmtRecentDecodes *sql.Stmt
	stmtDecodeStats   *sql.Stmt
	logger            *slog.Logger
}

// NewStore prepares the statements used by the Store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	prepared := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.stmtGetModelInfo, `SELECT model_id, num_states, num_symbols, seq_length FROM hmm_models WHERE model_name = ?;`},
		{&s.stmtGetModels, `SELECT model_id, model_name, num_states, num_symbols, seq_length FROM hmm_models ORDER BY model_name;`},
		{&s.stmtGetParameters, `SELECT matrix, row_idx, col_idx, value FROM hmm_parameters WHERE model_id = ?;`},
		{&s.stmtInsertDecode, `INSERT INTO hmm_decodes (decode_id, model_id, observations, path, probability, created_at) VALUES (?, ?, ?, ?, ?, ?);`},
		{&s.stmtRecentDecodes, `SELECT decode_id, observations, path, probability, created_at FROM hmm_decodes WHERE model_id = ? ORDER BY created_at DESC, decode_id LIMIT ?;`},
		{&s.stmtDecodeStats, `SELECT COUNT(*), COALESCE(AVG(probability), 0), COALESCE(MAX(probability), 0) FROM hmm_decodes WHERE model_id = ?;`},
	}
	for _, p := range prepared {
		stmt, err := db.Prepare(p.query)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("could not prepare statement: %w", err)
		}
		*p.dst = stmt
	}
	return s, nil
}

// Close releases all prepared statements held by the Store.
func (s *Store) Close() error {
	var result error
	for _, stmt := range []*sql.Stmt{s.stmtGetModelInfo, s.stmtGetModels, s.stmtGetParameters,
		s.stmtInsertDecode, s.stmtRecentDecodes, s.stmtDecodeStats} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// SetLogger sets the logger for the Store. By default, all logs are discarded.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// GetModelInfos returns the metadata of every stored model, ordered by name.
func (s *Store) GetModelInfos(ctx context.Context) ([]ModelInfo, error) {
	rows, err := s.stmtGetModels.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	models := make([]ModelInfo, 0)
	for rows.Next() {
		var info ModelInfo
		if err = rows.Scan(&info.Id, &info.Name, &info.States, &info.Symbols, &info.Length); err != nil {
			return nil, err
		}
		models = append(models, info)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return models, nil
}

// GetModelInfo returns the metadata of the model called name. It returns
// sql.ErrNoRows if there is no such model.
func (s *Store) GetModelInfo(ctx context.Context, name string) (ModelInfo, error) {
	info := ModelInfo{Name: name}
	err := s.stmtGetModelInfo.QueryRowContext(ctx, name).Scan(&info.Id, &info.States, &info.Symbols, &info.Length)
	if err != nil {
		return ModelInfo{}, err
	}
	return info, nil
}

// InsertModel validates model and stores it under name in a single
// transaction.
func (s *Store) InsertModel(ctx context.Context, name string, model *Model) (ModelInfo, error) {
	if name == "" {
		return ModelInfo{}, errors.New("model name must not be empty")
	}
	if err := model.Validate(); err != nil {
		return ModelInfo{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	res, err := tx.ExecContext(ctx, `INSERT INTO hmm_models (model_name, num_states, num_symbols, seq_length) VALUES (?, ?, ?, ?);`,
		name, model.n, model.m, model.t)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to insert model '%s': %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ModelInfo{}, err
	}

	stmtInsertParam, err := tx.PrepareContext(ctx, `INSERT INTO hmm_parameters (model_id, matrix, row_idx, col_idx, value) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to prepare parameter insert statement: %w", err)
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmtInsertParam)

	blocks := []struct {
		name string
		rows [][]float64
	}{
		{matrixTransition, rows(model.transition)},
		{matrixEmission, rows(model.emission)},
		{matrixInitial, [][]float64{model.initial}},
	}
	for _, b := range blocks {
		for i, row := range b.rows {
			for j, v := range row {
				if _, err = stmtInsertParam.ExecContext(ctx, id, b.name, i, j, v); err != nil {
					return ModelInfo{}, fmt.Errorf("failed to insert %s[%d][%d]: %w", b.name, i, j, err)
				}
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return ModelInfo{}, err
	}

	info := ModelInfo{Id: int(id), Name: name, States: model.n, Symbols: model.m, Length: model.t}
	s.logger.InfoContext(ctx, "Model stored",
		slog.String("model_name", name),
		slog.Int("model_id", info.Id),
		slog.Int("states", info.States),
		slog.Int("symbols", info.Symbols),
		slog.Int("length", info.Length),
	)
	return info, nil
}

// LoadModel rebuilds and validates the stored model described by info.
func (s *Store) LoadModel(ctx context.Context, info ModelInfo) (*Model, error) {
	model, err := NewModel(info.States, info.Symbols, info.Length)
	if err != nil {
		return nil, err
	}

	params, err := s.stmtGetParameters.QueryContext(ctx, info.Id)
	if err != nil {
		return nil, err
	}
	defer func(params *sql.Rows) {
		_ = params.Close()
	}(params)

	var count int
	for params.Next() {
		var matrix string
		var i, j int
		var v float64
		if err = params.Scan(&matrix, &i, &j, &v); err != nil {
			return nil, err
		}
		switch {
		case matrix == matrixTransition && i < model.n && j < model.n:
			model.transition.Set(i, j, v)
		case matrix == matrixEmission && i < model.n && j < model.m:
			model.emission.Set(i, j, v)
		case matrix == matrixInitial && i == 0 && j < model.n:
			model.initial[j] = v
		default:
			return nil, fmt.Errorf("consistency error: parameter %s[%d][%d] out of range for model '%s'", matrix, i, j, info.Name)
		}
		count++
	}
	if err = params.Err(); err != nil {
		return nil, err
	}
	if want := model.n*model.n + model.n*model.m + model.n; count != want {
		return nil, fmt.Errorf("consistency error: model '%s' has %d stored parameters, want %d", info.Name, count, want)
	}
	if err = model.Validate(); err != nil {
		return nil, fmt.Errorf("stored model '%s': %w", info.Name, err)
	}
	return model, nil
}

// RemoveModel deletes a model together with its parameters and decode
// history. The operation is performed within a transaction.
func (s *Store) RemoveModel(ctx context.Context, info ModelInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.ExecContext(ctx, "DELETE FROM hmm_parameters WHERE model_id = ?", info.Id); err != nil {
		return fmt.Errorf("failed to remove parameters for model %d: %w", info.Id, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM hmm_decodes WHERE model_id = ?", info.Id); err != nil {
		return fmt.Errorf("failed to remove decodes for model %d: %w", info.Id, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM hmm_models WHERE model_id = ?", info.Id); err != nil {
		return fmt.Errorf("failed to remove model %d: %w", info.Id, err)
	}

	s.logger.InfoContext(ctx, "Model removed successfully",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
	)
	return tx.Commit()
}

// ExportModel writes the stored model described by info as indented JSON.
func (s *Store) ExportModel(ctx context.Context, info ModelInfo, w io.Writer) error {
	model, err := s.LoadModel(ctx, info)
	if err != nil {
		return fmt.Errorf("could not load model for export: %w", err)
	}
	exported := ExportedModel{
		Name:       info.Name,
		Length:     model.t,
		Transition: rows(model.transition),
		Emission:   rows(model.emission),
		Initial:    model.InitialVector(),
	}

	s.logger.InfoContext(ctx, "Model exported",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
	)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(exported)
}

// ImportModel reads an ExportedModel from r, validates it and stores it. It
// fails if a model with the same name already exists.
func (s *Store) ImportModel(ctx context.Context, r io.Reader) (ModelInfo, error) {
	return s.ImportModelLimited(ctx, r, Limits{})
}

// ImportModelLimited is ImportModel with the decoded dimensions checked
// against lim before the model is built or anything is written.
func (s *Store) ImportModelLimited(ctx context.Context, r io.Reader, lim Limits) (ModelInfo, error) {
	var imported ExportedModel
	if err := json.NewDecoder(r).Decode(&imported); err != nil {
		return ModelInfo{}, fmt.Errorf("failed to decode json model: %w", err)
	}
	symbols := 0
	if len(imported.Emission) > 0 {
		symbols = len(imported.Emission[0])
	}
	if err := lim.Check(len(imported.Initial), symbols, imported.Length); err != nil {
		return ModelInfo{}, fmt.Errorf("imported model '%s': %w", imported.Name, err)
	}
	model, err := NewModelFromRows(imported.Length, imported.Transition, imported.Emission, imported.Initial)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("imported model '%s': %w", imported.Name, err)
	}
	return s.InsertModel(ctx, imported.Name, model)
}
