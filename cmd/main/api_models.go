package main

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CTAG07/viterbi/pkg/hmm"
)

// ModelAPI holds the dependencies for the model and decode API handlers.
type ModelAPI struct {
	store   *hmm.Store
	decoder *hmm.Decoder
	cm      *ConfigManager
	stats   *StatsAPI
	logger  *slog.Logger
}

// NewModelAPI creates a new instance of the ModelAPI.
func NewModelAPI(store *hmm.Store, decoder *hmm.Decoder, cm *ConfigManager, stats *StatsAPI, logger *slog.Logger) *ModelAPI {
	return &ModelAPI{
		store:   store,
		decoder: decoder,
		cm:      cm,
		stats:   stats,
		logger:  logger,
	}
}

// RegisterRoutes sets up the routing for all /api/models endpoints.
func (m *ModelAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/models", m.handleListAndCreateModels)
	mux.HandleFunc("/api/models/import", m.handleImport)
	mux.HandleFunc("/api/models/", m.handleModelByName)
}

// ModelResponse describes a stored model together with its parameters.
type ModelResponse struct {
	hmm.ModelInfo
	Transition [][]float64 `json:"transition"`
	Emission   [][]float64 `json:"emission"`
	Initial    []float64   `json:"initial"`
	Labels     hmm.Labels  `json:"labels"`
}

// statusForError maps model and decode errors to an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, hmm.ErrLimitExceeded), errors.Is(err, hmm.ErrAllocationFailure):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, hmm.ErrInvalidDimensions),
		errors.Is(err, hmm.ErrMalformedHeader),
		errors.Is(err, hmm.ErrMalformedBody),
		errors.Is(err, hmm.ErrInvalidModel),
		errors.Is(err, hmm.ErrInvalidObservationSymbol),
		errors.Is(err, hmm.ErrObservationLength):
		return http.StatusBadRequest
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusInternalServerError
	}
}

func (m *ModelAPI) limitBody(w http.ResponseWriter, r *http.Request) {
	if limit := m.cm.Get().Server.MaxBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
}

// handleListAndCreateModels handles GET for listing and POST for creating
// models from a parameter-file body.
func (m *ModelAPI) handleListAndCreateModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireScope(w, r, scopeModelsRead) {
			return
		}
		models, err := m.store.GetModelInfos(r.Context())
		if err != nil {
			m.logger.Error("Failed to get model infos", "error", err)
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve models: %v", err))
			return
		}
		respondWithJSON(w, http.StatusOK, models)

	case http.MethodPost:
		if !requireScope(w, r, scopeModelsWrite) {
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" || strings.Contains(name, "/") {
			respondWithError(w, http.StatusBadRequest, "A model name without '/' is required in ?name=")
			return
		}
		m.limitBody(w, r)
		model, err := hmm.LoadLimited(r.Body, m.cm.Decode().Limits())
		if err != nil {
			respondWithError(w, statusForError(err), err.Error())
			return
		}
		info, err := m.store.InsertModel(r.Context(), name, model)
		if err != nil {
			m.logger.Error("Failed to insert new model", "name", name, "error", err)
			respondWithError(w, http.StatusConflict, fmt.Sprintf("Failed to create model: %v", err))
			return
		}
		modelsChanged.WithLabelValues("create").Inc()
		m.logger.Info("Model created", "name", name, "states", info.States, "symbols", info.Symbols)
		respondWithJSON(w, http.StatusCreated, info)

	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleModelByName routes actions for a specific model: get, delete, export,
// decode, plot and decode history.
func (m *ModelAPI) handleModelByName(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/models/"), "/")
	parts := strings.Split(path, "/")
	modelName := parts[0]

	if modelName == "" {
		respondWithError(w, http.StatusBadRequest, "Model name not specified")
		return
	}

	info, err := m.store.GetModelInfo(r.Context(), modelName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Model not found")
			return
		}
		m.logger.Error("Failed to get model info by name", "name", modelName, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			m.getModel(w, r, info)
		case http.MethodDelete:
			m.deleteModel(w, r, info)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch parts[1] {
	case "export":
		m.exportModel(w, r, info)
	case "decode":
		m.handleDecode(w, r, info)
	case "plot":
		m.handlePlot(w, r, info)
	case "decodes":
		m.handleDecodes(w, r, info)
	default:
		respondWithError(w, http.StatusNotFound, "Action not found")
	}
}

func (m *ModelAPI) getModel(w http.ResponseWriter, r *http.Request, info hmm.ModelInfo) {
	if !requireScope(w, r, scopeModelsRead) {
		return
	}
	model, err := m.store.LoadModel(r.Context(), info)
	if err != nil {
		m.logger.Error("Failed to load model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load model: %v", err))
		return
	}
	resp := ModelResponse{
		ModelInfo:  info,
		Transition: make([][]float64, model.States()),
		Emission:   make([][]float64, model.States()),
		Initial:    model.InitialVector(),
		Labels:     m.cm.Decode().LabelsFor(info.Name),
	}
	for i := range resp.Transition {
		resp.Transition[i] = model.TransitionRow(i)
		resp.Emission[i] = model.EmissionRow(i)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (m *ModelAPI) deleteModel(w http.ResponseWriter, r *http.Request, info hmm.ModelInfo) {
	if !requireScope(w, r, scopeModelsWrite) {
		return
	}
	if err := m.store.RemoveModel(r.Context(), info); err != nil {
		m.logger.Error("Failed to remove model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to remove model: %v", err))
		return
	}
	modelsChanged.WithLabelValues("remove").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (m *ModelAPI) exportModel(w http.ResponseWriter, r *http.Request, info hmm.ModelInfo) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelsRead) {
		return
	}
	// Buffer so a failed export still gets a proper error status.
	var buf bytes.Buffer
	if err := m.store.ExportModel(r.Context(), info, &buf); err != nil {
		m.logger.Error("Failed to export model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Export failed: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.json\"", info.Name))
	_, _ = buf.WriteTo(w)
}

// handleImport imports a model from an uploaded JSON export.
func (m *ModelAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelsWrite) {
		return
	}
	m.limitBody(w, r)

	info, err := m.store.ImportModelLimited(r.Context(), r.Body, m.cm.Decode().Limits())
	if err != nil {
		m.logger.Error("Failed to import model", "error", err)
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		respondWithError(w, status, fmt.Sprintf("Import failed: %v", err))
		return
	}
	modelsChanged.WithLabelValues("import").Inc()
	respondWithJSON(w, http.StatusCreated, info)
}
