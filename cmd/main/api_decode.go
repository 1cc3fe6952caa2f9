package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/CTAG07/viterbi/pkg/hmm"
)

// DecodeRequest is the JSON body of a decode call.
type DecodeRequest struct {
	Observations []int `json:"observations"`
	Trace        bool  `json:"trace"`
	Trellis      bool  `json:"trellis"`
	Record       *bool `json:"record,omitempty"` // nil uses record_by_default
}

// DecodeResponse is the result of a decode call.
type DecodeResponse struct {
	Model       string      `json:"model"`
	Path        []int       `json:"path"`
	Labels      []string    `json:"labels"`
	Probability float64     `json:"probability"`
	Delta       [][]float64 `json:"delta,omitempty"`
	Psi         [][]int     `json:"psi,omitempty"`
	Trace       string      `json:"trace,omitempty"`
	ID          string      `json:"id,omitempty"`
}

// observationErrorResponse reports which observation was rejected.
type observationErrorResponse struct {
	Error string `json:"error"`
	Index int    `json:"index"`
	Value int    `json:"value"`
}

// decodeFailed counts a failed decode request against the model and returns err.
func (m *ModelAPI) decodeFailed(info hmm.ModelInfo, err error) error {
	decodeFailures.WithLabelValues(info.Name, errorKind(err)).Inc()
	return err
}

// decode runs the decoder on obs, loading the stored model first when model is
// nil. Successes and every kind of failure update the decode metrics.
func (m *ModelAPI) decode(r *http.Request, info hmm.ModelInfo, model *hmm.Model, obs []int) (*hmm.Model, *hmm.Result, error) {
	if err := m.cm.Decode().Limits().Check(info.States, info.Symbols, len(obs)); err != nil {
		return nil, nil, m.decodeFailed(info, err)
	}
	if model == nil {
		var err error
		if model, err = m.store.LoadModel(r.Context(), info); err != nil {
			return nil, nil, m.decodeFailed(info, err)
		}
	}
	start := time.Now()
	res, err := m.decoder.Decode(model, obs)
	if err != nil {
		return nil, nil, m.decodeFailed(info, err)
	}
	decodeLatency.WithLabelValues(info.Name).Observe(time.Since(start).Seconds())
	decodeSequenceLength.Observe(float64(len(obs)))
	decodesTotal.WithLabelValues(info.Name).Inc()
	m.stats.LogClient(r)
	return model, res, nil
}

func (m *ModelAPI) respondDecodeError(w http.ResponseWriter, info hmm.ModelInfo, err error) {
	var obsErr *hmm.ObservationError
	if errors.As(err, &obsErr) && errors.Is(err, hmm.ErrInvalidObservationSymbol) {
		respondWithJSON(w, http.StatusBadRequest, observationErrorResponse{
			Error: err.Error(),
			Index: obsErr.Index,
			Value: obsErr.Value,
		})
		return
	}
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		m.logger.Error("Decode failed", "name", info.Name, "error", err)
	}
	respondWithError(w, status, err.Error())
}

func (m *ModelAPI) handleDecode(w http.ResponseWriter, r *http.Request, info hmm.ModelInfo) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeDecode) {
		return
	}
	m.limitBody(w, r)

	var req DecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	model, res, err := m.decode(r, info, nil, req.Observations)
	if err != nil {
		m.respondDecodeError(w, info, err)
		return
	}

	cfg := m.cm.Decode()
	labels := cfg.LabelsFor(info.Name)
	resp := DecodeResponse{
		Model:       info.Name,
		Path:        res.Path(),
		Labels:      labels.StatePath(res.Path()),
		Probability: res.Probability(),
	}
	if req.Trellis {
		view := res.Snapshot()
		resp.Delta, resp.Psi = view.Delta, view.Psi
	}
	if req.Trace {
		var buf bytes.Buffer
		rd := hmm.NewRenderer(&buf, labels)
		if err = rd.Trace(model, req.Observations, res); err == nil {
			err = rd.Summary(res)
		}
		if err != nil {
			m.logger.Error("Failed to render decode trace", "name", info.Name, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to render trace")
			return
		}
		resp.Trace = buf.String()
	}

	record := cfg.RecordByDefault
	if req.Record != nil {
		record = *req.Record
	}
	if record {
		if resp.ID, err = m.store.RecordDecode(r.Context(), info, req.Observations, res); err != nil {
			m.logger.Error("Failed to record decode", "name", info.Name, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to record decode")
			return
		}
	}

	m.logger.Debug("Decode served",
		"name", info.Name,
		"sequence_length", len(req.Observations),
		"probability", res.Probability(),
		"remote_addr", getClientIP(r, m.cm))
	respondWithJSON(w, http.StatusOK, resp)
}

// handlePlot renders the trellis of a decode of ?obs= as an image.
func (m *ModelAPI) handlePlot(w http.ResponseWriter, r *http.Request, info hmm.ModelInfo) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeDecode) {
		return
	}

	cfg := m.cm.Decode()
	format := r.URL.Query().Get("format")
	if format == "" {
		format = cfg.PlotFormat
	}
	contentType, ok := plotContentTypes[format]
	if !ok {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported plot format '%s'", format))
		return
	}

	// Observations must have length T, so the stored dimensions decide the limit.
	if err := cfg.Limits().Check(info.States, info.Symbols, info.Length); err != nil {
		m.respondDecodeError(w, info, m.decodeFailed(info, err))
		return
	}
	model, err := m.store.LoadModel(r.Context(), info)
	if err != nil {
		m.respondDecodeError(w, info, m.decodeFailed(info, err))
		return
	}
	obs, err := hmm.ParseObservations(r.URL.Query().Get("obs"), model)
	if err != nil {
		m.respondDecodeError(w, info, m.decodeFailed(info, err))
		return
	}
	_, res, err := m.decode(r, info, model, obs)
	if err != nil {
		m.respondDecodeError(w, info, err)
		return
	}

	var buf bytes.Buffer
	if err = hmm.WritePlot(&buf, res, cfg.LabelsFor(info.Name), format); err != nil {
		m.logger.Error("Failed to render plot", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to render plot")
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = buf.WriteTo(w)
}

var plotContentTypes = map[string]string{
	"png":  "image/png",
	"svg":  "image/svg+xml",
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
}

// handleDecodes lists recorded decodes of a model, most recent first.
func (m *ModelAPI) handleDecodes(w http.ResponseWriter, r *http.Request, info hmm.ModelInfo) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeStatsRead) {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	records, err := m.store.RecentDecodes(r.Context(), info, limit)
	if err != nil {
		m.logger.Error("Failed to list decodes", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}
