package hmm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecodeRecord is a stored decode run.
type DecodeRecord struct {
	ID           string    `json:"id"`
	Observations []int     `json:"observations"`
	Path         []int     `json:"path"`
	Probability  float64   `json:"probability"`
	CreatedAt    time.Time `json:"created_at"`
}

// DBStats holds aggregated statistics for the entire store.
type DBStats struct {
	Models       []ModelInfo        `json:"models"`
	Stats        map[int]ModelStats `json:"stats"` // keyed by model id
	TotalDecodes int                `json:"total_decodes"`
}

// ModelStats holds decode statistics for a single model.
type ModelStats struct {
	Decodes         int     `json:"decodes"`
	MeanProbability float64 `json:"mean_probability"`
	MaxProbability  float64 `json:"max_probability"`
}

// RecordDecode stores a decode run of the model described by info and returns
// its generated id.
func (s *Store) RecordDecode(ctx context.Context, info ModelInfo, obs []int, res *Result) (string, error) {
	id := uuid.NewString()
	_, err := s.stmtInsertDecode.ExecContext(ctx, id, info.Id, joinInts(obs), joinInts(res.path), res.probability,
		time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to record decode for model '%s': %w", info.Name, err)
	}
	s.logger.DebugContext(ctx, "Decode recorded",
		slog.String("model_name", info.Name),
		slog.String("decode_id", id),
		slog.Float64("probability", res.probability),
	)
	return id, nil
}

// RecentDecodes returns up to limit of the most recent decode runs of a model.
func (s *Store) RecentDecodes(ctx context.Context, info ModelInfo, limit int) ([]DecodeRecord, error) {
	rows, err := s.stmtRecentDecodes.QueryContext(ctx, info.Id, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	records := make([]DecodeRecord, 0)
	for rows.Next() {
		var rec DecodeRecord
		var obsText, pathText string
		var created int64
		if err = rows.Scan(&rec.ID, &obsText, &pathText, &rec.Probability, &created); err != nil {
			return nil, err
		}
		if rec.Observations, err = splitInts(obsText); err != nil {
			return nil, fmt.Errorf("decode %s: observations: %w", rec.ID, err)
		}
		if rec.Path, err = splitInts(pathText); err != nil {
			return nil, fmt.Errorf("decode %s: path: %w", rec.ID, err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetStats returns a snapshot of decode statistics for every stored model.
func (s *Store) GetStats(ctx context.Context) (*DBStats, error) {
	models, err := s.GetModelInfos(ctx)
	if err != nil {
		return nil, err
	}
	stats := &DBStats{Models: models, Stats: make(map[int]ModelStats, len(models))}
	for _, m := range models {
		var ms ModelStats
		err = s.stmtDecodeStats.QueryRowContext(ctx, m.Id).Scan(&ms.Decodes, &ms.MeanProbability, &ms.MaxProbability)
		if err != nil {
			return nil, err
		}
		stats.Stats[m.Id] = ms
		stats.TotalDecodes += ms.Decodes
	}
	return stats, nil
}

func joinInts(v []int) string {
	var buf []byte
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendInt(buf, int64(x), 10)
	}
	return string(buf)
}

func splitInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
