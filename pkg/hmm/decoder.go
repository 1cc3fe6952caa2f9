package hmm

import (
	"context"
	"io"
	"log/slog"
)

// Decoder runs the Viterbi algorithm. A Decoder holds no per-decode state and
// may be shared between goroutines; every call allocates its own Result.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder returns a Decoder whose logs are discarded.
func NewDecoder() *Decoder {
	return &Decoder{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// SetLogger sets the logger for the Decoder. By default, all logs are discarded.
func (d *Decoder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

var defaultDecoder = NewDecoder()

// Decode runs Viterbi decoding with a Decoder that discards its logs.
func Decode(model *Model, obs []int) (*Result, error) {
	return defaultDecoder.Decode(model, obs)
}

// Decode validates model and obs and returns the most likely hidden-state path
// together with the full trellis. Validation failures are returned as a
// *DecodeError wrapping the underlying cause.
//
// Probabilities are multiplied directly. If every state has probability zero
// at some time step, all later deltas are zero as well; this is not an error,
// the Result then has probability 0 and the lowest-index path.
func (d *Decoder) Decode(model *Model, obs []int) (*Result, error) {
	if err := model.Validate(); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := model.ValidateObservations(obs); err != nil {
		return nil, &DecodeError{Err: err}
	}

	n, t := model.n, model.t
	res, err := newResult(t, n)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	// Initialization: delta[0][i] = pi[i] * B[i][o0]; psi[0][i] stays 0.
	delta0 := res.delta.RawRowView(0)
	for i := 0; i < n; i++ {
		delta0[i] = model.initial[i] * model.emission.At(i, obs[0])
	}

	// Recursion. The strict > keeps the first (lowest) j among equal maxima.
	for step := 1; step < t; step++ {
		prev := res.delta.RawRowView(step - 1)
		cur := res.delta.RawRowView(step)
		psi := res.psi[step*n : (step+1)*n]
		for i := 0; i < n; i++ {
			best, arg := -1.0, 0
			for j := 0; j < n; j++ {
				p := prev[j] * model.transition.At(j, i)
				if p > best {
					best, arg = p, j
				}
			}
			cur[i] = best * model.emission.At(i, obs[step])
			psi[i] = arg
		}
	}

	// Termination.
	last := res.delta.RawRowView(t - 1)
	best, arg := -1.0, 0
	for i := 0; i < n; i++ {
		if last[i] > best {
			best, arg = last[i], i
		}
	}
	res.probability = best
	res.path[t-1] = arg

	// Backtracking.
	for step := t - 2; step >= 0; step-- {
		res.path[step] = res.psi[(step+1)*n+res.path[step+1]]
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Viterbi decode completed",
		slog.Int("states", n),
		slog.Int("sequence_length", t),
		slog.Float64("probability", res.probability),
		slog.Int("final_state", arg),
	)

	return res, nil
}
