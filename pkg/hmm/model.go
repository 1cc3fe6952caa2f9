package hmm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MaxCells caps the number of elements in any single matrix a Model or Result
// may allocate. Requests above it fail with ErrAllocationFailure instead of
// exhausting memory.
const MaxCells = 1 << 26

// Model holds the parameters of a discrete HMM with N hidden states, M
// observation symbols and a fixed observation sequence length T.
//
// A Model is populated once, right after NewModel, and must not be modified
// after it has been handed to a Decoder. It is then safe for concurrent reads.
type Model struct {
	n, m, t    int
	transition *mat.Dense // N x N, transition[i][j] = P(state j at t+1 | state i at t)
	emission   *mat.Dense // N x M, emission[i][k] = P(symbol k | state i)
	initial    []float64  // N
}

// NewModel allocates a zero-initialised Model. It fails with
// ErrInvalidDimensions if any dimension is not positive, and with
// ErrAllocationFailure if the matrices would exceed MaxCells. No partially
// built Model is ever returned.
func NewModel(n, m, t int) (*Model, error) {
	if err := checkDims(n, m, t); err != nil {
		return nil, err
	}
	return &Model{
		n:          n,
		m:          m,
		t:          t,
		transition: mat.NewDense(n, n, nil),
		emission:   mat.NewDense(n, m, nil),
		initial:    make([]float64, n),
	}, nil
}

// NewModelFromRows builds a Model of sequence length t from nested slices and
// validates it. Ragged input fails with ErrInvalidDimensions.
func NewModelFromRows(t int, transition, emission [][]float64, initial []float64) (*Model, error) {
	n := len(initial)
	m := 0
	if len(emission) > 0 {
		m = len(emission[0])
	}
	if len(transition) != n || len(emission) != n {
		return nil, fmt.Errorf("%w: %d transition rows and %d emission rows for %d initial probabilities",
			ErrInvalidDimensions, len(transition), len(emission), n)
	}
	// Shape is checked in full before anything is allocated.
	for i := 0; i < n; i++ {
		if len(transition[i]) != n {
			return nil, fmt.Errorf("%w: transition row %d has %d entries, want %d", ErrInvalidDimensions, i, len(transition[i]), n)
		}
		if len(emission[i]) != m {
			return nil, fmt.Errorf("%w: emission row %d has %d entries, want %d", ErrInvalidDimensions, i, len(emission[i]), m)
		}
	}
	model, err := NewModel(n, m, t)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		model.SetTransitionRow(i, transition[i])
		model.SetEmissionRow(i, emission[i])
	}
	copy(model.initial, initial)
	if err = model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// checkDims rejects dimensions NewModel could not allocate.
func checkDims(n, m, t int) error {
	if n <= 0 || m <= 0 || t <= 0 {
		return &DimensionError{States: n, Symbols: m, Length: t}
	}
	if err := checkCells("transition", n, n); err != nil {
		return err
	}
	if err := checkCells("emission", n, m); err != nil {
		return err
	}
	// The decoder will need a T x N trellis for this model; refuse it up front.
	return checkCells("trellis", t, n)
}

func checkCells(name string, rows, cols int) error {
	if rows > MaxCells/cols {
		return fmt.Errorf("%w: %s matrix of %d x %d exceeds %d cells", ErrAllocationFailure, name, rows, cols, MaxCells)
	}
	return nil
}

// Limits bounds the size of models and observation sequences a caller is
// willing to accept. A zero field means no bound.
type Limits struct {
	MaxStates  int
	MaxSymbols int
	MaxLength  int
}

// Check fails with ErrLimitExceeded if N, M or T lies above its bound.
func (l Limits) Check(n, m, t int) error {
	switch {
	case l.MaxStates > 0 && n > l.MaxStates:
		return fmt.Errorf("%w: %d states, at most %d allowed", ErrLimitExceeded, n, l.MaxStates)
	case l.MaxSymbols > 0 && m > l.MaxSymbols:
		return fmt.Errorf("%w: %d symbols, at most %d allowed", ErrLimitExceeded, m, l.MaxSymbols)
	case l.MaxLength > 0 && t > l.MaxLength:
		return fmt.Errorf("%w: sequence length %d, at most %d allowed", ErrLimitExceeded, t, l.MaxLength)
	}
	return nil
}

// States returns N, the number of hidden states.
func (m *Model) States() int { return m.n }

// Symbols returns M, the number of observation symbols.
func (m *Model) Symbols() int { return m.m }

// Length returns T, the observation sequence length the model decodes.
func (m *Model) Length() int { return m.t }

// Transition returns P(state j next | state i now).
func (m *Model) Transition(i, j int) float64 { return m.transition.At(i, j) }

// Emission returns P(symbol k | state i).
func (m *Model) Emission(i, k int) float64 { return m.emission.At(i, k) }

// Initial returns P(state i at t=0).
func (m *Model) Initial(i int) float64 { return m.initial[i] }

// TransitionRow returns a copy of transition row i.
func (m *Model) TransitionRow(i int) []float64 { return mat.Row(nil, i, m.transition) }

// EmissionRow returns a copy of emission row i.
func (m *Model) EmissionRow(i int) []float64 { return mat.Row(nil, i, m.emission) }

// InitialVector returns a copy of the initial distribution.
func (m *Model) InitialVector() []float64 {
	out := make([]float64, m.n)
	copy(out, m.initial)
	return out
}

// SetTransition sets transition[i][j]. Only call while populating a new Model.
func (m *Model) SetTransition(i, j int, p float64) { m.transition.Set(i, j, p) }

// SetEmission sets emission[i][k]. Only call while populating a new Model.
func (m *Model) SetEmission(i, k int, p float64) { m.emission.Set(i, k, p) }

// SetInitial sets initial[i]. Only call while populating a new Model.
func (m *Model) SetInitial(i int, p float64) { m.initial[i] = p }

// SetTransitionRow copies row into transition row i. It panics if row does not
// have N entries.
func (m *Model) SetTransitionRow(i int, row []float64) {
	if len(row) != m.n {
		panic(fmt.Sprintf("hmm: transition row has %d entries, want %d", len(row), m.n))
	}
	m.transition.SetRow(i, row)
}

// SetEmissionRow copies row into emission row i. It panics if row does not
// have M entries.
func (m *Model) SetEmissionRow(i int, row []float64) {
	if len(row) != m.m {
		panic(fmt.Sprintf("hmm: emission row has %d entries, want %d", len(row), m.m))
	}
	m.emission.SetRow(i, row)
}

// rows converts a matrix into nested slices for serialisation.
func rows(d *mat.Dense) [][]float64 {
	r, _ := d.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, d)
	}
	return out
}
