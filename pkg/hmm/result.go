package hmm

import (
	"gonum.org/v1/gonum/mat"
)

// Result is the outcome of a single Viterbi decode. It owns its trellis and
// path and never aliases the Model it was computed from. A Result is read-only
// once returned by the Decoder.
type Result struct {
	t, n        int
	delta       *mat.Dense // T x N best-path probabilities
	psi         []int      // T x N backpointers, row-major
	path        []int      // T
	probability float64
}

// newResult allocates the trellis for a T x N decode as two aggregate
// buffers, so construction either fully succeeds or fails before anything is
// allocated.
func newResult(t, n int) (*Result, error) {
	if t <= 0 || n <= 0 {
		return nil, &DimensionError{States: n, Symbols: 1, Length: t}
	}
	if err := checkCells("trellis", t, n); err != nil {
		return nil, err
	}
	return &Result{
		t:     t,
		n:     n,
		delta: mat.NewDense(t, n, nil),
		psi:   make([]int, t*n),
		path:  make([]int, t),
	}, nil
}

// Len returns T, the number of time steps in the trellis.
func (r *Result) Len() int { return r.t }

// States returns N, the number of states per time step.
func (r *Result) States() int { return r.n }

// Delta returns the probability of the best path ending in state i at time t.
func (r *Result) Delta(t, i int) float64 { return r.delta.At(t, i) }

// DeltaRow returns a copy of delta[t].
func (r *Result) DeltaRow(t int) []float64 { return mat.Row(nil, t, r.delta) }

// Psi returns the backpointer for state i at time t. Psi(0, i) is always 0.
func (r *Result) Psi(t, i int) int { return r.psi[t*r.n+i] }

// PsiRow returns a copy of psi[t].
func (r *Result) PsiRow(t int) []int {
	out := make([]int, r.n)
	copy(out, r.psi[t*r.n:(t+1)*r.n])
	return out
}

// Path returns a copy of the most likely hidden-state sequence.
func (r *Result) Path() []int {
	out := make([]int, r.t)
	copy(out, r.path)
	return out
}

// PathAt returns the state on the Viterbi path at time t.
func (r *Result) PathAt(t int) int { return r.path[t] }

// Probability returns the probability of the Viterbi path, max_i delta[T-1][i].
func (r *Result) Probability() float64 { return r.probability }

// ResultView is the serialisable form of a Result.
type ResultView struct {
	Path        []int       `json:"path"`
	Probability float64     `json:"probability"`
	Delta       [][]float64 `json:"delta"`
	Psi         [][]int     `json:"psi"`
}

// Snapshot copies the Result into a ResultView.
func (r *Result) Snapshot() ResultView {
	psi := make([][]int, r.t)
	for t := range psi {
		psi[t] = r.PsiRow(t)
	}
	return ResultView{
		Path:        r.Path(),
		Probability: r.probability,
		Delta:       rows(r.delta),
		Psi:         psi,
	}
}
