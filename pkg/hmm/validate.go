package hmm

import "math"

// Tolerance is the maximum absolute deviation from 1.0 allowed for the sum of
// any probability row.
const Tolerance = 1e-6

// Validate checks the model's dimensions and stochastic invariants. Rows are
// checked in a fixed order (transition rows, emission rows, then the initial
// distribution) and the first violation is returned as a *ValidationError.
// Nothing is renormalised.
func (m *Model) Validate() error {
	if m.n <= 0 || m.m <= 0 || m.t <= 0 {
		return &DimensionError{States: m.n, Symbols: m.m, Length: m.t}
	}
	for i := 0; i < m.n; i++ {
		if err := validateRow("transition", i, m.transition.RawRowView(i)); err != nil {
			return err
		}
	}
	for i := 0; i < m.n; i++ {
		if err := validateRow("emission", i, m.emission.RawRowView(i)); err != nil {
			return err
		}
	}
	return validateRow("initial", 0, m.initial)
}

func validateRow(matrix string, row int, values []float64) error {
	// Summed left to right in row order; the tolerance check depends on it.
	sum := 0.0
	for j, v := range values {
		// Written this way round so NaN fails too.
		if !(v >= 0 && v <= 1) {
			return &ValidationError{Matrix: matrix, Row: row, Col: j, Value: v}
		}
		sum += v
	}
	if math.Abs(sum-1.0) > Tolerance {
		return &ValidationError{Matrix: matrix, Row: row, Col: -1, Sum: sum}
	}
	return nil
}

// ValidateObservations checks that obs has exactly T entries, each in [0, M).
func (m *Model) ValidateObservations(obs []int) error {
	if len(obs) != m.t {
		return &ObservationError{Kind: ErrObservationLength, Got: len(obs), Want: m.t, Symbols: m.m}
	}
	for t, o := range obs {
		if o < 0 || o >= m.m {
			return &ObservationError{Kind: ErrInvalidObservationSymbol, Index: t, Value: o, Symbols: m.m}
		}
	}
	return nil
}
