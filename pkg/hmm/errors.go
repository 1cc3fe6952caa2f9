package hmm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimensions is returned when N, M or T is not positive.
	ErrInvalidDimensions = errors.New("hmm: invalid dimensions")
	// ErrMalformedHeader is returned when the parameter header is missing or not a positive integer.
	ErrMalformedHeader = errors.New("hmm: malformed header")
	// ErrMalformedBody is returned when a parameter or observation token is missing or unparseable.
	ErrMalformedBody = errors.New("hmm: malformed body")
	// ErrInvalidModel is returned when the parameters break a stochastic invariant.
	ErrInvalidModel = errors.New("hmm: invalid model")
	// ErrInvalidObservationSymbol is returned when an observation lies outside [0, M).
	ErrInvalidObservationSymbol = errors.New("hmm: invalid observation symbol")
	// ErrObservationLength is returned when an observation sequence does not have length T.
	ErrObservationLength = errors.New("hmm: observation sequence length mismatch")
	// ErrAllocationFailure is returned when a matrix cannot be allocated.
	ErrAllocationFailure = errors.New("hmm: allocation failure")
	// ErrLimitExceeded is returned when a model or sequence is larger than the
	// caller's Limits allow.
	ErrLimitExceeded = errors.New("hmm: size limit exceeded")
)

// DimensionError reports the offending dimensions passed to NewModel.
type DimensionError struct {
	States, Symbols, Length int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%v: states=%d symbols=%d length=%d (all must be positive)",
		ErrInvalidDimensions, e.States, e.Symbols, e.Length)
}

func (e *DimensionError) Unwrap() error { return ErrInvalidDimensions }

// ParseError describes a token that could not be read from a parameter source.
// Kind is either ErrMalformedHeader or ErrMalformedBody.
type ParseError struct {
	Kind   error
	Matrix string // "header", "transition", "emission", "initial" or "observations"
	Field  string // header field name, only set for header errors
	Row    int
	Col    int
	Token  string // empty when the source ended early
	Err    error
}

func (e *ParseError) Error() string {
	var where string
	switch {
	case e.Field != "":
		where = e.Field
	case e.Matrix == "initial" || e.Matrix == "observations":
		where = fmt.Sprintf("%s[%d]", e.Matrix, e.Col)
	default:
		where = fmt.Sprintf("%s[%d][%d]", e.Matrix, e.Row, e.Col)
	}
	if e.Token == "" {
		return fmt.Sprintf("%v: %s: unexpected end of input", e.Kind, where)
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: invalid token %q: %v", e.Kind, where, e.Token, e.Err)
	}
	return fmt.Sprintf("%v: %s: invalid token %q", e.Kind, where, e.Token)
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ValidationError identifies the first entry or row that breaks a stochastic
// invariant. Col is -1 when the row sum, not a single entry, is at fault.
type ValidationError struct {
	Matrix string
	Row    int
	Col    int
	Value  float64
	Sum    float64
}

func (e *ValidationError) Error() string {
	if e.Col >= 0 {
		if e.Matrix == "initial" {
			return fmt.Sprintf("%v: initial probability [%d] = %.6f is not in [0,1]", ErrInvalidModel, e.Col, e.Value)
		}
		return fmt.Sprintf("%v: %s probability [%d][%d] = %.6f is not in [0,1]", ErrInvalidModel, e.Matrix, e.Row, e.Col, e.Value)
	}
	if e.Matrix == "initial" {
		return fmt.Sprintf("%v: initial probabilities sum to %.9f instead of 1.0", ErrInvalidModel, e.Sum)
	}
	return fmt.Sprintf("%v: %s row %d sums to %.9f instead of 1.0", ErrInvalidModel, e.Matrix, e.Row, e.Sum)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidModel }

// ObservationError reports an observation sequence that cannot be decoded.
type ObservationError struct {
	Kind    error
	Index   int
	Value   int
	Symbols int
	Got     int // sequence length supplied, for ErrObservationLength
	Want    int
}

func (e *ObservationError) Error() string {
	if errors.Is(e.Kind, ErrObservationLength) {
		return fmt.Sprintf("%v: got %d observations, model expects %d", e.Kind, e.Got, e.Want)
	}
	return fmt.Sprintf("%v: observation [%d] = %d is not in [0,%d)", e.Kind, e.Index, e.Value, e.Symbols)
}

func (e *ObservationError) Unwrap() error { return e.Kind }

// LoadError wraps any failure of Load with the source it was reading.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("load failed: %v", e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// DecodeError wraps a model or observation validation failure detected by the Decoder.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode failed: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }
