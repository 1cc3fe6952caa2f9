package hmm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/gonum/mat"
)

// tokenReader yields whitespace-delimited tokens from a parameter source.
type tokenReader struct {
	sc *bufio.Scanner
}

func newTokenReader(r io.Reader) *tokenReader {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	return &tokenReader{sc: sc}
}

// next returns the next token, or "" with a nil error at end of input.
func (tr *tokenReader) next() (string, error) {
	if tr.sc.Scan() {
		return tr.sc.Text(), nil
	}
	if err := tr.sc.Err(); err != nil {
		return "", fmt.Errorf("read parameter source: %w", err)
	}
	return "", nil
}

type header struct {
	n, m, t int
}

var headerFields = [...]string{"states (N)", "symbols (M)", "sequence length (T)"}

func (tr *tokenReader) readHeader() (header, error) {
	var dims [3]int
	for i, field := range headerFields {
		tok, err := tr.next()
		if err != nil {
			return header{}, err
		}
		if tok == "" {
			return header{}, &ParseError{Kind: ErrMalformedHeader, Matrix: "header", Field: field}
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			return header{}, &ParseError{Kind: ErrMalformedHeader, Matrix: "header", Field: field, Token: tok, Err: err}
		}
		if v <= 0 {
			return header{}, &ParseError{Kind: ErrMalformedHeader, Matrix: "header", Field: field, Token: tok,
				Err: fmt.Errorf("must be a positive integer")}
		}
		dims[i] = v
	}
	return header{n: dims[0], m: dims[1], t: dims[2]}, nil
}

func (tr *tokenReader) readFloat(matrix string, row, col int) (float64, error) {
	tok, err := tr.next()
	if err != nil {
		return 0, err
	}
	if tok == "" {
		return 0, &ParseError{Kind: ErrMalformedBody, Matrix: matrix, Row: row, Col: col}
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, &ParseError{Kind: ErrMalformedBody, Matrix: matrix, Row: row, Col: col, Token: tok, Err: err}
	}
	return v, nil
}

// readParams reads the three parameter blocks in file order, handing each
// value to set. A nil set discards the values.
func (tr *tokenReader) readParams(h header, set func(matrix string, row, col int, v float64)) error {
	blocks := []struct {
		name       string
		rows, cols int
	}{
		{"transition", h.n, h.n},
		{"emission", h.n, h.m},
		{"initial", 1, h.n},
	}
	for _, b := range blocks {
		for i := 0; i < b.rows; i++ {
			for j := 0; j < b.cols; j++ {
				v, err := tr.readFloat(b.name, i, j)
				if err != nil {
					return err
				}
				if set != nil {
					set(b.name, i, j, v)
				}
			}
		}
	}
	return nil
}

// Load reads a Model from a parameter source: N, M and T followed by the
// transition matrix, the emission matrix and the initial distribution, all
// row-major and whitespace-delimited. The model is validated before it is
// returned; any failure yields a *LoadError and a nil Model.
func Load(r io.Reader) (*Model, error) {
	return LoadLimited(r, Limits{})
}

// LoadLimited is Load with the header checked against lim before any
// parameter is read.
func LoadLimited(r io.Reader, lim Limits) (*Model, error) {
	model, err := load(r, lim)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	return model, nil
}

func load(r io.Reader, lim Limits) (*Model, error) {
	tr := newTokenReader(r)
	h, err := tr.readHeader()
	if err != nil {
		return nil, err
	}
	if err = lim.Check(h.n, h.m, h.t); err != nil {
		return nil, err
	}
	if err = checkDims(h.n, h.m, h.t); err != nil {
		return nil, err
	}

	// Values accumulate as tokens arrive, so memory follows the input and
	// not the size the header claims.
	var values []float64
	err = tr.readParams(h, func(_ string, _, _ int, v float64) {
		values = append(values, v)
	})
	if err != nil {
		return nil, err
	}

	nn, nm := h.n*h.n, h.n*h.m
	model := &Model{
		n:          h.n,
		m:          h.m,
		t:          h.t,
		transition: mat.NewDense(h.n, h.n, values[:nn:nn]),
		emission:   mat.NewDense(h.n, h.m, values[nn:nn+nm:nn+nm]),
		initial:    values[nn+nm:],
	}
	if err = model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// LoadFile opens path, loads a Model from it and closes it again on every
// exit path.
func LoadFile(path string) (model *Model, re error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	defer func() {
		if err := f.Close(); err != nil {
			re = multierror.Append(re, err)
			model = nil
		}
	}()
	model, err = load(f, Limits{})
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	return model, nil
}

// LoadObservations makes a separate pass over a parameter source: it re-reads
// the header, skips the model parameters and returns the T observation symbols
// that follow them, each checked against [0, M).
func LoadObservations(r io.Reader) ([]int, error) {
	tr := newTokenReader(r)
	h, err := tr.readHeader()
	if err != nil {
		return nil, err
	}
	if err = checkCells("observations", h.t, 1); err != nil {
		return nil, err
	}
	if err = tr.readParams(h, nil); err != nil {
		return nil, err
	}

	obs := make([]int, h.t)
	for t := range obs {
		tok, err := tr.next()
		if err != nil {
			return nil, err
		}
		if tok == "" {
			return nil, &ParseError{Kind: ErrMalformedBody, Matrix: "observations", Col: t}
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, &ParseError{Kind: ErrMalformedBody, Matrix: "observations", Col: t, Token: tok, Err: err}
		}
		obs[t] = v
	}
	if err = validateSymbols(obs, h.m); err != nil {
		return nil, err
	}
	return obs, nil
}

// LoadObservationsFile is LoadObservations over the file at path.
func LoadObservationsFile(path string) (obs []int, re error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			re = multierror.Append(re, err)
			obs = nil
		}
	}()
	return LoadObservations(f)
}

func validateSymbols(obs []int, m int) error {
	for t, o := range obs {
		if o < 0 || o >= m {
			return &ObservationError{Kind: ErrInvalidObservationSymbol, Index: t, Value: o, Symbols: m}
		}
	}
	return nil
}

// ParseObservations parses a free-standing observation sequence separated by
// whitespace or commas and validates it against model.
func ParseObservations(s string, model *Model) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	obs := make([]int, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, &ParseError{Kind: ErrMalformedBody, Matrix: "observations", Col: i, Token: f, Err: err}
		}
		obs = append(obs, v)
	}
	if err := model.ValidateObservations(obs); err != nil {
		return nil, err
	}
	return obs, nil
}

// WriteParams writes model in the parameter-file format read by Load. When obs
// is non-nil it is appended as the observation block. Values are written with
// the shortest representation that round-trips exactly.
func WriteParams(w io.Writer, model *Model, obs []int) error {
	bw := bufio.NewWriter(w)
	_, _ = fmt.Fprintf(bw, "%d %d %d\n", model.n, model.m, model.t)
	writeRows(bw, rows(model.transition))
	writeRows(bw, rows(model.emission))
	writeRows(bw, [][]float64{model.initial})
	if obs != nil {
		for t, o := range obs {
			if t > 0 {
				_ = bw.WriteByte(' ')
			}
			_, _ = bw.WriteString(strconv.Itoa(o))
		}
		_ = bw.WriteByte('\n')
	}
	return bw.Flush()
}

func writeRows(bw *bufio.Writer, rs [][]float64) {
	for _, row := range rs {
		for j, v := range row {
			if j > 0 {
				_ = bw.WriteByte(' ')
			}
			_, _ = bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		_ = bw.WriteByte('\n')
	}
}
