package hmm

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Labels names states and observation symbols for display. Missing names fall
// back to S<i> and O<k>.
type Labels struct {
	States  []string `json:"states"`
	Symbols []string `json:"symbols"`
}

// WeatherLabels returns the labels of the classic weather example: three
// weather states observed through three behaviours.
func WeatherLabels() Labels {
	return Labels{
		States:  []string{"SUNNY", "CLOUDY", "RAINY"},
		Symbols: []string{"UMBRELLA", "SUNGLASSES", "STAY_HOME"},
	}
}

// State returns the display name of state i.
func (l Labels) State(i int) string {
	if i >= 0 && i < len(l.States) && l.States[i] != "" {
		return l.States[i]
	}
	return "S" + strconv.Itoa(i)
}

// Symbol returns the display name of symbol k.
func (l Labels) Symbol(k int) string {
	if k >= 0 && k < len(l.Symbols) && l.Symbols[k] != "" {
		return l.Symbols[k]
	}
	return "O" + strconv.Itoa(k)
}

// StatePath maps a state path to display names.
func (l Labels) StatePath(path []int) []string {
	out := make([]string, len(path))
	for t, s := range path {
		out[t] = l.State(s)
	}
	return out
}

// Renderer writes human-readable views of models and decode results. It never
// recomputes trellis values: every delta, backpointer and path entry it prints
// is read from the Result.
type Renderer struct {
	w      io.Writer
	labels Labels
}

// NewRenderer returns a Renderer writing to w.
func NewRenderer(w io.Writer, labels Labels) *Renderer {
	return &Renderer{w: w, labels: labels}
}

func (r *Renderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}

func (r *Renderer) stateNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = r.labels.State(i)
	}
	return out
}

func (r *Renderer) table(title string, cols []string, nrows int, row func(i int) []float64, format string) error {
	r.printf("%s:\n", title)
	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "\t%s\t\n", strings.Join(cols, "\t"))
	for i := 0; i < nrows; i++ {
		cells := row(i)
		vals := make([]string, len(cells))
		for j, v := range cells {
			vals[j] = fmt.Sprintf(format, v)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t\n", r.labels.State(i), strings.Join(vals, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	r.printf("\n")
	return nil
}

// Parameters writes the transition and emission matrices and the initial
// distribution of model.
func (r *Renderer) Parameters(model *Model) error {
	symbols := make([]string, model.m)
	for k := range symbols {
		symbols[k] = r.labels.Symbol(k)
	}
	if err := r.table("TRANSITION MATRIX A", r.stateNames(model.n), model.n, model.TransitionRow, "%.3f"); err != nil {
		return err
	}
	if err := r.table("EMISSION MATRIX B", symbols, model.n, model.EmissionRow, "%.3f"); err != nil {
		return err
	}
	return r.table("INITIAL DISTRIBUTION", []string{"P"}, model.n, func(i int) []float64 {
		return []float64{model.initial[i]}
	}, "%.3f")
}

// Trace writes the step-by-step narrative of a decode: initialisation,
// recursion with the candidate products considered at each step,
// termination and backtracking.
func (r *Renderer) Trace(model *Model, obs []int, res *Result) error {
	n, t := res.n, res.t
	if model.n != n || model.t != t || len(obs) != t {
		return fmt.Errorf("%w: result is %d x %d, model is %d x %d with %d observations",
			ErrInvalidDimensions, t, n, model.t, model.n, len(obs))
	}

	r.printf("VITERBI ALGORITHM\n")
	r.printf("=================\n\n")
	r.printf("States: %s\n", r.enumerate(n, r.labels.State))
	r.printf("Observations: %s\n", r.enumerate(model.m, r.labels.Symbol))
	names := make([]string, t)
	for i, o := range obs {
		names[i] = r.labels.Symbol(o)
	}
	r.printf("Sequence: [%s]\n\n", strings.Join(names, ", "))

	if err := r.Parameters(model); err != nil {
		return err
	}

	r.printf("INITIALIZATION (t=1, obs=%s):\n", r.labels.Symbol(obs[0]))
	for i := 0; i < n; i++ {
		r.printf("delta1(%s) = pi(%s) x B(%s,%s) = %.3f x %.3f = %.6f\n",
			r.labels.State(i), r.labels.State(i), r.labels.State(i), r.labels.Symbol(obs[0]),
			model.initial[i], model.emission.At(i, obs[0]), res.Delta(0, i))
	}
	r.printf("\n")

	if t > 1 {
		r.printf("RECURSION:\n")
	}
	for step := 1; step < t; step++ {
		r.printf("t=%d, observation=%s(%d):\n", step+1, r.labels.Symbol(obs[step]), obs[step])
		for i := 0; i < n; i++ {
			factors := make([]string, n)
			products := make([]string, n)
			for j := 0; j < n; j++ {
				factors[j] = fmt.Sprintf("%.6f x %.3f", res.Delta(step-1, j), model.transition.At(j, i))
				products[j] = fmt.Sprintf("%.6f", res.Delta(step-1, j)*model.transition.At(j, i))
			}
			r.printf("  %s: max{%s} = max{%s} -> from %s, x B = %.3f, delta = %.6f\n",
				r.labels.State(i), strings.Join(factors, ", "), strings.Join(products, ", "),
				r.labels.State(res.Psi(step, i)), model.emission.At(i, obs[step]), res.Delta(step, i))
		}
		r.printf("\n")
	}

	r.printf("TERMINATION:\n")
	for i := 0; i < n; i++ {
		r.printf("delta%d(%s) = %.6g\n", t, r.labels.State(i), res.Delta(t-1, i))
	}
	r.printf("Maximum probability: %.6g\n", res.probability)
	r.printf("Optimal final state: %s\n\n", r.labels.State(res.path[t-1]))

	r.printf("BACKTRACKING:\n")
	for step := t - 1; step >= 0; step-- {
		r.printf("t=%d: state = %s\n", step+1, r.labels.State(res.path[step]))
	}
	r.printf("\n")
	return nil
}

func (r *Renderer) enumerate(count int, name func(int) string) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s(%d)", name(i), i)
	}
	return strings.Join(parts, ", ")
}

// Summary writes the final path and its probability.
func (r *Renderer) Summary(res *Result) error {
	idx := make([]string, res.t)
	for t, s := range res.path {
		idx[t] = strconv.Itoa(s)
	}
	r.printf("FINAL RESULTS:\n")
	r.printf("Optimal state sequence: [%s]\n", strings.Join(idx, ", "))
	r.printf("Translation: [%s]\n", strings.Join(r.labels.StatePath(res.path), ", "))
	_, err := fmt.Fprintf(r.w, "Maximum probability: %.10f\n", res.probability)
	return err
}
