package hmm

import (
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-12*math.Max(1, math.Abs(b))
}

func TestDecodeSingleStep(t *testing.T) {
	m, err := LoadFile(filepath.Join("testdata", "weather_t1.txt"))
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	obs, err := LoadObservationsFile(filepath.Join("testdata", "weather_t1.txt"))
	if err != nil {
		t.Fatalf("LoadObservationsFile() failed: %v", err)
	}

	res, err := Decode(m, obs)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	wantDelta := []float64{0.05, 0.12, 0.16}
	for i, want := range wantDelta {
		if !approxEqual(res.Delta(0, i), want) {
			t.Errorf("delta[0][%d] = %v, want %v", i, res.Delta(0, i), want)
		}
		if res.Psi(0, i) != 0 {
			t.Errorf("psi[0][%d] = %d, want 0", i, res.Psi(0, i))
		}
	}
	if !reflect.DeepEqual(res.Path(), []int{rainy}) {
		t.Errorf("path = %v, want [RAINY]", res.Path())
	}
	if !approxEqual(res.Probability(), 0.16) {
		t.Errorf("probability = %v, want 0.16", res.Probability())
	}
}

func TestDecodeWeatherWeek(t *testing.T) {
	m := weatherModel(t, 7)
	obs := []int{umbrella, umbrella, sunglasses, stayHome, sunglasses, umbrella, umbrella}

	res, err := Decode(m, obs)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	wantPath := []int{rainy, rainy, sunny, sunny, sunny, rainy, rainy}
	if !reflect.DeepEqual(res.Path(), wantPath) {
		t.Errorf("path = %v, want %v", res.Path(), wantPath)
	}
	if !approxEqual(res.Probability(), 1.2845056e-05) {
		t.Errorf("probability = %v, want 1.2845056e-05", res.Probability())
	}

	wantPsi := [][]int{
		{0, 0, 0},
		{1, 2, 2},
		{2, 2, 2},
		{0, 1, 1},
		{0, 1, 1},
		{0, 0, 0},
		{0, 1, 2},
	}
	for step, want := range wantPsi {
		if got := res.PsiRow(step); !reflect.DeepEqual(got, want) {
			t.Errorf("psi[%d] = %v, want %v", step, got, want)
		}
	}

	// The path probability is the maximum of the final trellis row.
	last := res.DeltaRow(res.Len() - 1)
	if last[res.PathAt(res.Len()-1)] != res.Probability() {
		t.Errorf("probability %v is not delta at the final path state", res.Probability())
	}
	for _, d := range last {
		if d > res.Probability() {
			t.Errorf("final delta %v exceeds path probability %v", d, res.Probability())
		}
	}
}

func TestDecodeBacktrackConsistency(t *testing.T) {
	m := weatherModel(t, 7)
	res, err := Decode(m, []int{2, 1, 0, 0, 2, 1, 1})
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if len(res.Path()) != m.Length() {
		t.Fatalf("len(path) = %d, want %d", len(res.Path()), m.Length())
	}
	for step := 0; step < res.Len()-1; step++ {
		if res.PathAt(step) != res.Psi(step+1, res.PathAt(step+1)) {
			t.Errorf("path[%d] = %d does not follow psi", step, res.PathAt(step))
		}
	}
}

func TestDecodeTieBreakLowestIndex(t *testing.T) {
	m, err := NewModelFromRows(3,
		[][]float64{{0.5, 0.5}, {0.5, 0.5}},
		[][]float64{{1}, {1}},
		[]float64{0.5, 0.5},
	)
	if err != nil {
		t.Fatalf("NewModelFromRows() failed: %v", err)
	}
	res, err := Decode(m, []int{0, 0, 0})
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	for step := 1; step < 3; step++ {
		if got := res.PsiRow(step); !reflect.DeepEqual(got, []int{0, 0}) {
			t.Errorf("psi[%d] = %v, want [0 0]", step, got)
		}
	}
	if !reflect.DeepEqual(res.Path(), []int{0, 0, 0}) {
		t.Errorf("path = %v, want [0 0 0]", res.Path())
	}
}

func TestDecodeZeroProbability(t *testing.T) {
	m, err := NewModelFromRows(3,
		[][]float64{{0.6, 0.4}, {0.3, 0.7}},
		[][]float64{{1, 0}, {1, 0}},
		[]float64{0.5, 0.5},
	)
	if err != nil {
		t.Fatalf("NewModelFromRows() failed: %v", err)
	}
	res, err := Decode(m, []int{0, 1, 0})
	if err != nil {
		t.Fatalf("Decode() returned an error for an impossible sequence: %v", err)
	}
	if res.Probability() != 0 {
		t.Errorf("probability = %v, want 0", res.Probability())
	}
	for step := 1; step < 3; step++ {
		for i := 0; i < 2; i++ {
			if res.Delta(step, i) != 0 {
				t.Errorf("delta[%d][%d] = %v, want 0", step, i, res.Delta(step, i))
			}
		}
	}
	if !reflect.DeepEqual(res.Path(), []int{0, 0, 0}) {
		t.Errorf("path = %v, want [0 0 0]", res.Path())
	}
}

func TestDecodeIdempotent(t *testing.T) {
	m := weatherModel(t, 7)
	obs := []int{0, 0, 1, 2, 1, 0, 0}
	first, err := Decode(m, obs)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := NewDecoder().Decode(m, obs)
			if err != nil {
				errs <- err
				return
			}
			if !reflect.DeepEqual(res.Snapshot(), first.Snapshot()) {
				errs <- errors.New("decode result differs between runs")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDecodeRejectsInvalidInput(t *testing.T) {
	m := weatherModel(t, 1)

	_, err := Decode(m, []int{3})
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidObservationSymbol) {
		t.Errorf("expected ErrInvalidObservationSymbol, got %v", err)
	}

	if _, err = Decode(m, []int{0, 1}); !errors.Is(err, ErrObservationLength) {
		t.Errorf("expected ErrObservationLength, got %v", err)
	}

	m.SetInitial(0, 0.9)
	if _, err = Decode(m, []int{0}); !errors.Is(err, ErrInvalidModel) {
		t.Errorf("expected ErrInvalidModel, got %v", err)
	}
}

func TestDecodeDoesNotAliasModel(t *testing.T) {
	m := weatherModel(t, 2)
	res, err := Decode(m, []int{0, 1})
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	before := res.Snapshot()
	m.SetEmissionRow(0, []float64{1, 0, 0})
	if !reflect.DeepEqual(res.Snapshot(), before) {
		t.Error("result changed after the model was modified")
	}
	path := res.Path()
	path[0] = 99
	if res.PathAt(0) == 99 {
		t.Error("Path() returned the internal slice")
	}
}

func BenchmarkDecode(b *testing.B) {
	const n, mSym, length = 16, 8, 512
	m, err := NewModel(n, mSym, length)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.SetTransition(i, j, 1.0/n)
		}
		for k := 0; k < mSym; k++ {
			m.SetEmission(i, k, 1.0/mSym)
		}
		m.SetInitial(i, 1.0/n)
	}
	obs := make([]int, length)
	for t := range obs {
		obs[t] = t % mSym
	}
	d := NewDecoder()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Decode(m, obs); err != nil {
			b.Fatal(err)
		}
	}
}
