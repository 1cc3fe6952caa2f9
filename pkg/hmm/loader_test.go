package hmm

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func TestLoadFileWeather(t *testing.T) {
	m, err := LoadFile(filepath.Join("testdata", "weather.txt"))
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if m.States() != 3 || m.Symbols() != 3 || m.Length() != 7 {
		t.Fatalf("unexpected dimensions %d %d %d", m.States(), m.Symbols(), m.Length())
	}
	if m.Transition(1, 2) != 0.3 || m.Emission(2, umbrella) != 0.8 || m.Initial(cloudy) != 0.3 {
		t.Errorf("parameters were not read in row-major order")
	}

	obs, err := LoadObservationsFile(filepath.Join("testdata", "weather.txt"))
	if err != nil {
		t.Fatalf("LoadObservationsFile() failed: %v", err)
	}
	want := []int{0, 0, 1, 2, 1, 0, 0}
	if !reflect.DeepEqual(obs, want) {
		t.Errorf("observations = %v, want %v", obs, want)
	}
}

func TestLoadMalformedHeader(t *testing.T) {
	for _, src := range []string{"3 3", "", "3 x 1", "3 3 0", "3 -1 2", "2.5 3 1"} {
		m, err := Load(strings.NewReader(src))
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("Load(%q) error = %v, want ErrMalformedHeader", src, err)
		}
		if m != nil {
			t.Errorf("Load(%q) returned a model on failure", src)
		}
	}
}

func TestLoadLimited(t *testing.T) {
	src, err := os.ReadFile(filepath.Join("testdata", "weather.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = LoadLimited(bytes.NewReader(src), Limits{MaxStates: 3, MaxLength: 7}); err != nil {
		t.Errorf("LoadLimited() within limits failed: %v", err)
	}
	m, err := LoadLimited(bytes.NewReader(src), Limits{MaxLength: 5})
	if !errors.Is(err, ErrLimitExceeded) || m != nil {
		t.Errorf("LoadLimited() = %v, %v; want ErrLimitExceeded", m, err)
	}
	var lerr *LoadError
	if !errors.As(err, &lerr) {
		t.Errorf("expected a *LoadError, got %T", err)
	}
}

func TestLoadHeaderDoesNotDriveAllocation(t *testing.T) {
	// A large header with no body must fail on the missing values without
	// allocating the matrices the header describes.
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := Load(strings.NewReader("8000 8000 1"))
	runtime.ReadMemStats(&after)
	if !errors.Is(err, ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody, got %v", err)
	}
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 16<<20 {
		t.Errorf("Load() of an 11-byte source allocated %d MiB", allocated>>20)
	}

	_, err = LoadLimited(strings.NewReader("8000 8000 1"), Limits{MaxStates: 256})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestLoadMalformedBody(t *testing.T) {
	src := "2 2 1\n0.5 0.5\n0.5 oops\n"
	m, err := Load(strings.NewReader(src))
	if m != nil {
		t.Error("expected no model on malformed body")
	}
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if !errors.Is(err, ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody, got %v", err)
	}
	if perr.Matrix != "transition" || perr.Row != 1 || perr.Col != 1 || perr.Token != "oops" {
		t.Errorf("unexpected parse position: %+v", perr)
	}

	// Truncated inside the initial vector.
	src = "2 2 1\n1 0\n0 1\n1 0\n0 1\n1\n"
	_, err = Load(strings.NewReader(src))
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if perr.Matrix != "initial" || perr.Col != 1 || perr.Token != "" {
		t.Errorf("unexpected parse position: %+v", perr)
	}
}

func TestLoadInvalidModel(t *testing.T) {
	src := "2 2 1\n0.5 0.5\n0.5 0.6\n1 0\n0 1\n1 0\n"
	m, err := Load(strings.NewReader(src))
	if m != nil {
		t.Error("expected no model for invalid parameters")
	}
	if !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected ErrInvalidModel, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Matrix != "transition" || verr.Row != 1 {
		t.Errorf("expected validation detail for transition row 1, got %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.txt"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoadObservationsOutOfRange(t *testing.T) {
	src := "1 3 2\n1\n0.2 0.3 0.5\n1\n2 3\n"
	_, err := LoadObservations(strings.NewReader(src))
	var oerr *ObservationError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *ObservationError, got %v", err)
	}
	if oerr.Index != 1 || oerr.Value != 3 {
		t.Errorf("unexpected observation error: %+v", oerr)
	}

	_, err = LoadObservations(strings.NewReader("1 3 2\n1\n0.2 0.3 0.5\n1\n2\n"))
	if !errors.Is(err, ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody for a short observation block, got %v", err)
	}
}

func TestParseObservations(t *testing.T) {
	m := weatherModel(t, 3)
	obs, err := ParseObservations("0, 2 1", m)
	if err != nil {
		t.Fatalf("ParseObservations() failed: %v", err)
	}
	if !reflect.DeepEqual(obs, []int{0, 2, 1}) {
		t.Errorf("got %v", obs)
	}
	if _, err = ParseObservations("0,x,1", m); !errors.Is(err, ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody, got %v", err)
	}
	if _, err = ParseObservations("0,1", m); !errors.Is(err, ErrObservationLength) {
		t.Errorf("expected ErrObservationLength, got %v", err)
	}
}

func TestWriteParamsRoundTrip(t *testing.T) {
	m := weatherModel(t, 4)
	obs := []int{1, 0, 2, 2}

	var buf bytes.Buffer
	if err := WriteParams(&buf, m, obs); err != nil {
		t.Fatalf("WriteParams() failed: %v", err)
	}
	text := buf.String()

	loaded, err := Load(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Load() of written params failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !reflect.DeepEqual(loaded.TransitionRow(i), m.TransitionRow(i)) ||
			!reflect.DeepEqual(loaded.EmissionRow(i), m.EmissionRow(i)) {
			t.Errorf("row %d differs after round trip", i)
		}
	}
	gotObs, err := LoadObservations(strings.NewReader(text))
	if err != nil {
		t.Fatalf("LoadObservations() failed: %v", err)
	}
	if !reflect.DeepEqual(gotObs, obs) {
		t.Errorf("observations = %v, want %v", gotObs, obs)
	}
}
