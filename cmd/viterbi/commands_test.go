package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CTAG07/viterbi/pkg/hmm"
)

const weatherParams = "../../pkg/hmm/testdata/weather.txt"

// execute runs the root command with args and returns its standard output.
// Flag variables are reset first since cobra keeps them between runs.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	logLevel, verbose, labelSet, obsOverride, jsonOutput = "warn", false, "weather", "", false
	decodePlot, plotOut, plotFormat = "", "trellis.png", "png"
	dbPath, exportOut, importJSON = filepath.Join(t.TempDir(), "unused.db"), "", false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDecodeCommand(t *testing.T) {
	out, err := execute(t, "decode", weatherParams)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !strings.Contains(out, "Translation: [RAINY, RAINY, SUNNY, SUNNY, SUNNY, RAINY, RAINY]") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "RECURSION:") {
		t.Error("trace printed without --verbose")
	}

	out, err = execute(t, "decode", "--verbose", "--labels", "none", weatherParams)
	if err != nil {
		t.Fatalf("decode --verbose failed: %v", err)
	}
	if !strings.Contains(out, "RECURSION:") || !strings.Contains(out, "Translation: [S2, S2, S0, S0, S0, S2, S2]") {
		t.Errorf("unexpected verbose output:\n%s", out)
	}
}

func TestDecodeCommandJSON(t *testing.T) {
	out, err := execute(t, "decode", "--json", "--obs", "2,2,2,2,2,2,2", weatherParams)
	if err != nil {
		t.Fatalf("decode --json failed: %v", err)
	}
	var view hmm.ResultView
	if err = json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("output is not a result view: %v\n%s", err, out)
	}
	if len(view.Path) != 7 || len(view.Delta) != 7 || len(view.Psi) != 7 {
		t.Errorf("unexpected result view: %+v", view)
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	if _, err := execute(t, "decode", "--obs", "0", weatherParams); !errors.Is(err, hmm.ErrObservationLength) {
		t.Errorf("expected ErrObservationLength, got %v", err)
	}
	if _, err := execute(t, "decode", "--labels", "planets", weatherParams); err == nil {
		t.Error("expected an error for an unknown label set")
	}
	if _, err := execute(t, "decode", filepath.Join(t.TempDir(), "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if _, err := execute(t, "decode"); err == nil {
		t.Error("expected an error without a parameter file")
	}
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", weatherParams)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "ok (N=3, M=3, T=7, 7 observations)") {
		t.Errorf("unexpected output: %s", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.txt")
	if err = os.WriteFile(bad, []byte("3 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err = execute(t, "validate", bad); !errors.Is(err, hmm.ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestPlotCommands(t *testing.T) {
	dir := t.TempDir()
	svg := filepath.Join(dir, "trellis.svg")
	if _, err := execute(t, "plot", "--out", svg, "--format", "svg", weatherParams); err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	data, err := os.ReadFile(svg)
	if err != nil || !bytes.Contains(data, []byte("<svg")) {
		t.Errorf("svg plot not written: %v", err)
	}

	png := filepath.Join(dir, "decode.png")
	if _, err = execute(t, "decode", "--plot", png, weatherParams); err != nil {
		t.Fatalf("decode --plot failed: %v", err)
	}
	if info, err := os.Stat(png); err != nil || info.Size() == 0 {
		t.Errorf("decode plot not written: %v", err)
	}
}

func TestStoreCommands(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "store", "models.db")

	out, err := execute(t, "store", "--db", db, "import", "weather", weatherParams)
	if err != nil {
		t.Fatalf("store import failed: %v", err)
	}
	if !strings.Contains(out, "stored weather (N=3, M=3, T=7)") {
		t.Errorf("unexpected import output: %s", out)
	}

	export := filepath.Join(dir, "weather.json")
	if _, err = execute(t, "store", "--db", db, "export", "weather", "--out", export); err != nil {
		t.Fatalf("store export failed: %v", err)
	}
	if _, err = execute(t, "store", "--db", db, "import", "--json", "copy", export); err != nil {
		t.Fatalf("store import --json failed: %v", err)
	}

	out, err = execute(t, "store", "--db", db, "list")
	if err != nil {
		t.Fatalf("store list failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "copy") || !strings.HasPrefix(lines[2], "weather") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	if _, err = execute(t, "store", "--db", db, "remove", "copy"); err != nil {
		t.Fatalf("store remove failed: %v", err)
	}
	if _, err = execute(t, "store", "--db", db, "export", "copy"); err == nil {
		t.Error("expected an error exporting a removed model")
	}
}
