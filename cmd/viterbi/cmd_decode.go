package main

import (
	"encoding/json"
	"fmt"

	"github.com/CTAG07/viterbi/pkg/hmm"
	"github.com/spf13/cobra"
)

// loadInput reads the model and its observations from a parameter file. A
// non-empty --obs replaces the file's observation block.
func loadInput(path string) (*hmm.Model, []int, error) {
	model, err := hmm.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var obs []int
	if obsOverride != "" {
		obs, err = hmm.ParseObservations(obsOverride, model)
	} else {
		obs, err = hmm.LoadObservationsFile(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("observations: %w", err)
	}
	logger.Info("Model loaded",
		"path", path,
		"states", model.States(),
		"symbols", model.Symbols(),
		"sequence_length", model.Length())
	return model, obs, nil
}

func decodeInput(path string) (*hmm.Model, []int, *hmm.Result, error) {
	model, obs, err := loadInput(path)
	if err != nil {
		return nil, nil, nil, err
	}
	d := hmm.NewDecoder()
	d.SetLogger(logger)
	res, err := d.Decode(model, obs)
	if err != nil {
		return nil, nil, nil, err
	}
	return model, obs, res, nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	labels, err := labelsFor(labelSet)
	if err != nil {
		return err
	}
	model, obs, res, err := decodeInput(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err = enc.Encode(res.Snapshot()); err != nil {
			return err
		}
	} else {
		r := hmm.NewRenderer(out, labels)
		if verbose {
			if err = r.Trace(model, obs, res); err != nil {
				return err
			}
		}
		if err = r.Summary(res); err != nil {
			return err
		}
	}

	if decodePlot != "" {
		if err = hmm.SavePlot(decodePlot, res, labels, plotFormat); err != nil {
			return fmt.Errorf("write plot: %w", err)
		}
		logger.Info("Trellis plot written", "path", decodePlot)
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	model, obs, err := loadInput(args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (N=%d, M=%d, T=%d, %d observations)\n",
		args[0], model.States(), model.Symbols(), model.Length(), len(obs))
	return err
}

func runPlot(cmd *cobra.Command, args []string) error {
	labels, err := labelsFor(labelSet)
	if err != nil {
		return err
	}
	_, _, res, err := decodeInput(args[0])
	if err != nil {
		return err
	}
	if err = hmm.SavePlot(plotOut, res, labels, plotFormat); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "trellis written to %s\n", plotOut)
	return err
}
