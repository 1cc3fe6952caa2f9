package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/CTAG07/viterbi/pkg/hmm"
	"github.com/spf13/cobra"
)

var (
	logLevel    string
	verbose     bool
	labelSet    string
	obsOverride string
	jsonOutput  bool
	decodePlot  string
	plotOut     string
	plotFormat  string
	dbPath      string
	exportOut   string
	importJSON  bool

	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	rootCmd = &cobra.Command{
		Use:   "viterbi",
		Short: "Decode hidden-state sequences of discrete HMMs",
		Long: `viterbi loads a hidden Markov model from a parameter file and finds the
most likely hidden-state sequence for its observations.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(logLevel)
			if err != nil {
				return err
			}
			logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	decodeCmd = &cobra.Command{
		Use:   "decode <params-file>",
		Short: "Run the Viterbi decoder on a parameter file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode, // Defined in cmd_decode.go
	}
	validateCmd = &cobra.Command{
		Use:   "validate <params-file>",
		Short: "Check a parameter file and its observations without decoding",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate, // Defined in cmd_decode.go
	}
	plotCmd = &cobra.Command{
		Use:   "plot <params-file>",
		Short: "Decode a parameter file and chart its trellis",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlot, // Defined in cmd_decode.go
	}

	// --- Model store ---
	storeCmd = &cobra.Command{
		Use:   "store",
		Short: "Manage models kept in a SQLite model store",
	}
	storeListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored models",
		Args:  cobra.NoArgs,
		RunE:  runStoreList, // Defined in cmd_store.go
	}
	storeImportCmd = &cobra.Command{
		Use:   "import <name> <file>",
		Short: "Store a model under name from a parameter file (or a JSON export with --json)",
		Args:  cobra.ExactArgs(2),
		RunE:  runStoreImport,
	}
	storeExportCmd = &cobra.Command{
		Use:   "export <name>",
		Short: "Write a stored model as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runStoreExport,
	}
	storeRemoveCmd = &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a stored model and its decode history",
		Args:  cobra.ExactArgs(1),
		RunE:  runStoreRemove,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the parameters and every step of the algorithm")
	decodeCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result, trellis included, as JSON")
	decodeCmd.Flags().StringVar(&decodePlot, "plot", "", "Also write a trellis chart to this file")
	decodeCmd.Flags().StringVar(&plotFormat, "format", "png", "Chart format: png, svg, pdf or jpg")
	addObservationFlags(decodeCmd)

	rootCmd.AddCommand(validateCmd)
	addObservationFlags(validateCmd)

	rootCmd.AddCommand(plotCmd)
	plotCmd.Flags().StringVarP(&plotOut, "out", "o", "trellis.png", "Output file")
	plotCmd.Flags().StringVar(&plotFormat, "format", "png", "Chart format: png, svg, pdf or jpg")
	addObservationFlags(plotCmd)

	rootCmd.AddCommand(storeCmd)
	storeCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/viterbi.db", "Path to the model store database")
	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeImportCmd)
	storeImportCmd.Flags().BoolVar(&importJSON, "json", false, "Read a JSON export instead of a parameter file")
	storeCmd.AddCommand(storeExportCmd)
	storeExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	storeCmd.AddCommand(storeRemoveCmd)
}

func addObservationFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&labelSet, "labels", "weather", "Display labels: weather or none")
	cmd.Flags().StringVar(&obsOverride, "obs", "", "Comma-separated observations to use instead of the file's")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

func labelsFor(name string) (hmm.Labels, error) {
	switch name {
	case "weather":
		return hmm.WeatherLabels(), nil
	case "none", "":
		return hmm.Labels{}, nil
	default:
		return hmm.Labels{}, fmt.Errorf("unknown label set %q (want weather or none)", name)
	}
}

// openOutput returns stdout for an empty path, otherwise creates the file.
func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
