package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/CTAG07/viterbi/pkg/hmm"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

// withStore opens the database at --db, prepares the schema and runs fn
// with a Store. Close errors are merged into the result.
func withStore(fn func(*hmm.Store) error) (err error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db, err := initDB(dbPath)
	if err != nil {
		return fmt.Errorf("open model store: %w", err)
	}
	defer func() {
		if e := db.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}()
	if err = hmm.SetupSchema(db); err != nil {
		return err
	}
	store, err := hmm.NewStore(db)
	if err != nil {
		return err
	}
	store.SetLogger(logger)
	defer func() {
		if e := store.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}()
	return fn(store)
}

func lookupModel(ctx context.Context, store *hmm.Store, name string) (hmm.ModelInfo, error) {
	info, err := store.GetModelInfo(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("no model named %q in %s", name, dbPath)
	}
	return info, err
}

func runStoreList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withStore(func(store *hmm.Store) error {
		infos, err := store.GetModelInfos(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tSTATES\tSYMBOLS\tLENGTH")
		for _, info := range infos {
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", info.Name, info.States, info.Symbols, info.Length)
		}
		return tw.Flush()
	})
}

func runStoreImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name, path := args[0], args[1]
	return withStore(func(store *hmm.Store) error {
		var info hmm.ModelInfo
		var err error
		if importJSON {
			info, err = importExport(ctx, store, name, path)
		} else {
			var model *hmm.Model
			if model, err = hmm.LoadFile(path); err == nil {
				info, err = store.InsertModel(ctx, name, model)
			}
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %s (N=%d, M=%d, T=%d)\n",
			info.Name, info.States, info.Symbols, info.Length)
		return err
	})
}

// importExport stores the JSON export at path under name.
func importExport(ctx context.Context, store *hmm.Store, name, path string) (info hmm.ModelInfo, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	var exported hmm.ExportedModel
	if err = json.Unmarshal(data, &exported); err != nil {
		return info, fmt.Errorf("failed to decode json model: %w", err)
	}
	exported.Name = name
	if data, err = json.Marshal(exported); err != nil {
		return info, err
	}
	return store.ImportModel(ctx, bytes.NewReader(data))
}

func runStoreExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withStore(func(store *hmm.Store) (err error) {
		info, err := lookupModel(ctx, store, args[0])
		if err != nil {
			return err
		}
		w, closeFn, err := openOutput(cmd, exportOut)
		if err != nil {
			return err
		}
		defer func() {
			if e := closeFn(); e != nil {
				err = multierror.Append(err, e)
			}
		}()
		return store.ExportModel(ctx, info, w)
	})
}

func runStoreRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withStore(func(store *hmm.Store) error {
		info, err := lookupModel(ctx, store, args[0])
		if err != nil {
			return err
		}
		if err = store.RemoveModel(ctx, info); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", info.Name)
		return err
	})
}
