package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/registry"
	"github.com/aemholland/e14z/internal/storage"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage tool records in the local store",
}

var registryImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import tool records from YAML or JSON files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRegistryImport,
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tool records in the local store",
	Args:  cobra.NoArgs,
	RunE:  runRegistryList,
}

var registryRemoveCmd = &cobra.Command{
	Use:   "remove <identifier>",
	Short: "Remove a tool record from the local store",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryRemove,
}

func init() {
	registryCmd.AddCommand(registryImportCmd, registryListCmd, registryRemoveCmd)
}

// openStore opens only the local store; registry commands never touch the
// cache or the remote registry.
func openStore() (storage.Store, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Logging)
	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0750); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, logger, nil
}

func runRegistryImport(_ *cobra.Command, args []string) error {
	// Parse every file before writing anything.
	var records []domain.ToolRecord
	for _, path := range args {
		recs, err := registry.ReadRecords(path)
		if err != nil {
			return err
		}
		records = append(records, recs...)
	}

	store, logger, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	for i := range records {
		if err := store.Tools().Put(ctx, &records[i]); err != nil {
			return fmt.Errorf("importing %s: %w", records[i].Identifier, err)
		}
	}
	logger.Info("registry records imported",
		slog.Int("count", len(records)),
		slog.String("driver", store.Driver()),
	)
	fmt.Printf("imported %d record(s)\n", len(records))
	return nil
}

func runRegistryList(_ *cobra.Command, _ []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Tools().List(context.Background())
	if err != nil {
		return err
	}
	return writeRecordTable(os.Stdout, records)
}

func runRegistryRemove(_ *cobra.Command, args []string) error {
	store, logger, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Tools().Delete(context.Background(), args[0]); err != nil {
		return err
	}
	logger.Info("registry record removed", slog.String("identifier", args[0]))
	return nil
}

func writeRecordTable(w io.Writer, records []domain.ToolRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tAUTH\tDIRECTIVES\tDESCRIPTION")
	for _, r := range records {
		auth := r.AuthMethod
		if auth == "" {
			auth = "none"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Identifier, auth, len(r.InstallDirectives), r.Description)
	}
	return tw.Flush()
}
