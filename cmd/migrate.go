package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/store/postgres"
)

// migrate is a variable so tests can avoid a live database.
var migrate = postgres.Migrate

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Applies the embedded schema migrations to store.dsn",
		Annotations: map[string]string{annotationNoApp: "true"},
		RunE:        runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := resolveConfig(ctx)
	if cfg.Store.DSN == "" {
		return errors.New("store.dsn (or DATABASE_URL) is required to migrate")
	}
	version, err := migrate(ctx, cfg.Store.DSN, zap.L().Named("migrate"))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
	return nil
}
