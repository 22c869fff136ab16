package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/sparkfleet/internal/observability"
	"github.com/3leaps/sparkfleet/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema and optional seed data",
	Long: `Apply the schema to the state store. Migrations are additive and
idempotent; running migrate against an up-to-date store is a no-op.

With --seed, a YAML release catalog is loaded into emr_releases.
With --backfill-legacy, jobs imported without run history get a
synthetic run row so the reconcilers treat them as already-run.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("seed", "", "YAML release catalog to load after migrating")
	migrateCmd.Flags().Bool("backfill-legacy", false, "Create run rows for jobs imported without history")
}

// releaseSeed mirrors the YAML catalog format.
type releaseSeed struct {
	Releases []struct {
		Version      string `yaml:"version"`
		ChangelogURL string `yaml:"changelog_url"`
		Active       bool   `yaml:"active"`
		Experimental bool   `yaml:"experimental"`
		Deprecated   bool   `yaml:"deprecated"`
	} `yaml:"releases"`
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := observability.CLILogger(flagVerbose)
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, store.Config{Path: cfg.Store.Path})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := store.Migrate(ctx, db); err != nil {
		return err
	}
	cmd.Printf("store migrated: %s\n", cfg.Store.Path)

	if seedPath, _ := cmd.Flags().GetString("seed"); seedPath != "" {
		n, err := seedReleases(ctx, db, seedPath)
		if err != nil {
			return err
		}
		cmd.Printf("seeded %d releases from %s\n", n, seedPath)
	}

	if backfill, _ := cmd.Flags().GetBool("backfill-legacy"); backfill {
		n, err := store.BackfillLegacyRuns(ctx, db)
		if err != nil {
			return err
		}
		cmd.Printf("backfilled %d legacy runs\n", n)
	}
	return nil
}

func seedReleases(ctx context.Context, db store.Execer, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed releaseSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}
	for _, r := range seed.Releases {
		if r.Version == "" {
			return 0, fmt.Errorf("seed entry missing version")
		}
		err := store.UpsertRelease(ctx, db, store.EMRRelease{
			Version:        r.Version,
			ChangelogURL:   r.ChangelogURL,
			IsActive:       r.Active,
			IsExperimental: r.Experimental,
			IsDeprecated:   r.Deprecated,
		})
		if err != nil {
			return 0, err
		}
	}
	return len(seed.Releases), nil
}
