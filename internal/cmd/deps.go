package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/sparkfleet/internal/config"
	"github.com/3leaps/sparkfleet/internal/observability"
	"github.com/3leaps/sparkfleet/pkg/artifact"
	"github.com/3leaps/sparkfleet/pkg/cloud/emr"
	"github.com/3leaps/sparkfleet/pkg/lifecycle"
	"github.com/3leaps/sparkfleet/pkg/mail"
	"github.com/3leaps/sparkfleet/pkg/store"
)

// deps bundles everything a command needs after wiring.
type deps struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *sql.DB
	controller *lifecycle.Controller
}

func (d *deps) Close() {
	if d.db != nil {
		_ = d.db.Close()
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}

// loadConfig honors the persistent --config flag.
func loadConfig(ctx context.Context) (*config.Config, error) {
	config.SetConfigFile(flagConfigFile)
	return config.Load(ctx)
}

// openDeps builds the full dependency graph: store, provider, notifier,
// artifact stores and the lifecycle controller.
func openDeps(ctx context.Context, serveLogger bool) (*deps, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	var logger *zap.Logger
	if serveLogger {
		logger, err = observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
		if err != nil {
			return nil, err
		}
	} else {
		logger = observability.CLILogger(flagVerbose)
	}

	db, err := store.Open(ctx, store.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	provider, err := emr.New(ctx, emr.Config{
		Region:             cfg.Provider.Region,
		Profile:            cfg.Provider.Profile,
		AccessKeyID:        cfg.Provider.AccessKeyID,
		SecretAccessKey:    cfg.Provider.SecretAccessKey,
		SparkEMRBucket:     cfg.Provider.SparkBucket,
		LogBucket:          cfg.Provider.LogBucket,
		EC2KeyName:         cfg.Provider.EC2KeyName,
		MasterInstanceType: cfg.Provider.MasterInstanceType,
		WorkerInstanceType: cfg.Provider.WorkerInstanceType,
		InstanceProfile:    cfg.Provider.InstanceProfile,
		AppTag:             "sparkfleet",
		AccountingAppTag:   "sparkfleet",
		AccountingTypeTag:  "worker",
	}, func(rctx context.Context) (emr.RuntimeSettings, error) {
		rc, err := store.GetRuntimeConfig(rctx, db)
		if err != nil {
			return emr.RuntimeSettings{}, err
		}
		return emr.RuntimeSettings{
			UseSpotInstances: rc.UseSpotInstances,
			SpotBidCore:      rc.SpotBidCore,
			EFSDNS:           rc.EFSDNS,
		}, nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build emr provider: %w", err)
	}

	notifier, err := mail.NewSES(ctx, mail.SESConfig{
		Region: cfg.Mail.Region,
		Source: cfg.Mail.Source,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build ses notifier: %w", err)
	}

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger.Named("lifecycle")),
		lifecycle.WithSiteURL(cfg.SiteURL),
		lifecycle.WithAlertCC(cfg.Mail.AlertCC),
	}
	if cfg.Provider.RatePerSecond > 0 {
		opts = append(opts, lifecycle.WithProviderRateLimit(
			rate.Limit(cfg.Provider.RatePerSecond), cfg.Provider.RateBurst))
	}

	stores, err := artifactStores(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if stores != nil {
		opts = append(opts, lifecycle.WithArtifactStores(stores[0], stores[1], stores[2]))
	}

	controller := lifecycle.New(db, provider, notifier, opts...)

	return &deps{cfg: cfg, logger: logger, db: db, controller: controller}, nil
}

// artifactStores builds the notebook, public and private result stores.
// Returns nil when no buckets are configured, which disables the
// notebook and result operations.
func artifactStores(ctx context.Context, cfg *config.Config) (*[3]artifact.Store, error) {
	if cfg.Artifacts.NotebookBucket == "" {
		return nil, nil
	}
	base := artifact.S3Config{
		Region:          cfg.Provider.Region,
		Profile:         cfg.Provider.Profile,
		AccessKeyID:     cfg.Provider.AccessKeyID,
		SecretAccessKey: cfg.Provider.SecretAccessKey,
		Endpoint:        cfg.Artifacts.Endpoint,
	}

	var out [3]artifact.Store
	buckets := []string{cfg.Artifacts.NotebookBucket, cfg.Artifacts.PublicBucket, cfg.Artifacts.PrivateBucket}
	for i, bucket := range buckets {
		c := base
		c.Bucket = bucket
		s, err := artifact.NewS3(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("build artifact store %s: %w", bucket, err)
		}
		out[i] = s
	}
	return &out, nil
}
