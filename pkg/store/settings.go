package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// RuntimeConfig holds the runtime-tunable provisioning settings. It is
// read at the start of each provisioning request so changes take effect
// on the next launch without a restart.
type RuntimeConfig struct {
	UseSpotInstances bool
	SpotBidCore      string
	EFSDNS           string
}

const (
	settingUseSpotInstances = "aws_use_spot_instances"
	settingSpotBidCore      = "aws_spot_bid_core"
	settingEFSDNS           = "aws_efs_dns"
)

// DefaultRuntimeConfig is used for any setting missing from the store.
var DefaultRuntimeConfig = RuntimeConfig{
	UseSpotInstances: true,
	SpotBidCore:      "0.84",
}

// GetRuntimeConfig reads the current provisioning settings.
func GetRuntimeConfig(ctx context.Context, q Execer) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig

	if v, ok, err := getSetting(ctx, q, settingUseSpotInstances); err != nil {
		return cfg, err
	} else if ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingUseSpotInstances, err)
		}
		cfg.UseSpotInstances = parsed
	}

	if v, ok, err := getSetting(ctx, q, settingSpotBidCore); err != nil {
		return cfg, err
	} else if ok {
		cfg.SpotBidCore = v
	}

	if v, ok, err := getSetting(ctx, q, settingEFSDNS); err != nil {
		return cfg, err
	} else if ok {
		cfg.EFSDNS = v
	}

	return cfg, nil
}

// SetRuntimeConfig persists the provisioning settings.
func SetRuntimeConfig(ctx context.Context, q Execer, cfg RuntimeConfig) error {
	values := map[string]string{
		settingUseSpotInstances: strconv.FormatBool(cfg.UseSpotInstances),
		settingSpotBidCore:      cfg.SpotBidCore,
		settingEFSDNS:           cfg.EFSDNS,
	}
	for key, value := range values {
		if err := setSetting(ctx, q, key, value); err != nil {
			return err
		}
	}
	return nil
}

func getSetting(ctx context.Context, q Execer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

func setSetting(ctx context.Context, q Execer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
