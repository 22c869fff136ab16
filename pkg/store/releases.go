package store

import (
	"context"
	"fmt"
	"time"
)

// EMRRelease is a catalog entry for a cluster-runtime version.
//
// Only active releases are selectable by new workloads; experimental and
// deprecated flags drive how the frontend presents them.
type EMRRelease struct {
	Version        string
	ChangelogURL   string
	IsActive       bool
	IsExperimental bool
	IsDeprecated   bool
	CreatedAt      time.Time
}

// UpsertRelease inserts or updates a release catalog entry.
func UpsertRelease(ctx context.Context, q Execer, release EMRRelease) error {
	createdAt := release.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO emr_releases (version, changelog_url, is_active, is_experimental, is_deprecated, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			changelog_url = excluded.changelog_url,
			is_active = excluded.is_active,
			is_experimental = excluded.is_experimental,
			is_deprecated = excluded.is_deprecated`,
		release.Version, release.ChangelogURL,
		release.IsActive, release.IsExperimental, release.IsDeprecated,
		encodeTime(createdAt))
	if err != nil {
		return fmt.Errorf("upsert release %s: %w", release.Version, err)
	}
	return nil
}

// GetRelease returns the release with the given version, or nil.
func GetRelease(ctx context.Context, q Execer, version string) (*EMRRelease, error) {
	rows, err := queryReleases(ctx, q, `WHERE version = ?`, version)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ActiveReleases returns all selectable releases, newest first.
func ActiveReleases(ctx context.Context, q Execer) ([]EMRRelease, error) {
	return queryReleases(ctx, q, `WHERE is_active = 1 ORDER BY version DESC`)
}

// StableReleases returns active releases that are neither experimental
// nor deprecated.
func StableReleases(ctx context.Context, q Execer) ([]EMRRelease, error) {
	return queryReleases(ctx, q,
		`WHERE is_active = 1 AND is_experimental = 0 AND is_deprecated = 0 ORDER BY version DESC`)
}

func queryReleases(ctx context.Context, q Execer, where string, args ...any) ([]EMRRelease, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT version, changelog_url, is_active, is_experimental, is_deprecated, created_at
		FROM emr_releases `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query releases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EMRRelease
	for rows.Next() {
		var r EMRRelease
		var createdAt string
		if err := rows.Scan(&r.Version, &r.ChangelogURL, &r.IsActive, &r.IsExperimental, &r.IsDeprecated, &createdAt); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		if r.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("decode release created_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
