package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pinklemonade/internal/config"
	"pinklemonade/internal/repo"
)

// ResolveOrgAndConfig picks the active org and ensures the org and its config
// exist in the DB, seeding defaults if missing. It prefers the override, then
// a single-org workspace. A missing org is created on the fly.
func ResolveOrgAndConfig(ctx context.Context, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		if o, err := r.SingleOrg(ctx); err == nil {
			orgID = o.ID
		} else {
			return "", nil, fmt.Errorf("org not specified; use --org")
		}
	}
	seedCfg := config.Default(orgID)

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOrg(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed org config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

func createOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Org.Name
	if name == "" {
		name = orgID
	}
	if err := r.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureUser(ctx, tx, actorID, orgID, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return tx.Commit()
}
