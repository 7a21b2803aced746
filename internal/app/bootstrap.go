// Package app holds host start-up steps shared by the CLI commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fedhost/internal/auth"
	"fedhost/internal/config"
	"fedhost/internal/db"
	"fedhost/internal/engine"
	"fedhost/internal/migrate"
	"fedhost/internal/repo"
)

// SeedActor is recorded in the audit log for config-driven changes.
const SeedActor = "fedhost-config"

// OpenWorkspace loads fedhost.yml (defaults when absent), opens the registry
// database and applies pending migrations.
func OpenWorkspace(ctx context.Context, workspace string, overrides ...config.Override) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(workspace, overrides...)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	if _, err := migrate.Apply(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, cfg, nil
}

type SeedResult struct {
	Created []string
	Updated []string
}

// SeedApps upserts the config's apps by name. Existing records keep their
// id; their descriptor and active flag follow the config.
func SeedApps(ctx context.Context, e engine.Engine, seeds []config.SeedApp) (SeedResult, error) {
	var res SeedResult
	ctx = auth.WithPrincipal(ctx, auth.Principal{Subject: SeedActor, Source: "config"})
	for _, s := range seeds {
		spec := s.Strategy
		existing, err := e.Store.GetAppByName(ctx, s.Name)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			a, err := e.CreateApp(ctx, engine.AppInput{Name: s.Name, URL: s.URL, IconURL: s.IconURL, Description: s.Description, Strategy: &spec})
			if err != nil {
				return res, fmt.Errorf("seed app %q: %w", s.Name, err)
			}
			if s.Active != nil && !*s.Active {
				if _, err := e.SetActive(ctx, a.ID, s.Active); err != nil {
					return res, fmt.Errorf("seed app %q: %w", s.Name, err)
				}
			}
			res.Created = append(res.Created, s.Name)
		case err != nil:
			return res, err
		default:
			name, url, icon, desc := s.Name, s.URL, s.IconURL, s.Description
			if _, err := e.UpdateApp(ctx, existing.ID, engine.AppPatch{Name: &name, URL: &url, IconURL: &icon, Description: &desc, Strategy: &spec}); err != nil {
				return res, fmt.Errorf("seed app %q: %w", s.Name, err)
			}
			if s.Active != nil && *s.Active != existing.IsActive {
				if _, err := e.SetActive(ctx, existing.ID, s.Active); err != nil {
					return res, fmt.Errorf("seed app %q: %w", s.Name, err)
				}
			}
			res.Updated = append(res.Updated, s.Name)
		}
	}
	return res, nil
}
