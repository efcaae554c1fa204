package app

import (
	"context"
	"errors"
	"fmt"

	"workgate/internal/config"
	"workgate/internal/engine"
	"workgate/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project and
// config exist in the database, seeding defaults if missing. It prefers the
// override, then a single-project database.
func ResolveProjectAndConfig(ctx context.Context, projectOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}

	if _, err := e.Repo.GetEntity(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.InitProject(ctx, engine.ProjectCreateOptions{ID: projectID, ActorID: actorID}); err != nil {
			return "", nil, fmt.Errorf("init project %s: %w", projectID, err)
		}
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
