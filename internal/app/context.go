package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ticketflow/internal/config"
	"ticketflow/internal/domain"
	"ticketflow/internal/engine"
	"ticketflow/internal/repo"
)

// ResolveProject picks the project a command acts on. It prefers the
// override, then the only project in the workspace database. An override
// naming a project that does not exist yet creates it from the workspace
// template (ticketflow.yml) or the built-in default.
func ResolveProject(ctx context.Context, e engine.Engine, workspace, override, actorID string) (domain.Project, error) {
	projectID := strings.TrimSpace(override)
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("project not specified; use --project or run 'tf project init'")
		}
		return p, err
	}
	p, err := e.GetProject(ctx, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if cfg != nil {
		cfg.Project.ID = projectID
	}
	return e.InitProject(ctx, engine.ProjectInitOptions{ID: projectID, ActorID: actorID, Config: cfg})
}
