package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ticketflow/internal/config"
	"ticketflow/internal/domain"
	"ticketflow/internal/history"
	"ticketflow/internal/repo"
	"ticketflow/internal/workflow"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Ledger
	Logger  *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Ledger{Now: time.Now},
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) ledger() history.Ledger {
	l := e.History
	l.Now = e.now
	return l
}

// notFound converts repo.ErrNotFound into a NotFoundError naming the entity.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func statusKey(id domain.StatusID) string {
	return strconv.FormatInt(int64(id), 10)
}

// ProjectInitOptions are parameters for creating a project.
type ProjectInitOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
	// Config seeds statuses and an optional workflow. Nil uses config.Default.
	Config *config.Config
}

// InitProject creates a project and seeds it from its template.
func (e Engine) InitProject(ctx context.Context, opts ProjectInitOptions) (domain.Project, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return domain.Project{}, InvalidInputError{Field: "project_id", Reason: "required"}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default(opts.ID)
	}
	if opts.Name == "" {
		opts.Name = cfg.Project.Name
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, opts.ID); err == nil {
		return domain.Project{}, InvalidInputError{Field: "project_id", Reason: fmt.Sprintf("project %s already exists", opts.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:          opts.ID,
		Name:        opts.Name,
		Description: opts.Description,
		CreatedAt:   e.timestamp(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if opts.ActorID != "" {
		if err := e.Repo.EnsureUser(ctx, tx, opts.ActorID, ""); err != nil {
			return domain.Project{}, err
		}
	}
	byName := map[string]domain.StatusID{}
	for _, st := range cfg.Statuses {
		s, err := e.Repo.InsertStatus(ctx, tx, domain.Status{
			ProjectID:   p.ID,
			Name:        strings.TrimSpace(st.Name),
			Color:       st.Color,
			IsCompleted: st.Completed,
			SortOrder:   st.Order,
			CreatedAt:   p.CreatedAt,
		})
		if err != nil {
			return domain.Project{}, fmt.Errorf("insert status %q: %w", st.Name, err)
		}
		byName[s.Name] = s.ID
	}
	if cfg.Workflow != nil {
		def, err := resolveTemplate(p.ID, cfg.Workflow, byName)
		if err != nil {
			return domain.Project{}, err
		}
		def.CreatedAt, def.UpdatedAt = p.CreatedAt, p.CreatedAt
		if err := e.Repo.SaveWorkflow(ctx, tx, def); err != nil {
			return domain.Project{}, fmt.Errorf("save workflow: %w", err)
		}
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project initialized", zap.String("project_id", p.ID), zap.Int("statuses", len(byName)))
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, nil, id)
	return p, notFound(err, "project", id)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// StatusCreateOptions are parameters for adding a status to a project.
type StatusCreateOptions struct {
	ProjectID string
	Name      string
	Color     string
	Completed bool
	Order     int
}

func (e Engine) CreateStatus(ctx context.Context, opts StatusCreateOptions) (domain.Status, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Status{}, InvalidInputError{Field: "name", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, opts.ProjectID); err != nil {
		return domain.Status{}, notFound(err, "project", opts.ProjectID)
	}
	existing, err := e.Repo.ListStatuses(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Status{}, err
	}
	for _, s := range existing {
		if s.Name == name {
			return domain.Status{}, InvalidInputError{Field: "name", Reason: fmt.Sprintf("status %q already exists", name)}
		}
	}
	s, err := e.Repo.InsertStatus(ctx, tx, domain.Status{
		ProjectID:   opts.ProjectID,
		Name:        name,
		Color:       opts.Color,
		IsCompleted: opts.Completed,
		SortOrder:   opts.Order,
		CreatedAt:   e.timestamp(),
	})
	if err != nil {
		return domain.Status{}, fmt.Errorf("insert status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Status{}, err
	}
	return s, nil
}

// ListStatuses returns the project's statuses in board order.
func (e Engine) ListStatuses(ctx context.Context, projectID string) ([]domain.Status, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return e.Repo.ListStatuses(ctx, nil, projectID)
}

// DeleteStatus removes a status that neither tickets nor the project workflow
// reference.
func (e Engine) DeleteStatus(ctx context.Context, projectID string, id domain.StatusID) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStatus(ctx, tx, id)
	if err != nil || s.ProjectID != projectID {
		return notFound(orNotFound(err), "status", statusKey(id))
	}
	n, err := e.Repo.CountTicketsWithStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ReferentialIntegrityError{Kind: "status", ID: statusKey(id), Tickets: n}
	}
	refs, err := e.Repo.CountWorkflowReferences(ctx, tx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ReferentialIntegrityError{Kind: "status", ID: statusKey(id), Workflow: true}
	}
	if err := e.Repo.DeleteStatus(ctx, tx, id); err != nil {
		return notFound(err, "status", statusKey(id))
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("status deleted", zap.String("project_id", projectID), zap.Int64("status_id", int64(id)))
	return nil
}

func orNotFound(err error) error {
	if err == nil {
		return repo.ErrNotFound
	}
	return err
}

// GetWorkflow returns the stored definition, or nil when the project has none.
func (e Engine) GetWorkflow(ctx context.Context, projectID string) (*workflow.Definition, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	def, err := e.Repo.GetWorkflow(ctx, nil, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return def, err
}

// SaveWorkflow creates or replaces a project's workflow. Every referenced
// status must belong to the project.
func (e Engine) SaveWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if def == nil {
		return nil, InvalidInputError{Field: "workflow", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, def.ProjectID); err != nil {
		return nil, notFound(err, "project", def.ProjectID)
	}
	statuses, err := e.Repo.ListStatuses(ctx, tx, def.ProjectID)
	if err != nil {
		return nil, err
	}
	known := workflow.StatusSet{}
	for _, s := range statuses {
		known.Add(s.ID)
	}
	for _, id := range def.StatusIDs().Sorted() {
		if !known.Has(id) {
			return nil, InvalidInputError{Field: "workflow", Reason: fmt.Sprintf("status %d is not a status of project %s", id, def.ProjectID)}
		}
	}
	if err := e.saveWorkflowTx(ctx, tx, def); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log().Info("workflow saved",
		zap.String("project_id", def.ProjectID),
		zap.Int("initial", len(def.InitialStatuses)),
		zap.Int("transitions", len(def.Edges())),
		zap.Bool("unrestricted", workflow.NewPolicy(def).Unrestricted()))
	return e.Repo.GetWorkflow(ctx, nil, def.ProjectID)
}

func (e Engine) saveWorkflowTx(ctx context.Context, tx *sql.Tx, def *workflow.Definition) error {
	ts := e.timestamp()
	def.UpdatedAt = ts
	if err := e.Repo.SaveWorkflow(ctx, tx, def); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// ImportWorkflow resolves a template written with status names and saves it.
func (e Engine) ImportWorkflow(ctx context.Context, projectID string, tmpl *config.WorkflowTemplate) (*workflow.Definition, error) {
	statuses, err := e.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]domain.StatusID, len(statuses))
	for _, s := range statuses {
		byName[s.Name] = s.ID
	}
	def, err := resolveTemplate(projectID, tmpl, byName)
	if err != nil {
		return nil, err
	}
	return e.SaveWorkflow(ctx, def)
}

func resolveTemplate(projectID string, tmpl *config.WorkflowTemplate, byName map[string]domain.StatusID) (*workflow.Definition, error) {
	def := workflow.NewDefinition(projectID)
	if tmpl == nil {
		return def, nil
	}
	lookup := func(name string) (domain.StatusID, error) {
		id, ok := byName[strings.TrimSpace(name)]
		if !ok {
			return 0, InvalidInputError{Field: "workflow", Reason: fmt.Sprintf("unknown status %q", name)}
		}
		return id, nil
	}
	for _, name := range tmpl.Initial {
		id, err := lookup(name)
		if err != nil {
			return nil, err
		}
		def.AddInitial(id)
	}
	for fromName, targets := range tmpl.Transitions {
		from, err := lookup(fromName)
		if err != nil {
			return nil, err
		}
		for _, toName := range targets {
			to, err := lookup(toName)
			if err != nil {
				return nil, err
			}
			def.AddTransition(from, to)
		}
	}
	return def, nil
}

// RemoveWorkflow returns the project to the unrestricted "no workflow" state.
func (e Engine) RemoveWorkflow(ctx context.Context, projectID string) error {
	if err := e.Repo.DeleteWorkflow(ctx, nil, projectID); err != nil {
		return notFound(err, "workflow", projectID)
	}
	e.log().Info("workflow removed", zap.String("project_id", projectID))
	return nil
}

// EpicCreateOptions are parameters for creating an epic.
type EpicCreateOptions struct {
	ProjectID string
	Name      string
	StartsAt  *string
	EndsAt    *string
}

func (e Engine) CreateEpic(ctx context.Context, opts EpicCreateOptions) (domain.Epic, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Epic{}, InvalidInputError{Field: "name", Reason: "required"}
	}
	if err := validateDates(opts.StartsAt, opts.EndsAt); err != nil {
		return domain.Epic{}, err
	}
	if _, err := e.Repo.GetProject(ctx, nil, opts.ProjectID); err != nil {
		return domain.Epic{}, notFound(err, "project", opts.ProjectID)
	}
	return e.Repo.InsertEpic(ctx, nil, domain.Epic{
		ProjectID: opts.ProjectID,
		Name:      strings.TrimSpace(opts.Name),
		StartsAt:  opts.StartsAt,
		EndsAt:    opts.EndsAt,
		CreatedAt: e.timestamp(),
	})
}

// DeleteEpic removes an epic no ticket references.
func (e Engine) DeleteEpic(ctx context.Context, projectID string, id int64) error {
	key := strconv.FormatInt(id, 10)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	epic, err := e.Repo.GetEpic(ctx, tx, id)
	if err != nil || epic.ProjectID != projectID {
		return notFound(orNotFound(err), "epic", key)
	}
	n, err := e.Repo.CountTicketsWithEpic(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ReferentialIntegrityError{Kind: "epic", ID: key, Tickets: n}
	}
	if err := e.Repo.DeleteEpic(ctx, tx, id); err != nil {
		return notFound(err, "epic", key)
	}
	return tx.Commit()
}

// SprintCreateOptions are parameters for creating a sprint.
type SprintCreateOptions struct {
	ProjectID string
	EpicID    *int64
	Name      string
	StartsAt  *string
	EndsAt    *string
}

func (e Engine) CreateSprint(ctx context.Context, opts SprintCreateOptions) (domain.Sprint, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Sprint{}, InvalidInputError{Field: "name", Reason: "required"}
	}
	if err := validateDates(opts.StartsAt, opts.EndsAt); err != nil {
		return domain.Sprint{}, err
	}
	if _, err := e.Repo.GetProject(ctx, nil, opts.ProjectID); err != nil {
		return domain.Sprint{}, notFound(err, "project", opts.ProjectID)
	}
	if opts.EpicID != nil {
		epic, err := e.Repo.GetEpic(ctx, nil, *opts.EpicID)
		if err != nil || epic.ProjectID != opts.ProjectID {
			return domain.Sprint{}, notFound(orNotFound(err), "epic", strconv.FormatInt(*opts.EpicID, 10))
		}
	}
	return e.Repo.InsertSprint(ctx, nil, domain.Sprint{
		ProjectID: opts.ProjectID,
		EpicID:    opts.EpicID,
		Name:      strings.TrimSpace(opts.Name),
		StartsAt:  opts.StartsAt,
		EndsAt:    opts.EndsAt,
		CreatedAt: e.timestamp(),
	})
}

func validateDates(startsAt, endsAt *string) error {
	var start, end time.Time
	var err error
	if startsAt != nil {
		if start, err = time.Parse(time.DateOnly, *startsAt); err != nil {
			return InvalidInputError{Field: "starts_at", Reason: "expected YYYY-MM-DD"}
		}
	}
	if endsAt != nil {
		if end, err = time.Parse(time.DateOnly, *endsAt); err != nil {
			return InvalidInputError{Field: "ends_at", Reason: "expected YYYY-MM-DD"}
		}
	}
	if startsAt != nil && endsAt != nil && end.Before(start) {
		return InvalidInputError{Field: "ends_at", Reason: "before starts_at"}
	}
	return nil
}
