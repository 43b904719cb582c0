package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ticketflow/internal/domain"
	"ticketflow/internal/history"
	"ticketflow/internal/repo"
	"ticketflow/internal/workflow"
)

// TicketCreateOptions are parameters for creating a ticket.
type TicketCreateOptions struct {
	ProjectID  string
	Title      string
	Content    string
	StatusID   domain.StatusID
	PriorityID *int64
	EpicID     *int64
	SprintID   *int64
	Estimation *float64
	Assignees  []string
	ActorID    string
}

// CreateTicket checks the creation transition, inserts the ticket and records
// the first history entry in one transaction.
func (e Engine) CreateTicket(ctx context.Context, opts TicketCreateOptions) (domain.Ticket, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Ticket{}, InvalidInputError{Field: "title", Reason: "required"}
	}
	if opts.ActorID == "" {
		return domain.Ticket{}, InvalidInputError{Field: "actor_id", Reason: "required"}
	}
	if opts.Estimation != nil && *opts.Estimation < 0 {
		return domain.Ticket{}, InvalidInputError{Field: "estimation", Reason: "must not be negative"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, opts.ProjectID); err != nil {
		return domain.Ticket{}, notFound(err, "project", opts.ProjectID)
	}
	target, err := e.projectStatus(ctx, tx, opts.ProjectID, opts.StatusID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := e.checkTransition(ctx, tx, opts.ProjectID, nil, target); err != nil {
		return domain.Ticket{}, err
	}

	t := domain.Ticket{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		Title:       title,
		Content:     opts.Content,
		StatusID:    target.ID,
		EpicID:      opts.EpicID,
		SprintID:    opts.SprintID,
		OwnerID:     opts.ActorID,
		Estimation:  opts.Estimation,
		AssigneeIDs: dedupe(opts.Assignees),
		Version:     1,
	}
	if t.PriorityID, err = e.resolvePriority(ctx, tx, opts.PriorityID); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.checkPlanning(ctx, tx, opts.ProjectID, t.EpicID, t.SprintID); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.checkAssignees(ctx, tx, t.AssigneeIDs); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Repo.EnsureUser(ctx, tx, opts.ActorID, ""); err != nil {
		return domain.Ticket{}, err
	}
	t.CreatedAt = e.timestamp()
	t.UpdatedAt = t.CreatedAt
	if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
		return domain.Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}
	note := history.CreatedNote
	if _, err := e.ledger().Append(ctx, tx, history.Entry{
		TicketID: t.ID,
		ActorID:  opts.ActorID,
		To:       target.ID,
		Note:     &note,
	}); err != nil {
		return domain.Ticket{}, err
	}
	created, err := e.Repo.GetTicket(ctx, tx, t.ID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	e.log().Debug("ticket created",
		zap.String("project_id", created.ProjectID),
		zap.String("ticket_id", created.ID),
		zap.Int64("status_id", int64(created.StatusID)))
	return created, nil
}

// TicketUpdateOptions is a patch; nil fields are left unchanged.
type TicketUpdateOptions struct {
	ID          string
	ActorID     string
	Title       *string
	Content     *string
	StatusID    *domain.StatusID
	PriorityID  *int64
	EpicID      *int64
	ClearEpic   bool
	SprintID    *int64
	ClearSprint bool
	Estimation  *float64
	Assignees   *[]string
	// Note is recorded on the history entry when the status changes.
	Note *string
	// ExpectedVersion rejects the patch with ErrConflict when non-zero and the
	// stored ticket has moved on.
	ExpectedVersion int64
}

// UpdateTicket applies a patch. A status change is checked against the
// workflow first; when refused nothing in the patch is applied.
func (e Engine) UpdateTicket(ctx context.Context, opts TicketUpdateOptions) (domain.Ticket, error) {
	if opts.ActorID == "" {
		return domain.Ticket{}, InvalidInputError{Field: "actor_id", Reason: "required"}
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Ticket{}, InvalidInputError{Field: "title", Reason: "must not be empty"}
	}
	if opts.Estimation != nil && *opts.Estimation < 0 {
		return domain.Ticket{}, InvalidInputError{Field: "estimation", Reason: "must not be negative"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTicket(ctx, tx, opts.ID)
	if err != nil {
		return domain.Ticket{}, notFound(err, "ticket", opts.ID)
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != t.Version {
		return domain.Ticket{}, ErrConflict
	}
	current := t.StatusID
	var from *domain.StatusID
	if opts.StatusID != nil && *opts.StatusID != current {
		target, err := e.projectStatus(ctx, tx, t.ProjectID, *opts.StatusID)
		if err != nil {
			return domain.Ticket{}, err
		}
		if err := e.checkTransition(ctx, tx, t.ProjectID, &current, target); err != nil {
			return domain.Ticket{}, err
		}
		from = &current
		t.StatusID = target.ID
	}

	if opts.Title != nil {
		t.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Content != nil {
		t.Content = *opts.Content
	}
	if opts.PriorityID != nil {
		if t.PriorityID, err = e.resolvePriority(ctx, tx, opts.PriorityID); err != nil {
			return domain.Ticket{}, err
		}
	}
	switch {
	case opts.ClearEpic:
		t.EpicID = nil
	case opts.EpicID != nil:
		t.EpicID = opts.EpicID
	}
	switch {
	case opts.ClearSprint:
		t.SprintID = nil
	case opts.SprintID != nil:
		t.SprintID = opts.SprintID
	}
	if opts.Estimation != nil {
		t.Estimation = opts.Estimation
	}
	if err := e.checkPlanning(ctx, tx, t.ProjectID, opts.EpicID, opts.SprintID); err != nil {
		return domain.Ticket{}, err
	}
	if opts.Assignees != nil {
		ids := dedupe(*opts.Assignees)
		if err := e.checkAssignees(ctx, tx, ids); err != nil {
			return domain.Ticket{}, err
		}
		if err := e.Repo.SetAssignees(ctx, tx, t.ID, ids); err != nil {
			return domain.Ticket{}, err
		}
	}
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTicket(ctx, tx, t, t.Version); err != nil {
		return domain.Ticket{}, notFound(err, "ticket", t.ID)
	}
	if from != nil {
		if err := e.recordChange(ctx, tx, t, *from, opts.ActorID, opts.Note); err != nil {
			return domain.Ticket{}, err
		}
	}
	updated, err := e.Repo.GetTicket(ctx, tx, t.ID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	if from != nil {
		e.logChange(updated, *from)
	}
	return updated, nil
}

// ChangeStatus moves a ticket to another status. Asking for the status the
// ticket already has returns it unchanged without consulting the workflow.
func (e Engine) ChangeStatus(ctx context.Context, ticketID string, to domain.StatusID, actorID string, note *string) (domain.Ticket, error) {
	if actorID == "" {
		return domain.Ticket{}, InvalidInputError{Field: "actor_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTicket(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, notFound(err, "ticket", ticketID)
	}
	if t.StatusID == to {
		return t, nil
	}
	target, err := e.projectStatus(ctx, tx, t.ProjectID, to)
	if err != nil {
		return domain.Ticket{}, err
	}
	from := t.StatusID
	if err := e.checkTransition(ctx, tx, t.ProjectID, &from, target); err != nil {
		return domain.Ticket{}, err
	}
	t.StatusID = target.ID
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTicket(ctx, tx, t, t.Version); err != nil {
		return domain.Ticket{}, notFound(err, "ticket", t.ID)
	}
	if err := e.recordChange(ctx, tx, t, from, actorID, note); err != nil {
		return domain.Ticket{}, err
	}
	updated, err := e.Repo.GetTicket(ctx, tx, t.ID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	e.logChange(updated, from)
	return updated, nil
}

// Targets lists the statuses a ticket may move to. In unrestricted mode every
// status of the project is listed and Unrestricted is set.
type Targets struct {
	ProjectID    string           `json:"project_id"`
	From         *domain.StatusID `json:"from,omitempty"`
	Unrestricted bool             `json:"unrestricted"`
	Statuses     []domain.Status  `json:"statuses"`
}

// AllowedTargets reports the statuses reachable from from (nil for creation).
func (e Engine) AllowedTargets(ctx context.Context, projectID string, from *domain.StatusID) (Targets, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return Targets{}, notFound(err, "project", projectID)
	}
	if from != nil {
		if _, err := e.projectStatus(ctx, nil, projectID, *from); err != nil {
			return Targets{}, err
		}
	}
	policy, err := e.policy(ctx, nil, projectID)
	if err != nil {
		return Targets{}, err
	}
	statuses, err := e.Repo.ListStatuses(ctx, nil, projectID)
	if err != nil {
		return Targets{}, err
	}
	res := Targets{ProjectID: projectID, From: from, Unrestricted: policy.Unrestricted(), Statuses: []domain.Status{}}
	if res.Unrestricted {
		res.Statuses = append(res.Statuses, statuses...)
		return res, nil
	}
	allowed := policy.Targets(from)
	for _, s := range statuses {
		if allowed.Has(s.ID) {
			res.Statuses = append(res.Statuses, s)
		}
	}
	return res, nil
}

func (e Engine) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, nil, id)
	return t, notFound(err, "ticket", id)
}

func (e Engine) ListTickets(ctx context.Context, f repo.TicketFilters) ([]domain.Ticket, error) {
	if f.ProjectID != "" {
		if _, err := e.Repo.GetProject(ctx, nil, f.ProjectID); err != nil {
			return nil, notFound(err, "project", f.ProjectID)
		}
	}
	return e.Repo.ListTickets(ctx, f)
}

// TicketHistory returns a ticket's status changes, newest first.
func (e Engine) TicketHistory(ctx context.Context, ticketID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetTicket(ctx, nil, ticketID); err != nil {
		return nil, notFound(err, "ticket", ticketID)
	}
	return e.Repo.TicketHistory(ctx, ticketID)
}

// CompletedTicketsAsOf lists tickets that entered a completed status on or
// before day (YYYY-MM-DD).
func (e Engine) CompletedTicketsAsOf(ctx context.Context, projectID, day string) ([]string, error) {
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return nil, InvalidInputError{Field: "day", Reason: "expected YYYY-MM-DD"}
	}
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return e.Repo.CompletedTicketsAsOf(ctx, projectID, day)
}

// projectStatus loads a status and checks it belongs to projectID.
func (e Engine) projectStatus(ctx context.Context, tx *sql.Tx, projectID string, id domain.StatusID) (domain.Status, error) {
	s, err := e.Repo.GetStatus(ctx, tx, id)
	if err != nil {
		return s, notFound(err, "status", statusKey(id))
	}
	if s.ProjectID != projectID {
		return s, NotFoundError{Kind: "status", ID: statusKey(id)}
	}
	return s, nil
}

// policy reads the workflow as currently stored.
func (e Engine) policy(ctx context.Context, tx *sql.Tx, projectID string) (workflow.Policy, error) {
	def, err := e.Repo.GetWorkflow(ctx, tx, projectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return workflow.Policy{}, fmt.Errorf("load workflow: %w", err)
	}
	return workflow.NewPolicy(def), nil
}

func (e Engine) checkTransition(ctx context.Context, tx *sql.Tx, projectID string, from *domain.StatusID, to domain.Status) error {
	policy, err := e.policy(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if policy.Allows(from, to.ID) {
		return nil
	}
	fromLabel := InitialLabel
	if from != nil {
		src, err := e.Repo.GetStatus(ctx, tx, *from)
		if err != nil {
			return notFound(err, "status", statusKey(*from))
		}
		fromLabel = src.Name
	}
	verr := WorkflowViolationError{ProjectID: projectID, From: fromLabel, To: to.Name}
	e.log().Info("transition rejected",
		zap.String("project_id", projectID),
		zap.String("from", fromLabel),
		zap.String("to", to.Name))
	return verr
}

func (e Engine) recordChange(ctx context.Context, tx *sql.Tx, t domain.Ticket, from domain.StatusID, actorID string, note *string) error {
	if err := e.Repo.EnsureUser(ctx, tx, actorID, ""); err != nil {
		return err
	}
	if note != nil && *note == "" {
		note = nil
	}
	_, err := e.ledger().Append(ctx, tx, history.Entry{
		TicketID: t.ID,
		ActorID:  actorID,
		From:     &from,
		To:       t.StatusID,
		Note:     note,
	})
	return err
}

func (e Engine) logChange(t domain.Ticket, from domain.StatusID) {
	e.log().Debug("ticket status changed",
		zap.String("project_id", t.ProjectID),
		zap.String("ticket_id", t.ID),
		zap.Int64("from", int64(from)),
		zap.Int64("to", int64(t.StatusID)),
		zap.Int64("version", t.Version))
}

func (e Engine) resolvePriority(ctx context.Context, tx *sql.Tx, id *int64) (int64, error) {
	if id == nil {
		p, err := e.Repo.DefaultPriority(ctx, tx)
		if err != nil {
			return 0, notFound(err, "priority", "default")
		}
		return p.ID, nil
	}
	p, err := e.Repo.GetPriority(ctx, tx, *id)
	if err != nil {
		return 0, notFound(err, "priority", strconv.FormatInt(*id, 10))
	}
	return p.ID, nil
}

// checkPlanning verifies that a referenced epic or sprint is in the project.
func (e Engine) checkPlanning(ctx context.Context, tx *sql.Tx, projectID string, epicID, sprintID *int64) error {
	if epicID != nil {
		key := strconv.FormatInt(*epicID, 10)
		epic, err := e.Repo.GetEpic(ctx, tx, *epicID)
		if err != nil || epic.ProjectID != projectID {
			return notFound(orNotFound(err), "epic", key)
		}
	}
	if sprintID != nil {
		key := strconv.FormatInt(*sprintID, 10)
		sprint, err := e.Repo.GetSprint(ctx, tx, *sprintID)
		if err != nil || sprint.ProjectID != projectID {
			return notFound(orNotFound(err), "sprint", key)
		}
	}
	return nil
}

func (e Engine) checkAssignees(ctx context.Context, tx *sql.Tx, ids []string) error {
	missing, err := e.Repo.MissingUsers(ctx, tx, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return NotFoundError{Kind: "user", ID: strings.Join(missing, ",")}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
