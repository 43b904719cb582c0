package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketflow/internal/config"
	"ticketflow/internal/db"
	"ticketflow/internal/domain"
	"ticketflow/internal/engine"
	"ticketflow/internal/migrate"
	"ticketflow/internal/repo"
	"ticketflow/internal/workflow"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	DB       *sql.DB
	Todo     domain.StatusID
	Progress domain.StatusID
	Done     domain.StatusID
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, nil)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	_, err = eng.InitProject(ctx, engine.ProjectInitOptions{ID: "proj-1", Name: "Project", ActorID: "tester"})
	require.NoError(t, err)

	statuses, err := eng.ListStatuses(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	return testEnv{
		Engine:   eng,
		Ctx:      ctx,
		DB:       conn,
		Todo:     statuses[0].ID,
		Progress: statuses[1].ID,
		Done:     statuses[2].ID,
	}
}

// scrum installs initial=[Todo], Todo->In Progress, In Progress->Done.
func (env testEnv) scrum(t *testing.T) {
	t.Helper()
	def := workflow.NewDefinition("proj-1")
	def.AddInitial(env.Todo)
	def.AddTransition(env.Todo, env.Progress)
	def.AddTransition(env.Progress, env.Done)
	_, err := env.Engine.SaveWorkflow(env.Ctx, def)
	require.NoError(t, err)
}

func (env testEnv) create(t *testing.T, status domain.StatusID) domain.Ticket {
	t.Helper()
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProjectID: "proj-1",
		Title:     "Do work",
		StatusID:  status,
		ActorID:   "tester",
	})
	require.NoError(t, err)
	return tk
}

func (env testEnv) historyCount(t *testing.T, ticketID string) int {
	t.Helper()
	entries, err := env.Engine.TicketHistory(env.Ctx, ticketID)
	require.NoError(t, err)
	return len(entries)
}

func strPtr(s string) *string { return &s }

var configWorkflow = config.WorkflowTemplate{
	Initial: []string{"Todo"},
	Transitions: map[string][]string{
		"Todo":        {"In Progress"},
		"In Progress": {"Done", "Todo"},
	},
}

func TestInitProjectSeedsStatuses(t *testing.T) {
	env := newTestEnv(t)
	statuses, err := env.Engine.ListStatuses(env.Ctx, "proj-1")
	require.NoError(t, err)
	names := []string{statuses[0].Name, statuses[1].Name, statuses[2].Name}
	assert.Equal(t, []string{"Todo", "In Progress", "Done"}, names)
	assert.True(t, statuses[2].IsCompleted)

	def, err := env.Engine.GetWorkflow(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, def)

	_, err = env.Engine.InitProject(env.Ctx, engine.ProjectInitOptions{ID: "proj-1"})
	var invalid engine.InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestOpenModeAllowsAnyTransition(t *testing.T) {
	env := newTestEnv(t)
	tk := env.create(t, env.Done)

	tk, err := env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Todo, "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, env.Todo, tk.StatusID)

	tk, err = env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Done, "tester", strPtr("skip ahead"))
	require.NoError(t, err)
	assert.Equal(t, env.Done, tk.StatusID)

	// a stored workflow without content is still open
	_, err = env.Engine.SaveWorkflow(env.Ctx, workflow.NewDefinition("proj-1"))
	require.NoError(t, err)
	def, err := env.Engine.GetWorkflow(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, def)
	_, err = env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Progress, "tester", nil)
	require.NoError(t, err)
}

func TestCreationHonorsInitialStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.scrum(t)

	tk := env.create(t, env.Todo)
	assert.Equal(t, env.Todo, tk.StatusID)
	assert.Equal(t, int64(1), tk.Version)

	_, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProjectID: "proj-1",
		Title:     "Skip",
		StatusID:  env.Progress,
		ActorID:   "tester",
	})
	var verr engine.WorkflowViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, `Transition from "Initial" to "In Progress" is not allowed by the project workflow.`, err.Error())
	assert.Equal(t, "proj-1", verr.ProjectID)

	tickets, err := env.Engine.ListTickets(env.Ctx, repo.TicketFilters{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1, "rejected creation must not leave a row")
}

func TestNoSkipTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.scrum(t)
	tk := env.create(t, env.Todo)

	_, err := env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Done, "tester", nil)
	var verr engine.WorkflowViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Todo", verr.From)
	assert.Equal(t, "Done", verr.To)

	got, err := env.Engine.GetTicket(env.Ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, env.Todo, got.StatusID)
	assert.Equal(t, 1, env.historyCount(t, tk.ID))
}

func TestChainedTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.scrum(t)
	tk := env.create(t, env.Todo)

	tk, err := env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Progress, "tester", strPtr("started"))
	require.NoError(t, err)
	tk, err = env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Done, "reviewer", nil)
	require.NoError(t, err)
	assert.Equal(t, env.Done, tk.StatusID)
	assert.Equal(t, int64(3), tk.Version)

	entries, err := env.Engine.TicketHistory(env.Ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// newest first
	assert.Equal(t, env.Done, entries[0].ToStatusID)
	assert.Equal(t, env.Progress, *entries[0].FromStatusID)
	assert.Equal(t, "reviewer", entries[0].ActorID)
	assert.Nil(t, entries[0].Note)

	assert.Equal(t, env.Progress, entries[1].ToStatusID)
	assert.Equal(t, "started", *entries[1].Note)

	assert.Nil(t, entries[2].FromStatusID)
	assert.Equal(t, env.Todo, entries[2].ToStatusID)
	assert.Equal(t, "Ticket created", *entries[2].Note)
}

func TestSameStatusIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.scrum(t)
	tk := env.create(t, env.Todo)

	// Todo -> Todo is not an edge, yet the request succeeds untouched
	got, err := env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Todo, "tester", strPtr("noop"))
	require.NoError(t, err)
	assert.Equal(t, tk.Version, got.Version)
	assert.Equal(t, 1, env.historyCount(t, tk.ID))

	same := env.Todo
	got, err = env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, ActorID: "tester", StatusID: &same, Title: strPtr("Renamed")})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, 1, env.historyCount(t, tk.ID))
}

func TestRejectedUpdateAppliesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.scrum(t)
	tk := env.create(t, env.Todo)

	done := env.Done
	_, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{
		ID:       tk.ID,
		ActorID:  "tester",
		Title:    strPtr("Changed"),
		Content:  strPtr("more"),
		StatusID: &done,
	})
	var verr engine.WorkflowViolationError
	require.ErrorAs(t, err, &verr)

	got, err := env.Engine.GetTicket(env.Ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "Do work", got.Title)
	assert.Empty(t, got.Content)
	assert.Equal(t, env.Todo, got.StatusID)
	assert.Equal(t, tk.Version, got.Version)
	assert.Equal(t, 1, env.historyCount(t, tk.ID))
}

func TestUpdateTicketRecordsStatusChange(t *testing.T) {
	env := newTestEnv(t)
	env.scrum(t)
	require.NoError(t, env.Engine.Repo.EnsureUser(env.Ctx, nil, "alice", "Alice"))
	tk := env.create(t, env.Todo)

	progress := env.Progress
	estimation := 3.5
	assignees := []string{"alice", "alice"}
	got, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{
		ID:         tk.ID,
		ActorID:    "tester",
		StatusID:   &progress,
		Estimation: &estimation,
		Assignees:  &assignees,
		Note:       strPtr("picked up"),
	})
	require.NoError(t, err)
	assert.Equal(t, env.Progress, got.StatusID)
	assert.Equal(t, []string{"alice"}, got.AssigneeIDs)
	require.NotNil(t, got.Estimation)
	assert.InDelta(t, 3.5, *got.Estimation, 0.0001)

	entries, err := env.Engine.TicketHistory(env.Ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "picked up", *entries[0].Note)

	unknown := []string{"ghost"}
	_, err = env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, ActorID: "tester", Assignees: &unknown})
	require.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	tk := env.create(t, env.Todo)

	_, err := env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Progress, "tester", nil)
	require.NoError(t, err)

	done := env.Done
	_, err = env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{
		ID:              tk.ID,
		ActorID:         "tester",
		StatusID:        &done,
		ExpectedVersion: tk.Version,
	})
	require.ErrorIs(t, err, engine.ErrConflict)
	assert.Equal(t, 2, env.historyCount(t, tk.ID))

	// the repository refuses a write carrying a stale version
	stale := tk
	stale.Title = "lost update"
	err = env.Engine.Repo.UpdateTicket(env.Ctx, nil, stale, tk.Version)
	require.ErrorIs(t, err, repo.ErrConflict)
}

func TestUnknownTargetStatus(t *testing.T) {
	env := newTestEnv(t)
	tk := env.create(t, env.Todo)

	_, err := env.Engine.ChangeStatus(env.Ctx, tk.ID, 9999, "tester", nil)
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "status", nf.Kind)
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	_, err = env.Engine.ChangeStatus(env.Ctx, "missing", env.Done, "tester", nil)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ticket", nf.Kind)
}

func TestStatusFromAnotherProjectIsRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitProject(env.Ctx, engine.ProjectInitOptions{ID: "proj-2"})
	require.NoError(t, err)
	other, err := env.Engine.ListStatuses(env.Ctx, "proj-2")
	require.NoError(t, err)

	_, err = env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{ProjectID: "proj-1", Title: "x", StatusID: other[0].ID, ActorID: "tester"})
	require.True(t, errors.Is(err, repo.ErrNotFound))

	def := workflow.NewDefinition("proj-1")
	def.AddInitial(other[0].ID)
	_, err = env.Engine.SaveWorkflow(env.Ctx, def)
	var invalid engine.InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestDeleteStatusGuard(t *testing.T) {
	env := newTestEnv(t)
	tk := env.create(t, env.Progress)

	err := env.Engine.DeleteStatus(env.Ctx, "proj-1", env.Progress)
	var rerr engine.ReferentialIntegrityError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.Tickets)

	_, err = env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Done, "tester", nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteStatus(env.Ctx, "proj-1", env.Progress))

	// the audit trail keeps the removed status id
	entries, err := env.Engine.TicketHistory(env.Ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, env.Progress, *entries[0].FromStatusID)

	err = env.Engine.DeleteStatus(env.Ctx, "proj-1", env.Progress)
	require.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestDeleteStatusReferencedByWorkflow(t *testing.T) {
	env := newTestEnv(t)
	def := workflow.NewDefinition("proj-1")
	def.AddInitial(env.Todo)
	_, err := env.Engine.SaveWorkflow(env.Ctx, def)
	require.NoError(t, err)

	err = env.Engine.DeleteStatus(env.Ctx, "proj-1", env.Todo)
	var rerr engine.ReferentialIntegrityError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.Workflow)
	assert.Equal(t, 0, rerr.Tickets)

	// strict mode survives the refused delete
	_, err = env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProjectID: "proj-1", Title: "Skip ahead", StatusID: env.Done, ActorID: "tester",
	})
	var verr engine.WorkflowViolationError
	require.ErrorAs(t, err, &verr)
	targets, err := env.Engine.AllowedTargets(env.Ctx, "proj-1", nil)
	require.NoError(t, err)
	assert.False(t, targets.Unrestricted)
	got, err := env.Engine.GetWorkflow(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.True(t, got.InitialStatuses.Has(env.Todo))

	// transition endpoints are references too
	env.scrum(t)
	err = env.Engine.DeleteStatus(env.Ctx, "proj-1", env.Done)
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.Workflow)

	// once the workflow stops naming it the delete goes through
	edited := workflow.NewDefinition("proj-1")
	edited.AddInitial(env.Todo)
	edited.AddTransition(env.Todo, env.Progress)
	_, err = env.Engine.SaveWorkflow(env.Ctx, edited)
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteStatus(env.Ctx, "proj-1", env.Done))
	got, err = env.Engine.GetWorkflow(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, []workflow.Edge{{From: env.Todo, To: env.Progress}}, got.Edges())
}

func TestWorkflowWithOnlyEmptyTargetsStaysOpen(t *testing.T) {
	env := newTestEnv(t)
	def := workflow.NewDefinition("proj-1")
	def.Transitions[env.Todo] = workflow.StatusSet{}
	_, err := env.Engine.SaveWorkflow(env.Ctx, def)
	require.NoError(t, err)

	got, err := env.Engine.GetWorkflow(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Empty())
	targets, err := env.Engine.AllowedTargets(env.Ctx, "proj-1", nil)
	require.NoError(t, err)
	assert.True(t, targets.Unrestricted)
	env.create(t, env.Done)
}

func TestFailedHistoryAppendRollsBack(t *testing.T) {
	env := newTestEnv(t)
	tk := env.create(t, env.Todo)
	_, err := env.DB.ExecContext(env.Ctx, `CREATE TRIGGER history_unavailable BEFORE INSERT ON ticket_history
BEGIN SELECT RAISE(ABORT, 'history unavailable'); END;`)
	require.NoError(t, err)

	_, err = env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Done, "tester", strPtr("ship it"))
	require.Error(t, err)

	_, err = env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{
		ID: tk.ID, ActorID: "tester", Title: strPtr("Renamed"), StatusID: &env.Progress,
	})
	require.Error(t, err)

	got, err := env.Engine.GetTicket(env.Ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, env.Todo, got.StatusID)
	assert.Equal(t, tk.Version, got.Version)
	assert.Equal(t, "Do work", got.Title)

	_, err = env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProjectID: "proj-1", Title: "Orphan", StatusID: env.Todo, ActorID: "tester",
	})
	require.Error(t, err)
	tickets, err := env.Engine.ListTickets(env.Ctx, repo.TicketFilters{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)

	_, err = env.DB.ExecContext(env.Ctx, `DROP TRIGGER history_unavailable`)
	require.NoError(t, err)
	assert.Equal(t, 1, env.historyCount(t, tk.ID))
}

func TestRemoveWorkflowReopensProject(t *testing.T) {
	env := newTestEnv(t)
	env.scrum(t)
	tk := env.create(t, env.Todo)
	_, err := env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Done, "tester", nil)
	require.Error(t, err)

	require.NoError(t, env.Engine.RemoveWorkflow(env.Ctx, "proj-1"))
	_, err = env.Engine.ChangeStatus(env.Ctx, tk.ID, env.Done, "tester", nil)
	require.NoError(t, err)

	err = env.Engine.RemoveWorkflow(env.Ctx, "proj-1")
	require.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestAllowedTargets(t *testing.T) {
	env := newTestEnv(t)

	open, err := env.Engine.AllowedTargets(env.Ctx, "proj-1", &env.Todo)
	require.NoError(t, err)
	assert.True(t, open.Unrestricted)
	assert.Len(t, open.Statuses, 3)

	env.scrum(t)
	initial, err := env.Engine.AllowedTargets(env.Ctx, "proj-1", nil)
	require.NoError(t, err)
	assert.False(t, initial.Unrestricted)
	require.Len(t, initial.Statuses, 1)
	assert.Equal(t, env.Todo, initial.Statuses[0].ID)

	fromDone, err := env.Engine.AllowedTargets(env.Ctx, "proj-1", &env.Done)
	require.NoError(t, err)
	assert.Empty(t, fromDone.Statuses)
}

func TestImportWorkflowByName(t *testing.T) {
	env := newTestEnv(t)
	def, err := env.Engine.ImportWorkflow(env.Ctx, "proj-1", &configWorkflow)
	require.NoError(t, err)
	assert.Equal(t, []domain.StatusID{env.Todo}, def.InitialStatuses.Sorted())
	assert.True(t, def.Transitions[env.Progress].Has(env.Todo))

	bad := configWorkflow
	bad.Initial = []string{"Blocked"}
	_, err = env.Engine.ImportWorkflow(env.Ctx, "proj-1", &bad)
	var invalid engine.InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestDeleteEpicGuard(t *testing.T) {
	env := newTestEnv(t)
	epic, err := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: "proj-1", Name: "Launch"})
	require.NoError(t, err)
	sprint, err := env.Engine.CreateSprint(env.Ctx, engine.SprintCreateOptions{ProjectID: "proj-1", EpicID: &epic.ID, Name: "Sprint 1"})
	require.NoError(t, err)

	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProjectID: "proj-1",
		Title:     "Planned",
		StatusID:  env.Todo,
		EpicID:    &epic.ID,
		SprintID:  &sprint.ID,
		ActorID:   "tester",
	})
	require.NoError(t, err)

	err = env.Engine.DeleteEpic(env.Ctx, "proj-1", epic.ID)
	var rerr engine.ReferentialIntegrityError
	require.ErrorAs(t, err, &rerr)

	_, err = env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, ActorID: "tester", ClearEpic: true})
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteEpic(env.Ctx, "proj-1", epic.ID))
}

func TestCompletedTicketsAsOf(t *testing.T) {
	env := newTestEnv(t)
	day := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return day }

	reopened := env.create(t, env.Todo)
	stillOpen := env.create(t, env.Todo)
	_, err := env.Engine.ChangeStatus(env.Ctx, reopened.ID, env.Done, "tester", nil)
	require.NoError(t, err)

	day = day.Add(48 * time.Hour)
	_, err = env.Engine.ChangeStatus(env.Ctx, reopened.ID, env.Todo, "tester", nil)
	require.NoError(t, err)

	ids, err := env.Engine.CompletedTicketsAsOf(env.Ctx, "proj-1", "2024-01-05")
	require.NoError(t, err)
	// a ticket that left the completed state still counts
	assert.Equal(t, []string{reopened.ID}, ids)
	assert.NotContains(t, ids, stillOpen.ID)

	ids, err = env.Engine.CompletedTicketsAsOf(env.Ctx, "proj-1", "2023-12-31")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = env.Engine.CompletedTicketsAsOf(env.Ctx, "proj-1", "yesterday")
	var invalid engine.InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	tk := env.create(t, env.Todo)

	_, err := env.DB.ExecContext(env.Ctx, `UPDATE ticket_history SET note='edited' WHERE ticket_id=?`, tk.ID)
	require.Error(t, err)
	_, err = env.DB.ExecContext(env.Ctx, `DELETE FROM ticket_history WHERE ticket_id=?`, tk.ID)
	require.Error(t, err)
	assert.Equal(t, 1, env.historyCount(t, tk.ID))
}
