package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketflow/internal/db"
	"ticketflow/internal/domain"
	"ticketflow/internal/history"
	"ticketflow/internal/migrate"
	"ticketflow/internal/repo"
)

func TestAppend(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()
	r := repo.Repo{DB: conn}

	ts := "2024-03-01T10:00:00Z"
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: "p", Name: "P", CreatedAt: ts}))
	require.NoError(t, r.EnsureUser(ctx, nil, "u1", ""))
	todo, err := r.InsertStatus(ctx, nil, domain.Status{ProjectID: "p", Name: "Todo"})
	require.NoError(t, err)
	done, err := r.InsertStatus(ctx, nil, domain.Status{ProjectID: "p", Name: "Done", IsCompleted: true})
	require.NoError(t, err)
	prio, err := r.DefaultPriority(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "Normal", prio.Name)
	require.NoError(t, r.InsertTicket(ctx, nil, domain.Ticket{
		ID: "t1", ProjectID: "p", Title: "T", StatusID: todo.ID, PriorityID: prio.ID,
		OwnerID: "u1", Version: 1, CreatedAt: ts, UpdatedAt: ts,
	}))

	ledger := history.Ledger{Now: func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	note := history.CreatedNote
	first, err := ledger.Append(ctx, tx, history.Entry{TicketID: "t1", ActorID: "u1", To: todo.ID, Note: &note})
	require.NoError(t, err)
	from := todo.ID
	second, err := ledger.Append(ctx, tx, history.Entry{TicketID: "t1", ActorID: "u1", From: &from, To: done.ID})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, ts, second.CreatedAt)

	entries, err := r.TicketHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[0].ID)
	assert.Nil(t, entries[1].FromStatusID)
	assert.Nil(t, entries[0].Note)

	ids, err := r.CompletedTicketsAsOf(ctx, "p", "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	// unknown ticket or actor is refused by the database
	tx, err = conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = ledger.Append(ctx, tx, history.Entry{TicketID: "nope", ActorID: "u1", To: todo.ID})
	require.Error(t, err)
	_, err = ledger.Append(ctx, tx, history.Entry{TicketID: "t1", ActorID: "ghost", To: todo.ID})
	require.Error(t, err)

	_, err = ledger.Append(ctx, nil, history.Entry{TicketID: "t1", ActorID: "u1", To: todo.ID})
	require.Error(t, err)
}
