// Package history appends ticket status-change entries. Rows are never
// rewritten; the schema triggers reject UPDATE and DELETE.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticketflow/internal/domain"
)

// CreatedNote is the note written on the entry recorded at ticket creation.
const CreatedNote = "Ticket created"

type Ledger struct {
	Now func() time.Time
}

// Entry is one status change to record. A nil From marks ticket creation.
type Entry struct {
	TicketID string
	ActorID  string
	From     *domain.StatusID
	To       domain.StatusID
	Note     *string
}

// Append inserts e inside tx. Unknown tickets or actors surface as foreign key
// errors from the database.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.HistoryEntry, error) {
	if tx == nil {
		return domain.HistoryEntry{}, errors.New("history append requires a transaction")
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	h := domain.HistoryEntry{
		TicketID:     e.TicketID,
		ActorID:      e.ActorID,
		FromStatusID: e.From,
		ToStatusID:   e.To,
		Note:         e.Note,
		CreatedAt:    l.Now().UTC().Format(time.RFC3339),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO ticket_history(ticket_id,actor_id,from_status_id,to_status_id,note,created_at) VALUES (?,?,?,?,?,?)`,
		h.TicketID, h.ActorID, nullableStatus(h.FromStatusID), h.ToStatusID, nullableNote(h.Note), h.CreatedAt)
	if err != nil {
		return h, fmt.Errorf("append history for ticket %s: %w", e.TicketID, err)
	}
	h.ID, err = res.LastInsertId()
	return h, err
}

func nullableStatus(v *domain.StatusID) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableNote(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
