package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ticketflow/internal/domain"
)

const historyColumns = `id,ticket_id,actor_id,from_status_id,to_status_id,note,created_at`

func scanHistory(row rowScanner) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	var from sql.NullInt64
	var note sql.NullString
	if err := row.Scan(&h.ID, &h.TicketID, &h.ActorID, &from, &h.ToStatusID, &note, &h.CreatedAt); err != nil {
		return h, err
	}
	if from.Valid {
		id := domain.StatusID(from.Int64)
		h.FromStatusID = &id
	}
	h.Note = stringPtr(note)
	return h, nil
}

// TicketHistory returns the entries of a ticket, newest first.
func (r Repo) TicketHistory(ctx context.Context, ticketID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM ticket_history WHERE ticket_id=? ORDER BY created_at DESC, id DESC`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// CompletedTicketsAsOf returns the ids of the project's tickets that have any
// history entry into a completed status dated on or before day (YYYY-MM-DD).
// A ticket that later left the completed state still counts.
func (r Repo) CompletedTicketsAsOf(ctx context.Context, projectID, day string) ([]string, error) {
	completed, err := r.CompletedStatusIDs(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if len(completed) == 0 {
		return []string{}, nil
	}
	placeholders := make([]string, len(completed))
	args := []any{projectID}
	for i, id := range completed {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, day)
	query := fmt.Sprintf(`SELECT DISTINCT h.ticket_id FROM ticket_history h
JOIN tickets t ON t.id = h.ticket_id
WHERE t.project_id=? AND h.to_status_id IN (%s) AND substr(h.created_at,1,10) <= ?
ORDER BY h.ticket_id`, strings.Join(placeholders, ","))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
