package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"ticketflow/internal/domain"
)

// ErrConflict is returned when a ticket row changed since it was read.
var ErrConflict = errors.New("conflict")

const ticketColumns = `id,project_id,title,content,status_id,priority_id,epic_id,sprint_id,owner_id,estimation,version,created_at,updated_at`

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var t domain.Ticket
	var content sql.NullString
	var epicID, sprintID sql.NullInt64
	var estimation sql.NullFloat64
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &content, &t.StatusID, &t.PriorityID, &epicID, &sprintID,
		&t.OwnerID, &estimation, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if content.Valid {
		t.Content = content.String
	}
	t.EpicID = int64Ptr(epicID)
	t.SprintID = int64Ptr(sprintID)
	if estimation.Valid {
		e := estimation.Float64
		t.Estimation = &e
	}
	return t, nil
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO tickets(`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Content), t.StatusID, t.PriorityID, nullableInt64Ptr(t.EpicID), nullableInt64Ptr(t.SprintID),
		t.OwnerID, nullableFloatPtr(t.Estimation), t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	return r.SetAssignees(ctx, tx, t.ID, t.AssigneeIDs)
}

// UpdateTicket writes t if the stored version still equals expected, and bumps
// the version. A stale expected version yields ErrConflict.
func (r Repo) UpdateTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket, expected int64) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tickets SET title=?, content=?, status_id=?, priority_id=?, epic_id=?, sprint_id=?, estimation=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		t.Title, nullable(t.Content), t.StatusID, t.PriorityID, nullableInt64Ptr(t.EpicID), nullableInt64Ptr(t.SprintID),
		nullableFloatPtr(t.Estimation), t.UpdatedAt, t.ID, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetTicket(ctx, tx, t.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r Repo) GetTicket(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	t, err := scanTicket(r.on(tx).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.AssigneeIDs, err = r.ListAssignees(ctx, tx, id)
	return t, err
}

type TicketFilters struct {
	ProjectID       string
	StatusID        domain.StatusID
	EpicID          int64
	SprintID        int64
	OwnerID         string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTickets(ctx context.Context, f TicketFilters) ([]domain.Ticket, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.StatusID != 0 {
		clauses = append(clauses, "status_id=?")
		args = append(args, f.StatusID)
	}
	if f.EpicID != 0 {
		clauses = append(clauses, "epic_id=?")
		args = append(args, f.EpicID)
	}
	if f.SprintID != 0 {
		clauses = append(clauses, "sprint_id=?")
		args = append(args, f.SprintID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "id IN (SELECT ticket_id FROM ticket_assignees WHERE user_id=?)")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].AssigneeIDs, err = r.ListAssignees(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) ListAssignees(ctx context.Context, tx *sql.Tx, ticketID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT user_id FROM ticket_assignees WHERE ticket_id=? ORDER BY user_id`, ticketID)
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

// SetAssignees replaces the assignee set of a ticket.
func (r Repo) SetAssignees(ctx context.Context, tx *sql.Tx, ticketID string, userIDs []string) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM ticket_assignees WHERE ticket_id=?`, ticketID); err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO ticket_assignees(ticket_id,user_id) VALUES (?,?)`, ticketID, id); err != nil {
			return err
		}
	}
	return nil
}
