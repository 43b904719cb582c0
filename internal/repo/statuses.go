package repo

import (
	"context"
	"database/sql"

	"ticketflow/internal/domain"
)

const statusColumns = `id,project_id,name,color,is_completed,sort_order,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (domain.Status, error) {
	var s domain.Status
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Color, &s.IsCompleted, &s.SortOrder, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// InsertStatus stores a status and returns it with its id.
func (r Repo) InsertStatus(ctx context.Context, tx *sql.Tx, s domain.Status) (domain.Status, error) {
	if s.Color == "" {
		s.Color = "#cecece"
	}
	if s.CreatedAt == "" {
		s.CreatedAt = now()
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO ticket_statuses(project_id,name,color,is_completed,sort_order,created_at) VALUES (?,?,?,?,?,?)`,
		s.ProjectID, s.Name, s.Color, s.IsCompleted, s.SortOrder, s.CreatedAt)
	if err != nil {
		return s, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return s, err
	}
	s.ID = domain.StatusID(id)
	return s, nil
}

func (r Repo) GetStatus(ctx context.Context, tx *sql.Tx, id domain.StatusID) (domain.Status, error) {
	return scanStatus(r.on(tx).QueryRowContext(ctx, `SELECT `+statusColumns+` FROM ticket_statuses WHERE id=?`, id))
}

// ListStatuses returns a project's statuses in board order. Ties on sort
// order break by name, then id.
func (r Repo) ListStatuses(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Status, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+statusColumns+` FROM ticket_statuses WHERE project_id=? ORDER BY sort_order ASC, name ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountTicketsWithStatus is the reference check run before a status is removed.
func (r Repo) CountTicketsWithStatus(ctx context.Context, tx *sql.Tx, id domain.StatusID) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT count(*) FROM tickets WHERE status_id=?`, id).Scan(&n)
	return n, err
}

func (r Repo) DeleteStatus(ctx context.Context, tx *sql.Tx, id domain.StatusID) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM ticket_statuses WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompletedStatusIDs lists the statuses of a project flagged as completed.
func (r Repo) CompletedStatusIDs(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.StatusID, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM ticket_statuses WHERE project_id=? AND is_completed=1 ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []domain.StatusID
	for rows.Next() {
		var id domain.StatusID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) GetPriority(ctx context.Context, tx *sql.Tx, id int64) (domain.Priority, error) {
	var p domain.Priority
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,name,color,is_default FROM ticket_priorities WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Color, &p.IsDefault)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// DefaultPriority returns the priority flagged as default, falling back to
// the lowest id.
func (r Repo) DefaultPriority(ctx context.Context, tx *sql.Tx) (domain.Priority, error) {
	var p domain.Priority
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,name,color,is_default FROM ticket_priorities ORDER BY is_default DESC, id ASC LIMIT 1`).
		Scan(&p.ID, &p.Name, &p.Color, &p.IsDefault)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPriorities(ctx context.Context) ([]domain.Priority, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,color,is_default FROM ticket_priorities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Priority
	for rows.Next() {
		var p domain.Priority
		if err := rows.Scan(&p.ID, &p.Name, &p.Color, &p.IsDefault); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
