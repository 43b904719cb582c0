package repo

import (
	"context"
	"database/sql"

	"ticketflow/internal/domain"
)

func (r Repo) InsertEpic(ctx context.Context, tx *sql.Tx, e domain.Epic) (domain.Epic, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO epics(project_id,name,starts_at,ends_at,created_at) VALUES (?,?,?,?,?)`,
		e.ProjectID, e.Name, nullableStringPtr(e.StartsAt), nullableStringPtr(e.EndsAt), e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.ID, err = res.LastInsertId()
	return e, err
}

func (r Repo) GetEpic(ctx context.Context, tx *sql.Tx, id int64) (domain.Epic, error) {
	var e domain.Epic
	var startsAt, endsAt sql.NullString
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,project_id,name,starts_at,ends_at,created_at FROM epics WHERE id=?`, id).
		Scan(&e.ID, &e.ProjectID, &e.Name, &startsAt, &endsAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.StartsAt = stringPtr(startsAt)
	e.EndsAt = stringPtr(endsAt)
	return e, err
}

func (r Repo) ListEpics(ctx context.Context, projectID string) ([]domain.Epic, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,starts_at,ends_at,created_at FROM epics WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		var e domain.Epic
		var startsAt, endsAt sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &startsAt, &endsAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.StartsAt = stringPtr(startsAt)
		e.EndsAt = stringPtr(endsAt)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountTicketsWithEpic(ctx context.Context, tx *sql.Tx, id int64) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT count(*) FROM tickets WHERE epic_id=?`, id).Scan(&n)
	return n, err
}

func (r Repo) DeleteEpic(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM epics WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSprint(ctx context.Context, tx *sql.Tx, s domain.Sprint) (domain.Sprint, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO sprints(project_id,epic_id,name,starts_at,ends_at,created_at) VALUES (?,?,?,?,?,?)`,
		s.ProjectID, nullableInt64Ptr(s.EpicID), s.Name, nullableStringPtr(s.StartsAt), nullableStringPtr(s.EndsAt), s.CreatedAt)
	if err != nil {
		return s, err
	}
	s.ID, err = res.LastInsertId()
	return s, err
}

func (r Repo) GetSprint(ctx context.Context, tx *sql.Tx, id int64) (domain.Sprint, error) {
	var s domain.Sprint
	var epicID sql.NullInt64
	var startsAt, endsAt sql.NullString
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,project_id,epic_id,name,starts_at,ends_at,created_at FROM sprints WHERE id=?`, id).
		Scan(&s.ID, &s.ProjectID, &epicID, &s.Name, &startsAt, &endsAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.EpicID = int64Ptr(epicID)
	s.StartsAt = stringPtr(startsAt)
	s.EndsAt = stringPtr(endsAt)
	return s, err
}

func (r Repo) ListSprints(ctx context.Context, projectID string) ([]domain.Sprint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,epic_id,name,starts_at,ends_at,created_at FROM sprints WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprint
	for rows.Next() {
		var s domain.Sprint
		var epicID sql.NullInt64
		var startsAt, endsAt sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &epicID, &s.Name, &startsAt, &endsAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.EpicID = int64Ptr(epicID)
		s.StartsAt = stringPtr(startsAt)
		s.EndsAt = stringPtr(endsAt)
		res = append(res, s)
	}
	return res, rows.Err()
}
