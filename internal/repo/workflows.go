package repo

import (
	"context"
	"database/sql"

	"ticketflow/internal/domain"
	"ticketflow/internal/workflow"
)

// GetWorkflow loads the stored definition of a project. It returns
// ErrNotFound when the project has no workflow at all; a stored workflow
// without rows in either child table comes back as an empty definition.
func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, projectID string) (*workflow.Definition, error) {
	q := r.on(tx)
	def := workflow.NewDefinition(projectID)
	err := q.QueryRowContext(ctx, `SELECT created_at,updated_at FROM project_workflows WHERE project_id=?`, projectID).
		Scan(&def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT status_id FROM workflow_initial_statuses WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id domain.StatusID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		def.AddInitial(id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT from_status_id,to_status_id FROM workflow_transitions WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var from, to domain.StatusID
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		def.AddTransition(from, to)
	}
	return def, rows.Err()
}

// SaveWorkflow creates or replaces the definition of def.ProjectID.
func (r Repo) SaveWorkflow(ctx context.Context, tx *sql.Tx, def *workflow.Definition) error {
	q := r.on(tx)
	ts := now()
	if def.UpdatedAt != "" {
		ts = def.UpdatedAt
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO project_workflows(project_id,created_at,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET updated_at=excluded.updated_at`, def.ProjectID, ts, ts); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM workflow_initial_statuses WHERE project_id=?`, def.ProjectID); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM workflow_transitions WHERE project_id=?`, def.ProjectID); err != nil {
		return err
	}
	for _, id := range def.InitialStatuses.Sorted() {
		if _, err := q.ExecContext(ctx, `INSERT INTO workflow_initial_statuses(project_id,status_id) VALUES (?,?)`, def.ProjectID, id); err != nil {
			return err
		}
	}
	for _, e := range def.Edges() {
		if _, err := q.ExecContext(ctx, `INSERT INTO workflow_transitions(project_id,from_status_id,to_status_id) VALUES (?,?,?)`, def.ProjectID, e.From, e.To); err != nil {
			return err
		}
	}
	return nil
}

// CountWorkflowReferences counts the initial and transition rows naming a status.
func (r Repo) CountWorkflowReferences(ctx context.Context, tx *sql.Tx, id domain.StatusID) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT
  (SELECT count(*) FROM workflow_initial_statuses WHERE status_id=?) +
  (SELECT count(*) FROM workflow_transitions WHERE from_status_id=? OR to_status_id=?)`, id, id, id).Scan(&n)
	return n, err
}

// DeleteWorkflow returns a project to the "no workflow" state.
func (r Repo) DeleteWorkflow(ctx context.Context, tx *sql.Tx, projectID string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM project_workflows WHERE project_id=?`, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
