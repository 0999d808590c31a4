package repo

import (
	"context"
	"database/sql"
	"strings"

	"sitework/internal/domain"
)

const taskColumns = `id,project_id,title,status,assignee_id,start_date,end_date,created_at,updated_at,completed_at`

func (r Repo) InsertScheduleTask(ctx context.Context, tx *sql.Tx, t domain.ScheduleTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO schedule_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Status, nullableStringPtr(t.AssigneeID), nullableStringPtr(t.StartDate),
		nullableStringPtr(t.EndDate), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func scanScheduleTask(scan func(dest ...any) error) (domain.ScheduleTask, error) {
	var t domain.ScheduleTask
	var assignee, start, end, completed sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &assignee, &start, &end, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if start.Valid {
		t.StartDate = &start.String
	}
	if end.Valid {
		t.EndDate = &end.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, nil
}

func (r Repo) GetScheduleTask(ctx context.Context, id string) (domain.ScheduleTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM schedule_tasks WHERE id=?`, id)
	return scanScheduleTask(row.Scan)
}

type ScheduleTaskFilters struct {
	ProjectID       string
	Status          string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListScheduleTasks(ctx context.Context, f ScheduleTaskFilters) ([]domain.ScheduleTask, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
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
	query := `SELECT ` + taskColumns + ` FROM schedule_tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduleTask
	for rows.Next() {
		t, err := scanScheduleTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListScheduleTasksForProjectTx reads a project's tasks inside the caller's
// transaction, ordered deterministically for cascade evaluation.
func (r Repo) ListScheduleTasksForProjectTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.ScheduleTask, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM schedule_tasks WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduleTask
	for rows.Next() {
		t, err := scanScheduleTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateScheduleTask(ctx context.Context, tx *sql.Tx, t domain.ScheduleTask) error {
	_, err := tx.ExecContext(ctx, `UPDATE schedule_tasks SET title=?, status=?, assignee_id=?, start_date=?, end_date=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, t.Status, nullableStringPtr(t.AssigneeID), nullableStringPtr(t.StartDate), nullableStringPtr(t.EndDate),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) UpdateScheduleTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, completedAt *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE schedule_tasks SET status=?, updated_at=?, completed_at=? WHERE id=?`,
		status, updatedAt, nullableStringPtr(completedAt), id)
	return err
}

func (r Repo) CountScheduleTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM schedule_tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
