package repo

import (
	"context"
	"database/sql"
	"strings"

	"sitework/internal/domain"
)

const punchColumns = `id,project_id,title,status,blocks_completion,created_at,resolved_at`

func (r Repo) InsertPunchlistItem(ctx context.Context, tx *sql.Tx, item domain.PunchlistItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO punchlist_items(`+punchColumns+`) VALUES (?,?,?,?,?,?,?)`,
		item.ID, item.ProjectID, item.Title, item.Status, boolToInt(item.BlocksCompletion), item.CreatedAt, nullableStringPtr(item.ResolvedAt))
	return err
}

func scanPunchlistItem(scan func(dest ...any) error) (domain.PunchlistItem, error) {
	var item domain.PunchlistItem
	var blocks int
	var resolved sql.NullString
	err := scan(&item.ID, &item.ProjectID, &item.Title, &item.Status, &blocks, &item.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	item.BlocksCompletion = blocks != 0
	if resolved.Valid {
		item.ResolvedAt = &resolved.String
	}
	return item, nil
}

func (r Repo) GetPunchlistItem(ctx context.Context, id string) (domain.PunchlistItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+punchColumns+` FROM punchlist_items WHERE id=?`, id)
	return scanPunchlistItem(row.Scan)
}

type PunchlistFilters struct {
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListPunchlistItems(ctx context.Context, f PunchlistFilters) ([]domain.PunchlistItem, error) {
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
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + punchColumns + ` FROM punchlist_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PunchlistItem
	for rows.Next() {
		item, err := scanPunchlistItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CountOpenBlockingPunchlistTx counts unresolved items that block completion,
// inside the caller's transaction.
func (r Repo) CountOpenBlockingPunchlistTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM punchlist_items WHERE project_id=? AND status='open' AND blocks_completion=1`, projectID).Scan(&n)
	return n, err
}

func (r Repo) ResolvePunchlistItem(ctx context.Context, tx *sql.Tx, id, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE punchlist_items SET status='resolved', resolved_at=? WHERE id=?`, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
