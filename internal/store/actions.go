package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"storyboard-sync/internal/models"
)

const actionColumns = `id, type, payload, status, priority, retry_count, last_error, result,
	next_run_at, created_at, updated_at, processed_at`

// ActionFilter narrows QueryActions. Zero values match everything.
// ProcessedBefore keeps only actions claimed before that time.
type ActionFilter struct {
	Statuses        []models.ActionStatus
	Types           []models.ActionType
	UpdatedBefore   time.Time
	ProcessedBefore time.Time
	Limit           int
}

// ActionUpdate carries the mutable columns written by UpdateAction. When
// ClaimedAt is set the stored processed_at must also match it.
type ActionUpdate struct {
	Status      models.ActionStatus
	RetryCount  int
	LastError   string
	Result      string
	NextRunAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
	ClaimedAt   *time.Time
}

// FindAction loads one action by id.
func (r reader) FindAction(ctx context.Context, id string) (models.Action, error) {
	row := r.q.QueryRowContext(ctx, r.rebind(`SELECT `+actionColumns+` FROM actions WHERE id = ?`), id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Action{}, ErrNotFound
	}
	if err != nil {
		return models.Action{}, storageErr("find action", err)
	}
	return a, nil
}

// QueryActions lists actions in drain order: priority descending, then
// creation time, then id.
func (r reader) QueryActions(ctx context.Context, f ActionFilter) ([]models.Action, error) {
	where, args := f.clauses()
	query := `SELECT ` + actionColumns + ` FROM actions` + where +
		` ORDER BY priority DESC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, storageErr("query actions", err)
	}
	defer rows.Close()

	var out []models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, storageErr("scan action", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate actions", err)
	}
	return out, nil
}

// CountActions counts actions in the given statuses (all when none are named).
func (r reader) CountActions(ctx context.Context, statuses ...models.ActionStatus) (int, error) {
	where, args := ActionFilter{Statuses: statuses}.clauses()
	var n int
	if err := r.q.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM actions`+where), args...).Scan(&n); err != nil {
		return 0, storageErr("count actions", err)
	}
	return n, nil
}

// InsertAction persists a new action.
func (t *Tx) InsertAction(ctx context.Context, a models.Action) error {
	payload, err := models.EncodePayload(a.Payload)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, t.rebind(`
		INSERT INTO actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, string(a.Type), string(payload), string(a.Status), a.Priority, a.RetryCount,
		a.LastError, a.Result, toMillis(a.NextRunAt), toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
		nullMillis(a.ProcessedAt),
	)
	if err != nil {
		return storageErr("insert action", err)
	}
	t.touch(TableActions)
	return nil
}

// UpdateAction writes u to the action only if it is currently in status from
// and the new retry count does not go backwards. It reports whether a row
// matched.
func (t *Tx) UpdateAction(ctx context.Context, id string, from models.ActionStatus, u ActionUpdate) (bool, error) {
	args := []any{
		string(u.Status), u.RetryCount, u.LastError, u.Result,
		toMillis(u.NextRunAt), toMillis(u.UpdatedAt), nullMillis(u.ProcessedAt),
		id, string(from), u.RetryCount,
	}
	var claimCond string
	if u.ClaimedAt != nil {
		claimCond = ` AND processed_at = ?`
		args = append(args, toMillis(*u.ClaimedAt))
	}
	res, err := t.q.ExecContext(ctx, t.rebind(`
		UPDATE actions
		SET status = ?, retry_count = ?, last_error = ?, result = ?,
			next_run_at = ?, updated_at = ?, processed_at = ?
		WHERE id = ? AND status = ? AND retry_count <= ?`+claimCond),
		args...,
	)
	if err != nil {
		return false, storageErr("update action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update action", err)
	}
	if n == 0 {
		return false, nil
	}
	t.touch(TableActions)
	return true, nil
}

// DeleteAction removes an action unless it is in one of the keep statuses.
// It reports whether a row was deleted.
func (t *Tx) DeleteAction(ctx context.Context, id string, keep ...models.ActionStatus) (bool, error) {
	query := `DELETE FROM actions WHERE id = ?`
	args := []any{id}
	if len(keep) > 0 {
		query += ` AND status NOT IN (` + placeholders(len(keep)) + `)`
		for _, s := range keep {
			args = append(args, string(s))
		}
	}
	res, err := t.q.ExecContext(ctx, t.rebind(query), args...)
	if err != nil {
		return false, storageErr("delete action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete action", err)
	}
	if n > 0 {
		t.touch(TableActions)
	}
	return n > 0, nil
}

func (f ActionFilter) clauses() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		conds = append(conds, `status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.Types) > 0 {
		conds = append(conds, `type IN (`+placeholders(len(f.Types))+`)`)
		for _, typ := range f.Types {
			args = append(args, string(typ))
		}
	}
	if !f.UpdatedBefore.IsZero() {
		conds = append(conds, `updated_at < ?`)
		args = append(args, toMillis(f.UpdatedBefore))
	}
	if !f.ProcessedBefore.IsZero() {
		conds = append(conds, `processed_at IS NOT NULL AND processed_at < ?`)
		args = append(args, toMillis(f.ProcessedBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (models.Action, error) {
	var (
		a                         models.Action
		typ, status, payload      string
		nextRun, created, updated int64
		processed                 sql.NullInt64
	)
	if err := row.Scan(&a.ID, &typ, &payload, &status, &a.Priority, &a.RetryCount, &a.LastError,
		&a.Result, &nextRun, &created, &updated, &processed); err != nil {
		return models.Action{}, err
	}
	a.Type = models.ActionType(typ)
	a.Status = models.ActionStatus(status)
	a.NextRunAt = fromMillis(nextRun)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	a.ProcessedAt = timePtr(processed)

	// A row whose payload no longer decodes is returned with a nil Payload so
	// the engine can fail it instead of blocking every listing.
	if p, err := models.DecodePayload(a.Type, []byte(payload)); err == nil {
		a.Payload = p
	}
	return a, nil
}
