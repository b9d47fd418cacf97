package store

import (
	"context"
	"database/sql"
	"errors"

	"storyboard-sync/internal/models"
)

const projectColumns = `id, title, source_text, style, status, progress, video_uri, synced_at, created_at, updated_at`

const sceneColumns = `id, project_id, idx, title, description, image_prompt, image_url, thumbnail_uri,
	duration_ms, created_at, updated_at`

// FindProject loads one project by id.
func (r reader) FindProject(ctx context.Context, id string) (models.Project, error) {
	row := r.q.QueryRowContext(ctx, r.rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, storageErr("find project", err)
	}
	return p, nil
}

// ListProjects returns every project, oldest first.
func (r reader) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, storageErr("scan project", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate projects", err)
	}
	return out, nil
}

// FindScene loads one scene by id.
func (r reader) FindScene(ctx context.Context, id string) (models.Scene, error) {
	row := r.q.QueryRowContext(ctx, r.rebind(`SELECT `+sceneColumns+` FROM scenes WHERE id = ?`), id)
	s, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Scene{}, ErrNotFound
	}
	if err != nil {
		return models.Scene{}, storageErr("find scene", err)
	}
	return s, nil
}

// ListScenes returns a project's scenes in storyboard order.
func (r reader) ListScenes(ctx context.Context, projectID string) ([]models.Scene, error) {
	rows, err := r.q.QueryContext(ctx, r.rebind(`SELECT `+sceneColumns+` FROM scenes WHERE project_id = ? ORDER BY idx ASC`), projectID)
	if err != nil {
		return nil, storageErr("list scenes", err)
	}
	defer rows.Close()

	var out []models.Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, storageErr("scan scene", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate scenes", err)
	}
	return out, nil
}

// InsertProject persists a new project.
func (t *Tx) InsertProject(ctx context.Context, p models.Project) error {
	_, err := t.q.ExecContext(ctx, t.rebind(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Title, p.SourceText, p.Style, p.Status, p.Progress, p.VideoURI,
		nullMillis(p.SyncedAt), toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return storageErr("insert project", err)
	}
	t.touch(TableProjects)
	return nil
}

// UpdateProject overwrites the mutable columns of an existing project.
func (t *Tx) UpdateProject(ctx context.Context, p models.Project) error {
	res, err := t.q.ExecContext(ctx, t.rebind(`
		UPDATE projects
		SET title = ?, source_text = ?, style = ?, status = ?, progress = ?, video_uri = ?,
			synced_at = ?, updated_at = ?
		WHERE id = ?`),
		p.Title, p.SourceText, p.Style, p.Status, p.Progress, p.VideoURI,
		nullMillis(p.SyncedAt), toMillis(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return storageErr("update project", err)
	}
	if err := requireRow(res, "update project"); err != nil {
		return err
	}
	t.touch(TableProjects)
	return nil
}

// ReplaceScenes deletes a project's scenes and inserts the given set. Running
// it twice with the same input leaves the same rows.
func (t *Tx) ReplaceScenes(ctx context.Context, projectID string, scenes []models.Scene) error {
	if _, err := t.q.ExecContext(ctx, t.rebind(`DELETE FROM scenes WHERE project_id = ?`), projectID); err != nil {
		return storageErr("delete scenes", err)
	}
	for _, s := range scenes {
		_, err := t.q.ExecContext(ctx, t.rebind(`
			INSERT INTO scenes (`+sceneColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			s.ID, projectID, s.Index, s.Title, s.Description, s.ImagePrompt, s.ImageURL,
			s.ThumbnailURI, s.DurationMS, toMillis(s.CreatedAt), toMillis(s.UpdatedAt),
		)
		if err != nil {
			return storageErr("insert scene", err)
		}
	}
	t.touch(TableScenes)
	return nil
}

// UpdateScene overwrites the mutable columns of an existing scene.
func (t *Tx) UpdateScene(ctx context.Context, s models.Scene) error {
	res, err := t.q.ExecContext(ctx, t.rebind(`
		UPDATE scenes
		SET idx = ?, title = ?, description = ?, image_prompt = ?, image_url = ?,
			thumbnail_uri = ?, duration_ms = ?, updated_at = ?
		WHERE id = ?`),
		s.Index, s.Title, s.Description, s.ImagePrompt, s.ImageURL,
		s.ThumbnailURI, s.DurationMS, toMillis(s.UpdatedAt), s.ID,
	)
	if err != nil {
		return storageErr("update scene", err)
	}
	if err := requireRow(res, "update scene"); err != nil {
		return err
	}
	t.touch(TableScenes)
	return nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row rowScanner) (models.Project, error) {
	var (
		p                models.Project
		synced           sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.Title, &p.SourceText, &p.Style, &p.Status, &p.Progress,
		&p.VideoURI, &synced, &created, &updated); err != nil {
		return models.Project{}, err
	}
	p.SyncedAt = timePtr(synced)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func scanScene(row rowScanner) (models.Scene, error) {
	var (
		s                models.Scene
		created, updated int64
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Index, &s.Title, &s.Description, &s.ImagePrompt,
		&s.ImageURL, &s.ThumbnailURI, &s.DurationMS, &created, &updated); err != nil {
		return models.Scene{}, err
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}
