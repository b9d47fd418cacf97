package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/models"
	"storyboard-sync/internal/store"
)

// SceneGenerator splits story text into storyboard scenes. Returned scenes
// carry Title, Description, ImagePrompt and DurationMS only.
type SceneGenerator interface {
	GenerateScenes(ctx context.Context, text string) ([]models.Scene, error)
}

// ImageGenerator renders an image for a prompt and returns its URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// VideoRenderer assembles scene images into a video and returns its URI.
type VideoRenderer interface {
	RenderVideo(ctx context.Context, projectID string, scenes []models.Scene) (string, error)
}

// Uploader stores a blob under key and returns where it can be found.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Thumbnailer produces a small JPEG preview of the image at src.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, src string) ([]byte, error)
}

// Deps are the collaborators of the built-in handlers. Nil collaborators make
// the matching action types fail validation.
type Deps struct {
	Store      *store.Store
	Scenes     SceneGenerator
	Images     ImageGenerator
	Videos     VideoRenderer
	Artifacts  Uploader
	Thumbnails Thumbnailer
	Now        func() time.Time
	Log        zerolog.Logger
}

type handlers struct {
	Deps
}

// RegisterDefaults installs the handlers for every known action type.
func RegisterDefaults(e *Engine, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	e.RegisterHandler(models.ActionGenerateScenes, h.generateScenes)
	e.RegisterHandler(models.ActionGenerateImage, h.generateImage)
	e.RegisterHandler(models.ActionGenerateVideo, h.generateVideo)
	e.RegisterHandler(models.ActionSyncProject, h.syncProject)
	e.RegisterHandler(models.ActionBackupData, h.backupData)
	e.RegisterHandler(models.ActionExportData, h.exportData)
}

func (h *handlers) now() time.Time {
	return h.Now().UTC()
}

func (h *handlers) generateScenes(ctx context.Context, a models.Action) (Outcome, error) {
	p, ok := a.Payload.(models.GenerateScenesPayload)
	if !ok {
		return Outcome{}, payloadMismatch(a)
	}
	if h.Scenes == nil {
		return Outcome{}, unavailable("scene generator")
	}
	project, err := h.Store.FindProject(ctx, p.ProjectID)
	if err != nil {
		return Outcome{}, missing(err, "project", p.ProjectID)
	}
	text := p.SourceText
	if strings.TrimSpace(text) == "" {
		text = project.SourceText
	}
	if strings.TrimSpace(text) == "" {
		return Outcome{}, apperr.Newf(apperr.KindValidation, "project %s has no source text", p.ProjectID)
	}

	drafts, err := h.Scenes.GenerateScenes(ctx, text)
	if err != nil {
		return Outcome{}, err
	}
	if len(drafts) == 0 {
		return Outcome{}, apperr.New(apperr.KindValidation, "scene generator returned no scenes")
	}
	for i, d := range drafts {
		if strings.TrimSpace(d.Description) == "" {
			return Outcome{}, apperr.Newf(apperr.KindValidation, "generated scene %d has no description", i+1)
		}
	}

	return Outcome{
		Result: fmt.Sprintf("%d scenes", len(drafts)),
		Apply: func(ctx context.Context, tx *store.Tx) error {
			now := h.now()
			scenes := make([]models.Scene, len(drafts))
			for i, d := range drafts {
				title := d.Title
				if title == "" {
					title = fmt.Sprintf("Scene %d", i+1)
				}
				scenes[i] = models.Scene{
					ID:          uuid.NewString(),
					ProjectID:   p.ProjectID,
					Index:       i,
					Title:       title,
					Description: d.Description,
					ImagePrompt: d.ImagePrompt,
					DurationMS:  d.DurationMS,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
			}
			if err := tx.ReplaceScenes(ctx, p.ProjectID, scenes); err != nil {
				return err
			}
			project, err := tx.FindProject(ctx, p.ProjectID)
			if err != nil {
				return missing(err, "project", p.ProjectID)
			}
			project.Status = models.ProjectScenesGenerated
			project.Progress = models.ProgressScenesGenerated
			project.UpdatedAt = now
			return tx.UpdateProject(ctx, project)
		},
	}, nil
}

func (h *handlers) generateImage(ctx context.Context, a models.Action) (Outcome, error) {
	p, ok := a.Payload.(models.GenerateImagePayload)
	if !ok {
		return Outcome{}, payloadMismatch(a)
	}
	if h.Images == nil {
		return Outcome{}, unavailable("image generator")
	}
	scene, err := h.Store.FindScene(ctx, p.SceneID)
	if err != nil {
		return Outcome{}, missing(err, "scene", p.SceneID)
	}
	style := p.Style
	if style == "" {
		if project, err := h.Store.FindProject(ctx, scene.ProjectID); err == nil {
			style = project.Style
		}
	}

	imageURL, err := h.Images.GenerateImage(ctx, scene.Prompt(style))
	if err != nil {
		return Outcome{}, err
	}
	if imageURL == "" {
		return Outcome{}, apperr.New(apperr.KindServer, "image generator returned no url")
	}

	thumb := h.thumbnail(ctx, scene.ID, imageURL)

	return Outcome{
		Result: imageURL,
		Apply: func(ctx context.Context, tx *store.Tx) error {
			s, err := tx.FindScene(ctx, p.SceneID)
			if err != nil {
				return missing(err, "scene", p.SceneID)
			}
			s.ImageURL = imageURL
			if thumb != "" {
				s.ThumbnailURI = thumb
			}
			s.UpdatedAt = h.now()
			return tx.UpdateScene(ctx, s)
		},
	}, nil
}

// thumbnail stores a preview of the scene image. Failures only cost the preview.
func (h *handlers) thumbnail(ctx context.Context, sceneID, imageURL string) string {
	if h.Thumbnails == nil || h.Artifacts == nil {
		return ""
	}
	data, err := h.Thumbnails.Thumbnail(ctx, imageURL)
	if err != nil {
		h.Log.Warn().Err(err).Str("scene_id", sceneID).Msg("thumbnail failed")
		return ""
	}
	loc, err := h.Artifacts.Upload(ctx, "thumbnails/"+sceneID+".jpg", data, "image/jpeg")
	if err != nil {
		h.Log.Warn().Err(err).Str("scene_id", sceneID).Msg("thumbnail upload failed")
		return ""
	}
	return loc
}

func (h *handlers) generateVideo(ctx context.Context, a models.Action) (Outcome, error) {
	p, ok := a.Payload.(models.GenerateVideoPayload)
	if !ok {
		return Outcome{}, payloadMismatch(a)
	}
	if h.Videos == nil {
		return Outcome{}, unavailable("video renderer")
	}
	if _, err := h.Store.FindProject(ctx, p.ProjectID); err != nil {
		return Outcome{}, missing(err, "project", p.ProjectID)
	}
	scenes, err := h.Store.ListScenes(ctx, p.ProjectID)
	if err != nil {
		return Outcome{}, err
	}
	if len(scenes) == 0 {
		return Outcome{}, apperr.Newf(apperr.KindValidation, "project %s has no scenes", p.ProjectID)
	}
	var without []string
	for _, s := range scenes {
		if s.ImageURL == "" {
			without = append(without, s.ID)
		}
	}
	if len(without) > 0 {
		return Outcome{}, apperr.Newf(apperr.KindValidation, "scenes without images: %s", strings.Join(without, ", "))
	}

	uri, err := h.Videos.RenderVideo(ctx, p.ProjectID, scenes)
	if err != nil {
		return Outcome{}, err
	}
	if uri == "" {
		return Outcome{}, apperr.New(apperr.KindServer, "video renderer returned no uri")
	}
	if uri, err = h.publishVideo(ctx, p.ProjectID, uri); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result: uri,
		Apply: func(ctx context.Context, tx *store.Tx) error {
			project, err := tx.FindProject(ctx, p.ProjectID)
			if err != nil {
				return missing(err, "project", p.ProjectID)
			}
			project.VideoURI = uri
			project.Progress = models.ProgressVideoRendered
			project.Status = models.ProjectCompleted
			project.UpdatedAt = h.now()
			return tx.UpdateProject(ctx, project)
		},
	}, nil
}

// publishVideo copies a file:// render result into the artifact store. Other
// URIs are kept as they are.
func (h *handlers) publishVideo(ctx context.Context, projectID, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || h.Artifacts == nil {
		return uri, nil
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnknown, "read rendered video", err)
	}
	return h.Artifacts.Upload(ctx, "videos/"+projectID+".mp4", data, "video/mp4")
}

// projectSnapshot is the JSON document written by sync, backup and export.
type projectSnapshot struct {
	Project models.Project `json:"project"`
	Scenes  []models.Scene `json:"scenes"`
}

func (h *handlers) snapshot(ctx context.Context, projectID string) (projectSnapshot, error) {
	project, err := h.Store.FindProject(ctx, projectID)
	if err != nil {
		return projectSnapshot{}, missing(err, "project", projectID)
	}
	scenes, err := h.Store.ListScenes(ctx, projectID)
	if err != nil {
		return projectSnapshot{}, err
	}
	if scenes == nil {
		scenes = []models.Scene{}
	}
	return projectSnapshot{Project: project, Scenes: scenes}, nil
}

func (h *handlers) syncProject(ctx context.Context, a models.Action) (Outcome, error) {
	p, ok := a.Payload.(models.SyncProjectPayload)
	if !ok {
		return Outcome{}, payloadMismatch(a)
	}
	if h.Artifacts == nil {
		return Outcome{}, unavailable("artifact store")
	}
	snap, err := h.snapshot(ctx, p.ProjectID)
	if err != nil {
		return Outcome{}, err
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal project: %w", err)
	}
	loc, err := h.Artifacts.Upload(ctx, "projects/"+p.ProjectID+".json", body, "application/json")
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result: loc,
		Apply: func(ctx context.Context, tx *store.Tx) error {
			project, err := tx.FindProject(ctx, p.ProjectID)
			if err != nil {
				return missing(err, "project", p.ProjectID)
			}
			now := h.now()
			project.SyncedAt = &now
			project.UpdatedAt = now
			return tx.UpdateProject(ctx, project)
		},
	}, nil
}

func (h *handlers) backupData(ctx context.Context, a models.Action) (Outcome, error) {
	p, ok := a.Payload.(models.BackupDataPayload)
	if !ok {
		return Outcome{}, payloadMismatch(a)
	}
	if h.Artifacts == nil {
		return Outcome{}, unavailable("artifact store")
	}
	projects, err := h.Store.ListProjects(ctx)
	if err != nil {
		return Outcome{}, err
	}
	backup := struct {
		CreatedAt time.Time         `json:"created_at"`
		Label     string            `json:"label,omitempty"`
		Projects  []projectSnapshot `json:"projects"`
	}{CreatedAt: h.now(), Label: p.Label, Projects: []projectSnapshot{}}
	for _, project := range projects {
		snap, err := h.snapshot(ctx, project.ID)
		if err != nil {
			return Outcome{}, err
		}
		backup.Projects = append(backup.Projects, snap)
	}

	body, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal backup: %w", err)
	}
	key := "backups/" + backup.CreatedAt.Format("20060102T150405Z")
	if p.Label != "" {
		key += "-" + p.Label
	}
	loc, err := h.Artifacts.Upload(ctx, key+".json", body, "application/json")
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: loc}, nil
}

func (h *handlers) exportData(ctx context.Context, a models.Action) (Outcome, error) {
	p, ok := a.Payload.(models.ExportDataPayload)
	if !ok {
		return Outcome{}, payloadMismatch(a)
	}
	if h.Artifacts == nil {
		return Outcome{}, unavailable("artifact store")
	}
	snap, err := h.snapshot(ctx, p.ProjectID)
	if err != nil {
		return Outcome{}, err
	}

	key := "exports/" + p.ProjectID + "-" + h.now().Format("20060102T150405Z")
	var (
		body        []byte
		contentType string
	)
	switch p.EffectiveFormat() {
	case models.ExportFormatJSON:
		body, err = json.MarshalIndent(snap, "", "  ")
		contentType = "application/json"
		key += ".json"
	default:
		body, err = zipSnapshot(snap)
		contentType = "application/zip"
		key += ".zip"
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("package export: %w", err)
	}

	loc, err := h.Artifacts.Upload(ctx, key, body, contentType)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: loc}, nil
}

func zipSnapshot(snap projectSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name string
		v    any
	}{
		{"project.json", snap.Project},
		{"scenes.json", snap.Scenes},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(f.v); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func payloadMismatch(a models.Action) error {
	return apperr.Newf(apperr.KindValidation, "payload %T does not match action type %s", a.Payload, a.Type)
}

func unavailable(what string) error {
	return apperr.Newf(apperr.KindValidation, "no %s configured", what)
}

// missing turns a not-found lookup into a non-retryable failure and passes
// other errors through.
func missing(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.KindValidation, "%s %s not found", kind, id)
	}
	return err
}
