package models

import "time"

// Project status values.
const (
	ProjectDraft           = "draft"
	ProjectScenesGenerated = "scenes_generated"
	ProjectCompleted       = "completed"
)

// Progress milestones written by the engine.
const (
	ProgressScenesGenerated = 0.5
	ProgressVideoRendered   = 1.0
)

// Project is a story being turned into a storyboard and video.
type Project struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	SourceText string     `json:"source_text"`
	Style      string     `json:"style,omitempty"`
	Status     string     `json:"status"`
	Progress   float64    `json:"progress"`
	VideoURI   string     `json:"video_uri,omitempty"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Scene is one storyboard panel of a project.
type Scene struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ImagePrompt  string    `json:"image_prompt,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	ThumbnailURI string    `json:"thumbnail_uri,omitempty"`
	DurationMS   int       `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Prompt returns the text sent to the image generator for this scene.
func (s Scene) Prompt(style string) string {
	prompt := s.ImagePrompt
	if prompt == "" {
		prompt = s.Description
	}
	if style != "" {
		prompt += ", " + style + " style"
	}
	return prompt
}
