package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is wrapped by every payload validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the typed body of an Action. Each variant belongs to exactly one ActionType.
type Payload interface {
	ActionType() ActionType
	Validate() error
}

// GenerateScenesPayload asks the AI service to split a project's story into scenes.
// SourceText falls back to the project's stored text when empty.
type GenerateScenesPayload struct {
	ProjectID  string `json:"project_id"`
	SourceText string `json:"source_text,omitempty"`
}

func (GenerateScenesPayload) ActionType() ActionType { return ActionGenerateScenes }

func (p GenerateScenesPayload) Validate() error {
	return requireField("project_id", p.ProjectID)
}

// GenerateImagePayload asks for one scene illustration.
type GenerateImagePayload struct {
	SceneID string `json:"scene_id"`
	Style   string `json:"style,omitempty"`
}

func (GenerateImagePayload) ActionType() ActionType { return ActionGenerateImage }

func (p GenerateImagePayload) Validate() error {
	return requireField("scene_id", p.SceneID)
}

// GenerateVideoPayload renders the project's illustrated scenes into a video.
type GenerateVideoPayload struct {
	ProjectID string `json:"project_id"`
}

func (GenerateVideoPayload) ActionType() ActionType { return ActionGenerateVideo }

func (p GenerateVideoPayload) Validate() error {
	return requireField("project_id", p.ProjectID)
}

// SyncProjectPayload pushes a project snapshot to remote storage.
type SyncProjectPayload struct {
	ProjectID string `json:"project_id"`
}

func (SyncProjectPayload) ActionType() ActionType { return ActionSyncProject }

func (p SyncProjectPayload) Validate() error {
	return requireField("project_id", p.ProjectID)
}

// BackupDataPayload snapshots every project.
type BackupDataPayload struct {
	Label string `json:"label,omitempty"`
}

func (BackupDataPayload) ActionType() ActionType { return ActionBackupData }

func (p BackupDataPayload) Validate() error {
	if strings.ContainsAny(p.Label, `/\`) {
		return fmt.Errorf("%w: label must not contain path separators", ErrInvalidPayload)
	}
	return nil
}

// Export formats.
const (
	ExportFormatZip  = "zip"
	ExportFormatJSON = "json"
)

// ExportDataPayload packages one project for download.
type ExportDataPayload struct {
	ProjectID string `json:"project_id"`
	Format    string `json:"format,omitempty"`
}

func (ExportDataPayload) ActionType() ActionType { return ActionExportData }

func (p ExportDataPayload) Validate() error {
	if err := requireField("project_id", p.ProjectID); err != nil {
		return err
	}
	switch p.Format {
	case "", ExportFormatZip, ExportFormatJSON:
		return nil
	}
	return fmt.Errorf("%w: unsupported export format %q", ErrInvalidPayload, p.Format)
}

// EffectiveFormat returns the requested format, defaulting to zip.
func (p ExportDataPayload) EffectiveFormat() string {
	if p.Format == "" {
		return ExportFormatZip
	}
	return p.Format
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, name)
	}
	return nil
}

// DecodePayload maps the stored JSON body of an action of type t onto its variant and validates it.
func DecodePayload(t ActionType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case ActionGenerateScenes:
		p = &GenerateScenesPayload{}
	case ActionGenerateImage:
		p = &GenerateImagePayload{}
	case ActionGenerateVideo:
		p = &GenerateVideoPayload{}
	case ActionSyncProject:
		p = &SyncProjectPayload{}
	case ActionBackupData:
		p = &BackupDataPayload{}
	case ActionExportData:
		p = &ExportDataPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidPayload, t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, t, err)
		}
	}
	p = deref(p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload renders p as the JSON stored alongside the action.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// deref turns the pointer used for decoding back into the value variant, so
// type switches elsewhere only ever see values.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *GenerateScenesPayload:
		return *v
	case *GenerateImagePayload:
		return *v
	case *GenerateVideoPayload:
		return *v
	case *SyncProjectPayload:
		return *v
	case *BackupDataPayload:
		return *v
	case *ExportDataPayload:
		return *v
	}
	return p
}
