// Package remote talks to the generation services: the AI endpoint that turns
// story text into scenes and prompts into images, and the video renderer.
// Every failure comes back as an *apperr.Error so the engine can decide
// whether to retry.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/models"
)

// Limiter gates outbound calls per operation.
type Limiter interface {
	Take(ctx context.Context, operation string) error
}

type endpoint struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter Limiter
}

func newEndpoint(baseURL, apiKey string, timeout time.Duration) endpoint {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return endpoint{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// call POSTs in as JSON to path and decodes the response into out.
func (e *endpoint) call(ctx context.Context, operation, path string, in, out any) error {
	if e.limiter != nil {
		if err := e.limiter.Take(ctx, operation); err != nil {
			return err
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return transportError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apperr.HTTP(resp.StatusCode, fmt.Sprintf("%s: %s", operation, errorMessage(resp)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		var ne net.Error
		if errors.As(err, &ne) {
			return transportError(operation, err)
		}
		return apperr.Wrap(apperr.KindValidation, operation+": malformed response", err)
	}
	return nil
}

func transportError(operation string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperr.Wrap(apperr.KindTimeout, operation+" timed out", err)
	}
	return apperr.Wrap(apperr.KindNetwork, operation+" failed", err)
}

// errorMessage pulls {"error": "..."} out of a failed response, falling back
// to the status text.
func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 200 {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// Client calls the AI generation service.
type Client struct {
	endpoint
}

// New builds a client for the generation service at baseURL.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{endpoint: newEndpoint(baseURL, apiKey, timeout)}
}

// SetLimiter throttles calls through l.
func (c *Client) SetLimiter(l Limiter) {
	c.limiter = l
}

type sceneDTO struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImagePrompt string `json:"image_prompt"`
	DurationMS  int    `json:"duration_ms"`
}

// GenerateScenes splits text into storyboard scenes.
func (c *Client) GenerateScenes(ctx context.Context, text string) ([]models.Scene, error) {
	var out struct {
		Scenes []sceneDTO `json:"scenes"`
	}
	if err := c.call(ctx, "generate_scenes", "/v1/scenes", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	scenes := make([]models.Scene, 0, len(out.Scenes))
	for _, s := range out.Scenes {
		scenes = append(scenes, models.Scene{
			Title:       s.Title,
			Description: s.Description,
			ImagePrompt: s.ImagePrompt,
			DurationMS:  s.DurationMS,
		})
	}
	return scenes, nil
}

// GenerateImage renders prompt and returns the image URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, "generate_image", "/v1/images", map[string]string{"prompt": prompt}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Renderer calls the video rendering service.
type Renderer struct {
	endpoint
}

// NewRenderer builds a renderer client. Rendering is slow, so timeout is
// usually much longer than the generation client's.
func NewRenderer(baseURL, apiKey string, timeout time.Duration) *Renderer {
	return &Renderer{endpoint: newEndpoint(baseURL, apiKey, timeout)}
}

// SetLimiter throttles calls through l.
func (r *Renderer) SetLimiter(l Limiter) {
	r.limiter = l
}

type renderScene struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	Title      string `json:"title"`
	ImageURL   string `json:"image_url"`
	DurationMS int    `json:"duration_ms"`
}

// RenderVideo assembles the scene images into a video and returns its URI.
func (r *Renderer) RenderVideo(ctx context.Context, projectID string, scenes []models.Scene) (string, error) {
	in := struct {
		ProjectID string        `json:"project_id"`
		Scenes    []renderScene `json:"scenes"`
	}{ProjectID: projectID}
	for _, s := range scenes {
		in.Scenes = append(in.Scenes, renderScene{
			ID:         s.ID,
			Index:      s.Index,
			Title:      s.Title,
			ImageURL:   s.ImageURL,
			DurationMS: s.DurationMS,
		})
	}
	var out struct {
		URI string `json:"uri"`
	}
	if err := r.call(ctx, "render_video", "/v1/render", in, &out); err != nil {
		return "", err
	}
	return out.URI, nil
}
