package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/disintegration/imaging"

	"storyboard-sync/internal/apperr"
)

// Thumbnailer downloads a scene image and renders a fixed-width JPEG preview.
type Thumbnailer struct {
	httpClient *http.Client
	width      int
	maxBytes   int64
}

// NewThumbnailer builds a thumbnailer producing previews width pixels wide.
func NewThumbnailer(width int, timeout time.Duration) *Thumbnailer {
	if width <= 0 {
		width = 320
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Thumbnailer{
		httpClient: &http.Client{Timeout: timeout},
		width:      width,
		maxBytes:   25 * 1024 * 1024,
	}
}

// Thumbnail returns the JPEG preview of the image at src, which may be an
// http(s) URL, a file:// URL or a local path.
func (t *Thumbnailer) Thumbnail(ctx context.Context, src string) ([]byte, error) {
	data, err := t.fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, fmt.Errorf("invalid image dimensions")
	}

	img = imaging.Resize(img, t.width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *Thumbnailer) fetch(ctx context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := src
		if err == nil && u.Scheme == "file" {
			path = u.Path
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, "download image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, apperr.HTTP(resp.StatusCode, "download image")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > t.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", t.maxBytes)
	}
	return body, nil
}
