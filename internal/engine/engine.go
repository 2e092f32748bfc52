// Package engine talks to the face detection and embedding server.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-identity/internal/face"
	"github.com/kozaktomas/face-identity/internal/imaging"
)

const (
	defaultEmbeddingURL = "http://localhost:8000"
	defaultTimeout      = 10 * time.Second

	facePath   = "/embed/face"
	healthPath = "/health"
)

// Observer receives the latency and outcome of every server call.
type Observer func(op string, elapsed time.Duration, err error)

// Client detects faces and computes their embeddings using the embedding server.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	observe Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.client = h }
}

// WithObserver registers a callback invoked after every server call.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

// New creates a client. timeout bounds each call; zero uses a 10s default.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
		observe: func(string, time.Duration, error) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// faceDetection is a single detected face. Pose, when present, is
// [pitch, yaw, roll] in degrees.
type faceDetection struct {
	FaceIndex  int       `json:"face_index"`
	Dim        int       `json:"dim"`
	Embedding  []float32 `json:"embedding"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore   float64   `json:"det_score"`
	Pose       []float64 `json:"pose,omitempty"`
	Sharpness  *float64  `json:"sharpness,omitempty"`
	Brightness *float64  `json:"brightness,omitempty"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	Model      string          `json:"model"`
}

func modelErr(err error) error {
	return face.Wrap(face.KindModel, "Face recognition model failed to process the image.", err)
}

// DetectAndEmbed returns one observation per face found in the image.
// Undecodable input is a validation error for that image only; any failure of
// the server itself is a ModelError.
func (c *Client) DetectAndEmbed(ctx context.Context, imageData []byte) ([]face.Observation, error) {
	img, _, err := imaging.Decode(imageData)
	if err != nil {
		return nil, &face.Error{
			Kind:    face.KindValidation,
			Reason:  "invalid_image",
			Message: "Could not decode image. It might be corrupt or in an unsupported format.",
			Err:     err,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	body, err := c.postMultipartImage(ctx, facePath, imageData)
	c.observe("detect", time.Since(start), err)
	if err != nil {
		return nil, modelErr(err)
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, modelErr(fmt.Errorf("failed to parse response: %w", err))
	}

	now := time.Now().UTC()
	obs := make([]face.Observation, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.BBox) != 4 {
			return nil, modelErr(fmt.Errorf("face %d: bbox has %d values", f.FaceIndex, len(f.BBox)))
		}
		o := face.Observation{
			Embedding:   f.Embedding,
			BBox:        face.BBox{f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]},
			DetScore:    f.DetScore,
			Sharpness:   face.Unmeasured,
			Brightness:  face.Unmeasured,
			ImageWidth:  resp.Width,
			ImageHeight: resp.Height,
			Timestamp:   now,
		}
		if len(f.Pose) == 3 {
			o.Pose = &face.Pose{Pitch: f.Pose[0], Yaw: f.Pose[1], Roll: f.Pose[2]}
		}
		if f.Sharpness != nil {
			o.Sharpness = *f.Sharpness
		}
		if f.Brightness != nil {
			o.Brightness = *f.Brightness
		}
		obs = append(obs, o)
	}

	imaging.Measure(img, obs)
	return obs, nil
}

// Ping checks that the embedding server is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
	}
	c.observe("ping", time.Since(start), err)
	return err
}

// postMultipartImage posts the image as the "file" form field with a content
// type detected from its magic bytes.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	switch {
	case data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	case data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38:
		return "image/gif"
	case data[0] == 0x42 && data[1] == 0x4D:
		return "image/bmp"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	}
	return "application/octet-stream"
}
