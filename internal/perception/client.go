// Package perception adapts the inference sidecar and the generative scene
// model to the capability contracts used by the scheduler and controller.
package perception

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const contentTypeMsgpack = "application/msgpack"

// Client talks to the inference sidecar. Requests and responses are MsgPack
// so frames travel as raw bytes.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

type frameRequest struct {
	Image  []byte `msgpack:"image"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
}

type RawDetection struct {
	Class      string  `msgpack:"class"`
	Confidence float64 `msgpack:"confidence"`
	BBox       [4]int  `msgpack:"bbox"`
}

type RawFace struct {
	BBox      [4]int    `msgpack:"bbox"`
	Embedding []float64 `msgpack:"embedding"`
}

type detectResponse struct {
	Detections []RawDetection `msgpack:"detections"`
}

type facesResponse struct {
	Faces []RawFace `msgpack:"faces"`
}

type ocrResponse struct {
	Text string `msgpack:"text"`
}

type errorResponse struct {
	Error string `msgpack:"error"`
}

func (c *Client) Detect(ctx context.Context, image []byte, width, height int) ([]RawDetection, error) {
	var out detectResponse
	if err := c.call(ctx, "/detect", frameRequest{Image: image, Width: width, Height: height}, &out); err != nil {
		return nil, err
	}
	return out.Detections, nil
}

// Faces returns every face found in image with its embedding.
func (c *Client) Faces(ctx context.Context, image []byte, width, height int) ([]RawFace, error) {
	var out facesResponse
	if err := c.call(ctx, "/faces", frameRequest{Image: image, Width: width, Height: height}, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

func (c *Client) ReadText(ctx context.Context, image []byte, width, height int) (string, error) {
	var out ocrResponse
	if err := c.call(ctx, "/ocr", frameRequest{Image: image, Width: width, Height: height}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) call(ctx context.Context, path string, in, out any) error {
	body, err := msgpack.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeMsgpack)
	req.Header.Set("Accept", contentTypeMsgpack)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if msgpack.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", path, e.Error)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

var ErrNoFace = errors.New("could not detect face in image")
