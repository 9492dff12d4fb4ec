package perception

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"aura/internal/config"
	"aura/internal/model"
)

const (
	describePrompt = "Describe this scene for a blind person. Focus on:\n" +
		"- People and their actions\n" +
		"- Objects and their locations\n" +
		"- Potential hazards\n" +
		"- Spatial layout\n" +
		"Be concise (2-4 sentences)."
	trafficPrompt = "What color is the traffic light in this image? Answer only with: red, yellow, green, or none."

	SceneUnavailable = "Scene description unavailable. Please check API configuration."
	SceneRateLimited = "Rate limit reached. Please wait a moment."
)

var ErrRateLimited = errors.New("scene model rate limit reached")

// SceneAI describes frames and reads traffic lights with a generative vision
// model. Answers are cached per frame content for a short time.
type SceneAI struct {
	apiKey   string
	model    string
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	cache    *expirable.LRU[string, string]
}

func NewSceneAI(cfg config.SceneConfig) *SceneAI {
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 15
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 32
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SceneAI{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		cache:    expirable.NewLRU[string, string](size, nil, cfg.CacheDuration),
	}
}

func (s *SceneAI) Configured() bool { return s.apiKey != "" }

// DescribeScene returns a spoken description. Missing configuration and the
// rate limit produce a fixed utterance rather than an error.
func (s *SceneAI) DescribeScene(ctx context.Context, frame model.Frame) (string, error) {
	if !s.Configured() {
		return SceneUnavailable, nil
	}
	text, err := s.ask(ctx, "describe", describePrompt, frame)
	if errors.Is(err, ErrRateLimited) {
		return SceneRateLimited, nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (s *SceneAI) DetectTrafficLight(ctx context.Context, frame model.Frame) (string, bool, error) {
	if !s.Configured() {
		return "", false, nil
	}
	text, err := s.ask(ctx, "traffic", trafficPrompt, frame)
	if err != nil {
		return "", false, err
	}
	color := ParseTrafficColor(text)
	return color, color != "", nil
}

// ParseTrafficColor extracts red, yellow or green from a model answer.
func ParseTrafficColor(answer string) string {
	a := strings.ToLower(answer)
	for _, c := range []string{"red", "yellow", "green"} {
		if strings.Contains(a, c) {
			return c
		}
	}
	return ""
}

func (s *SceneAI) ask(ctx context.Context, kind, prompt string, frame model.Frame) (string, error) {
	sum := sha256.Sum256(frame.Data)
	key := kind + ":" + hex.EncodeToString(sum[:])
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	if !s.limiter.Allow() {
		return "", ErrRateLimited
	}
	text, err := s.generate(ctx, prompt, frame.Data)
	if err != nil {
		return "", err
	}
	s.cache.Add(key, text)
	return text, nil
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *SceneAI) generate(ctx context.Context, prompt string, image []byte) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{
		{Text: prompt},
		{InlineData: &inlineData{MimeType: "image/jpeg", Data: image}},
	}}}})
	if err != nil {
		return "", err
	}
	u := fmt.Sprintf("%s/models/%s:generateContent?key=%s", s.endpoint, url.PathEscape(s.model), url.QueryEscape(s.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode scene response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("scene model: %s", out.Error.Message)
		}
		return "", fmt.Errorf("scene model: status %d", resp.StatusCode)
	}
	var sb strings.Builder
	for _, c := range out.Candidates {
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("scene model returned no text")
	}
	return sb.String(), nil
}
