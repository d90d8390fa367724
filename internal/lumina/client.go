// Package lumina is the adapter for the external generation provider. The
// core treats it as opaque, retryable and occasionally permanently failing:
// transient errors come back as plain errors for the queue to redeliver,
// permanent ones as *Error with Permanent set.
package lumina

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mirelle/photoset/internal/config"
)

// Error is a typed provider failure. Permanent means retrying the same input
// cannot succeed (content policy rejection, invalid template).
type Error struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("lumina: %s (%s)", e.Message, e.Code)
}

// IsPermanent reports whether err is a provider failure that retries cannot fix.
func IsPermanent(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Permanent
}

// Request describes one generation call.
type Request struct {
	TemplateID    string
	InputPhotoURL string
	Seed          int64
	HD            bool
}

// Result carries the generated artifacts.
type Result struct {
	Preview  []byte
	Original []byte
	Seed     int64
	Mime     string
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:     cfg.LuminaAPIKey,
		baseURL:    strings.TrimRight(cfg.LuminaBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Generate creates a provider task and polls it to completion. Blocks the
// calling worker for the duration of the provider call.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	payload := map[string]any{
		"template_id": req.TemplateID,
		"hd":          req.HD,
	}
	if req.InputPhotoURL != "" {
		payload["input_url"] = req.InputPhotoURL
	}
	if req.Seed != 0 {
		payload["seed"] = req.Seed
	}

	taskID, err := c.createTask(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return c.pollTask(ctx, taskID)
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs/createTask", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post lumina: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("lumina create task failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", &Error{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: truncateBody(rawBody), Permanent: true}
		}
		return "", fmt.Errorf("lumina error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("decode create task response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("create task failed: code=%d msg=%s", createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}
	return createResp.Data.TaskID, nil
}

func (c *Client) pollTask(ctx context.Context, taskID string) (*Result, error) {
	endpoint := c.baseURL + "/api/v1/jobs/recordInfo?" + url.Values{"taskId": {taskID}}.Encode()

	const maxAttempts = 90
	pollInterval := 2 * time.Second

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get task status: %w", err)
		}
		rawBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("lumina error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
		}

		var statusResp struct {
			Code int `json:"code"`
			Data struct {
				State      string `json:"state"`
				ResultJSON string `json:"resultJson"`
				FailCode   string `json:"failCode"`
				FailMsg    string `json:"failMsg"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rawBody, &statusResp); err != nil {
			return nil, fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(rawBody))
		}

		switch statusResp.Data.State {
		case "success":
			return c.fetchResult(ctx, statusResp.Data.ResultJSON)
		case "fail":
			failMsg := statusResp.Data.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			if permanentFailCode(statusResp.Data.FailCode) {
				return nil, &Error{Code: statusResp.Data.FailCode, Message: failMsg, Permanent: true}
			}
			return nil, fmt.Errorf("task failed: %s (code: %s)", failMsg, statusResp.Data.FailCode)
		case "waiting", "generating", "processing", "queued", "queueing":
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
		default:
			return nil, fmt.Errorf("unknown task state: %s", statusResp.Data.State)
		}
	}
	return nil, fmt.Errorf("task timeout after %d attempts", maxAttempts)
}

func (c *Client) fetchResult(ctx context.Context, resultJSON string) (*Result, error) {
	if resultJSON == "" {
		return nil, fmt.Errorf("empty resultJson in success response")
	}
	var result struct {
		PreviewURL  string `json:"previewUrl"`
		OriginalURL string `json:"originalUrl"`
		Seed        int64  `json:"seed"`
		Mime        string `json:"mime"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("parse resultJson: %w", err)
	}
	if result.OriginalURL == "" {
		return nil, fmt.Errorf("no originalUrl in result")
	}

	original, err := c.download(ctx, result.OriginalURL)
	if err != nil {
		return nil, fmt.Errorf("download original: %w", err)
	}
	preview := original
	if result.PreviewURL != "" {
		preview, err = c.download(ctx, result.PreviewURL)
		if err != nil {
			return nil, fmt.Errorf("download preview: %w", err)
		}
	}
	mime := result.Mime
	if mime == "" {
		mime = "image/jpeg"
	}
	return &Result{Preview: preview, Original: original, Seed: result.Seed, Mime: mime}, nil
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch artifact: status=%d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// permanentFailCode flags provider errors that will repeat on every retry.
func permanentFailCode(code string) bool {
	switch code {
	case "content_policy", "invalid_input", "invalid_template", "nsfw_rejected":
		return true
	}
	return false
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
