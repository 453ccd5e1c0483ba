package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video provider
// Deferred request pattern: submit generation → poll by request_id. The
// pipeline owns the polling cadence, so each call here is a single round trip.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL         = "https://api.x.ai/v1"
	xaiVideoModel      = "grok-imagine-video"
	xaiMinDuration     = 1  // xAI minimum video duration
	xaiMaxDuration     = 15 // xAI maximum video duration
	xaiDefaultDuration = 10
	xaiHTTPTimeout     = 30 * time.Second
)

// XAIProvider implements VideoProvider against xAI's video API.
type XAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewXAIProvider(apiKey string, logger zerolog.Logger) *XAIProvider {
	return &XAIProvider{
		apiKey:  apiKey,
		baseURL: xaiBaseURL,
		httpClient: &http.Client{
			Timeout: xaiHTTPTimeout,
		},
		log: logger.With().Str("provider", "xai").Logger(),
	}
}

// WithBaseURL points the provider at a different API root (used in tests).
func (p *XAIProvider) WithBaseURL(baseURL string) *XAIProvider {
	p.baseURL = strings.TrimRight(baseURL, "/")
	return p
}

func (p *XAIProvider) Name() string { return "xai" }

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Duration    int    `json:"duration,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response from GET /v1/videos/{request_id}.
//
// xAI returns different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"grok-imagine-video"}
//     (no "status" field when completed)
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Duration     int    `json:"duration"`
}

// Submit starts a generation and returns its initial status.
func (p *XAIProvider) Submit(ctx context.Context, req SubmitRequest) (*ProviderStatus, error) {
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = xaiDefaultDuration
	}
	if duration < xaiMinDuration {
		duration = xaiMinDuration
	}
	if duration > xaiMaxDuration {
		duration = xaiMaxDuration
	}

	model := req.Model
	if model == "" {
		model = xaiVideoModel
	}

	body := xaiGenerationRequest{
		Prompt:      req.Prompt,
		Model:       model,
		Duration:    duration,
		AspectRatio: AspectRatioForSize(req.Size),
		Resolution:  ResolutionForSize(req.Size),
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	p.log.Debug().
		Int("prompt_len", len(req.Prompt)).
		Int("duration", duration).
		Str("aspect", body.AspectRatio).
		Msg("submitting video generation")

	respBody, err := p.do(ctx, http.MethodPost, "/videos/generations", jsonData,
		http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to submit video generation: %w", err)
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(respBody))
	}
	if genResp.RequestID == "" {
		return nil, fmt.Errorf("no request_id in generation response: %s", string(respBody))
	}

	p.log.Info().Str("request_id", genResp.RequestID).Msg("generation submitted")

	return Accepted(genResp.RequestID), nil
}

// Retrieve fetches the current status of a generation.
func (p *XAIProvider) Retrieve(ctx context.Context, providerJobID string) (*ProviderStatus, error) {
	if providerJobID == "" {
		return nil, fmt.Errorf("provider job id is required")
	}

	// 202 means still processing, 200 carries the final result.
	respBody, err := p.do(ctx, http.MethodGet, "/videos/"+providerJobID, nil,
		http.StatusOK, http.StatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to poll video result: %w", err)
	}

	var result xaiVideoResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w (body: %s)", err, string(respBody))
	}

	status := &ProviderStatus{
		ID:        providerJobID,
		RawStatus: result.Status,
		State:     MapStatus(result.Status),
		Error:     result.Error,
	}

	// A completed job has a video object and no status field.
	if result.Video != nil && result.Video.URL != "" {
		status.OutputURL = result.Video.URL
		status.ThumbnailURL = result.Video.ThumbnailURL
		if result.Status == "" {
			status.RawStatus = "completed"
			status.State = models.JobStateCompleted
		}
	}

	if status.State == models.JobStateFailed && status.Error == "" {
		status.Error = "unknown error"
	}

	return status, nil
}

func (p *XAIProvider) do(ctx context.Context, method, path string, payload []byte, okStatus ...int) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	for _, code := range okStatus {
		if resp.StatusCode == code {
			return body, nil
		}
	}
	return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(body))
}
