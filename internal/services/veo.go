package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo video provider
// Uses the Google Gen AI SDK. Submit starts a long-running operation and
// returns its name; Retrieve re-reads the operation by name. Finished videos
// live behind the Files API, so they are downloaded and republished to
// storage before their URL leaves the provider.
// ---------------------------------------------------------------------------

const defaultVeoModel = "veo-3.1-generate-preview"

// Publisher stores a finished video where clients and the stitcher can read
// it without provider credentials.
type Publisher interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	GetPublicURL(objectPath string) string
}

// VeoProvider implements VideoProvider on Google's Veo models.
type VeoProvider struct {
	apiKey    string
	model     string
	publisher Publisher
	download  func(ctx context.Context, video *genai.Video) ([]byte, error)
	log       zerolog.Logger
}

// NewVeoProvider creates a Veo provider. An empty model defaults to
// veo-3.1-generate-preview.
func NewVeoProvider(apiKey, model string, publisher Publisher, logger zerolog.Logger) *VeoProvider {
	if model == "" {
		model = defaultVeoModel
	}
	p := &VeoProvider{
		apiKey:    apiKey,
		model:     model,
		publisher: publisher,
		log:       logger.With().Str("provider", "veo").Logger(),
	}
	p.download = p.downloadVideo
	return p
}

func (p *VeoProvider) Name() string { return "veo" }

func (p *VeoProvider) client(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

func (p *VeoProvider) Submit(ctx context.Context, req SubmitRequest) (*ProviderStatus, error) {
	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" || !strings.HasPrefix(model, "veo") {
		model = p.model
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:    AspectRatioForSize(req.Size),
		Resolution:     ResolutionForSize(req.Size),
		NumberOfVideos: 1,
	}
	if req.DurationSeconds > 0 {
		d := int32(req.DurationSeconds)
		config.DurationSeconds = &d
	}

	p.log.Debug().Str("model", model).Int("prompt_len", len(req.Prompt)).Msg("starting video generation")

	operation, err := client.Models.GenerateVideos(ctx, model, req.Prompt, nil, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}
	if operation.Name == "" {
		return nil, fmt.Errorf("video generation returned no operation name")
	}

	p.log.Info().Str("operation", operation.Name).Msg("operation started")

	if !operation.Done {
		return Accepted(operation.Name), nil
	}
	return p.finish(ctx, operation)
}

func (p *VeoProvider) Retrieve(ctx context.Context, providerJobID string) (*ProviderStatus, error) {
	if providerJobID == "" {
		return nil, fmt.Errorf("provider job id is required")
	}
	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	operation, err := client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: providerJobID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to poll operation: %w", err)
	}
	if operation.Name == "" {
		operation.Name = providerJobID
	}

	return p.finish(ctx, operation)
}

// finish maps the operation and, once it produced a video, republishes it.
func (p *VeoProvider) finish(ctx context.Context, op *genai.GenerateVideosOperation) (*ProviderStatus, error) {
	status, video := statusFromOperation(op)
	if video == nil {
		return status, nil
	}

	url, err := p.publish(ctx, op.Name, video)
	if err != nil {
		return nil, err
	}
	status.OutputURL = url
	return status, nil
}

// publish copies a generated video into storage under a path derived from
// the operation name, so a repeated poll overwrites the same object.
func (p *VeoProvider) publish(ctx context.Context, operation string, video *genai.Video) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("no storage configured for veo outputs")
	}

	data := video.VideoBytes
	if len(data) == 0 {
		var err error
		if data, err = p.download(ctx, video); err != nil {
			return "", fmt.Errorf("failed to download generated video: %w", err)
		}
	}
	if len(data) == 0 {
		return "", fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	contentType := video.MIMEType
	if contentType == "" {
		contentType = "video/mp4"
	}
	objectPath := path.Join("generated", "veo", path.Base(operation)+".mp4")
	if err := p.publisher.Upload(ctx, objectPath, data, contentType); err != nil {
		return "", fmt.Errorf("failed to store generated video: %w", err)
	}

	p.log.Info().Str("operation", operation).Int("bytes", len(data)).Msg("video stored")
	return p.publisher.GetPublicURL(objectPath), nil
}

func (p *VeoProvider) downloadVideo(ctx context.Context, video *genai.Video) ([]byte, error) {
	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	downloadURI := genai.NewDownloadURIFromVideo(video)
	return client.Files.Download(ctx, downloadURI, nil)
}

// statusFromOperation maps a Veo operation onto the provider-neutral status.
// video is set only for a successfully finished operation.
func statusFromOperation(op *genai.GenerateVideosOperation) (status *ProviderStatus, video *genai.Video) {
	status = &ProviderStatus{ID: op.Name}

	if !op.Done {
		status.RawStatus = "running"
		status.State = MapStatus(status.RawStatus)
		return status, nil
	}

	// Operation-level errors (invalid request, quota exceeded)
	if len(op.Error) > 0 {
		status.RawStatus = "failed"
		status.State = models.JobStateFailed
		if msg, ok := op.Error["message"].(string); ok && msg != "" {
			status.Error = msg
		} else {
			errJSON, _ := json.Marshal(op.Error)
			status.Error = string(errJSON)
		}
		return status, nil
	}

	if op.Response == nil {
		status.RawStatus = "failed"
		status.State = models.JobStateFailed
		status.Error = "no response in completed operation"
		return status, nil
	}

	// Blocked by Responsible AI safety filters
	if op.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(op.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(op.Response.RAIMediaFilteredReasons, ", ")
		}
		status.RawStatus = "failed"
		status.State = models.JobStateFailed
		status.Error = fmt.Sprintf("video blocked by safety filters: %s", reasons)
		return status, nil
	}

	if len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		status.RawStatus = "failed"
		status.State = models.JobStateFailed
		status.Error = "no videos in response"
		return status, nil
	}

	status.RawStatus = "completed"
	status.State = models.JobStateCompleted
	return status, op.Response.GeneratedVideos[0].Video
}
