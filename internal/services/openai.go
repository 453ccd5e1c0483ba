package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const planModel = "gpt-5-mini"

// chatClient is the subset of the go-openai client used here.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

type OpenAIService struct {
	client chatClient
	log    zerolog.Logger
}

func NewOpenAIService(apiKey string, logger zerolog.Logger) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		log:    logging.WithComponent(logger, "openai"),
	}
}

// segmentPlan is the JSON object the planner is asked to return.
type segmentPlan struct {
	Segments []struct {
		Index  int    `json:"index"`
		Suffix string `json:"suffix"`
	} `json:"segments"`
}

// FallbackSuffixes is the deterministic plan used when no planner is
// configured or the planner fails.
func FallbackSuffixes(n int) []string {
	suffixes := make([]string, n)
	if n <= 1 {
		return suffixes
	}
	for i := range suffixes {
		switch i {
		case 0:
			suffixes[i] = fmt.Sprintf("Part 1 of %d. Open the scene and establish the subject.", n)
		case n - 1:
			suffixes[i] = fmt.Sprintf("Part %d of %d. Continue seamlessly from the previous shot and bring the scene to a clean ending.", n, n)
		default:
			suffixes[i] = fmt.Sprintf("Part %d of %d. Continue seamlessly from the previous shot with the same subject, lighting and camera style.", i+1, n)
		}
	}
	return suffixes
}

// PlanSegmentSuffixes asks the model for one continuity suffix per segment.
// It never fails: any error falls back to FallbackSuffixes.
func (s *OpenAIService) PlanSegmentSuffixes(ctx context.Context, prompt string, durations []int) []string {
	n := len(durations)
	if n <= 1 || s == nil || s.client == nil {
		return FallbackSuffixes(n)
	}

	suffixes, err := s.planSegmentSuffixes(ctx, prompt, durations)
	if err != nil {
		s.log.Warn().Err(err).Int("segments", n).Msg("segment planning failed, using fallback suffixes")
		return FallbackSuffixes(n)
	}
	return suffixes
}

func (s *OpenAIService) planSegmentSuffixes(ctx context.Context, prompt string, durations []int) ([]string, error) {
	n := len(durations)

	var user strings.Builder
	fmt.Fprintf(&user, "Base prompt:\n%s\n\nSegments:\n", prompt)
	for i, d := range durations {
		fmt.Fprintf(&user, "- index %d: %d seconds\n", i, d)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: planModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: `You split a short marketing video into consecutive AI-generated shots.
For each segment write one short suffix (max 40 words) that is appended to the base prompt.
Suffixes must keep the subject, style and lighting consistent and describe how the shot continues from the previous one.
Respond with JSON: {"segments":[{"index":0,"suffix":"..."}]}`,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: user.String(),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	var plan segmentPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w (raw: %s)", err, truncateString(raw, 500))
	}

	suffixes := make([]string, n)
	for _, seg := range plan.Segments {
		if seg.Index < 0 || seg.Index >= n {
			continue
		}
		suffixes[seg.Index] = strings.TrimSpace(seg.Suffix)
	}
	for i, sfx := range suffixes {
		if sfx == "" {
			return nil, fmt.Errorf("plan is missing a suffix for segment %d", i)
		}
	}

	s.log.Debug().Int("segments", n).Msg("segment suffixes planned")
	return suffixes, nil
}

// ---------------------------------------------------------------------------
// Whisper transcription with word-level timestamps for captions
// ---------------------------------------------------------------------------

// WordTimestamp represents a single word with its timing from Whisper.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
}

// TranscribeAudio sends audio to OpenAI Whisper and returns word-level timestamps.
func (s *OpenAIService) TranscribeAudio(ctx context.Context, audioData []byte, language string) ([]WordTimestamp, error) {
	if language == "" {
		language = "en"
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audioData),
		FilePath: "audio.mp3", // Filename hint for the API (required by the library)
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", truncateString(resp.Text, 80))
	}

	words := make([]WordTimestamp, len(resp.Words))
	for i, w := range resp.Words {
		words[i] = WordTimestamp{
			Word:  strings.TrimSpace(w.Word),
			Start: w.Start,
			End:   w.End,
		}
	}

	s.log.Debug().
		Int("words", len(words)).
		Float64("duration", resp.Duration).
		Msg("audio transcribed")

	return words, nil
}

// TranscribeCaptions derives caption cues from an audio track.
func (s *OpenAIService) TranscribeCaptions(ctx context.Context, audioData []byte) ([]models.CaptionCue, error) {
	words, err := s.TranscribeAudio(ctx, audioData, "")
	if err != nil {
		return nil, err
	}
	return CuesFromWords(words), nil
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
