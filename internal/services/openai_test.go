package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

type fakeChat struct {
	content  string
	chatErr  error
	audio    string // verbose_json transcription body
	audioErr error
	lastReq  openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.chatErr != nil {
		return openai.ChatCompletionResponse{}, f.chatErr
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
	}, nil
}

func (f *fakeChat) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	if f.audioErr != nil {
		return openai.AudioResponse{}, f.audioErr
	}
	var resp openai.AudioResponse
	if f.audio != "" {
		if err := json.Unmarshal([]byte(f.audio), &resp); err != nil {
			return openai.AudioResponse{}, err
		}
	}
	return resp, nil
}

func newFakeOpenAI(f *fakeChat) *OpenAIService {
	return &OpenAIService{client: f, log: zerolog.Nop()}
}

func TestFallbackSuffixes(t *testing.T) {
	if got := FallbackSuffixes(1); len(got) != 1 || got[0] != "" {
		t.Errorf("single segment should have no suffix, got %q", got)
	}

	got := FallbackSuffixes(3)
	for i, want := range []string{"Part 1 of 3.", "Part 2 of 3.", "Part 3 of 3."} {
		if !strings.HasPrefix(got[i], want) {
			t.Errorf("suffix %d = %q, want prefix %q", i, got[i], want)
		}
	}
}

func TestPlanSegmentSuffixes(t *testing.T) {
	f := &fakeChat{content: `{"segments":[{"index":1,"suffix":"push in"},{"index":0,"suffix":"wide open"}]}`}
	s := newFakeOpenAI(f)

	got := s.PlanSegmentSuffixes(context.Background(), "a sneaker on a pedestal", []int{10, 10})
	if len(got) != 2 || got[0] != "wide open" || got[1] != "push in" {
		t.Errorf("unexpected suffixes %q", got)
	}
	if f.lastReq.ResponseFormat == nil || f.lastReq.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Error("planner should request JSON mode")
	}
}

func TestPlanSegmentSuffixesFallsBack(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeChat
	}{
		{"request error", &fakeChat{chatErr: errors.New("rate limited")}},
		{"bad json", &fakeChat{content: `not json`}},
		{"missing segment", &fakeChat{content: `{"segments":[{"index":0,"suffix":"only one"}]}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newFakeOpenAI(tt.fake).PlanSegmentSuffixes(context.Background(), "p", []int{5, 5})
			want := FallbackSuffixes(2)
			if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
				t.Errorf("expected fallback suffixes, got %q", got)
			}
		})
	}
}

func TestPlanSegmentSuffixesWithoutClient(t *testing.T) {
	var s *OpenAIService
	if got := s.PlanSegmentSuffixes(context.Background(), "p", []int{4, 4, 4}); len(got) != 3 {
		t.Errorf("expected 3 fallback suffixes, got %d", len(got))
	}
}

func TestTranscribeCaptions(t *testing.T) {
	f := &fakeChat{audio: `{"text":"buy now!","words":[{"word":" buy ","start":0,"end":0.3},{"word":"now!","start":0.3,"end":0.6}]}`}

	cues, err := newFakeOpenAI(f).TranscribeCaptions(context.Background(), []byte("mp3"))
	if err != nil {
		t.Fatalf("TranscribeCaptions: %v", err)
	}
	if len(cues) != 1 || cues[0].Text != "buy now!" || cues[0].EndTime != 0.6 {
		t.Errorf("unexpected cues %+v", cues)
	}

	if _, err := newFakeOpenAI(&fakeChat{}).TranscribeCaptions(context.Background(), nil); err == nil {
		t.Error("expected error when whisper returns no words")
	}
}
