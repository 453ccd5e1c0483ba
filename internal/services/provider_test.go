package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/rs/zerolog"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want models.JobState
	}{
		{"queued", models.JobStateProcessing},
		{"pending", models.JobStateProcessing},
		{"starting", models.JobStateProcessing},
		{"running", models.JobStateProcessing},
		{"processing", models.JobStateProcessing},
		{"in_progress", models.JobStateProcessing},
		{"IN-PROGRESS", models.JobStateProcessing},
		{"completed", models.JobStateCompleted},
		{"succeeded", models.JobStateCompleted},
		{"Success", models.JobStateCompleted},
		{"done", models.JobStateCompleted},
		{"failed", models.JobStateFailed},
		{"canceled", models.JobStateFailed},
		{"cancelled", models.JobStateFailed},
		{"error", models.JobStateFailed},
		{" expired ", models.JobStateFailed},
		{"weird_state", models.JobStateProcessing},
		{"", models.JobStateProcessing},
	}

	for _, tt := range tests {
		if got := MapStatus(tt.raw); got != tt.want {
			t.Errorf("MapStatus(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	for size, want := range map[string]bool{
		"720x1280":  true,
		"1920X1080": true,
		"0x100":     false,
		"720":       false,
		"ax1280":    false,
		"":          false,
	} {
		if _, _, ok := ParseSize(size); ok != want {
			t.Errorf("ParseSize(%q) ok = %v, want %v", size, ok, want)
		}
	}
}

func TestSizeMapping(t *testing.T) {
	tests := []struct {
		size       string
		aspect     string
		resolution string
	}{
		{"720x1280", "9:16", "720p"},
		{"1920x1080", "16:9", "1080p"},
		{"480x480", "1:1", "480p"},
		{"garbage", "9:16", "720p"},
		{"", "9:16", "720p"},
	}

	for _, tt := range tests {
		if got := AspectRatioForSize(tt.size); got != tt.aspect {
			t.Errorf("AspectRatioForSize(%q) = %s, want %s", tt.size, got, tt.aspect)
		}
		if got := ResolutionForSize(tt.size); got != tt.resolution {
			t.Errorf("ResolutionForSize(%q) = %s, want %s", tt.size, got, tt.resolution)
		}
	}
}

func newTestXAI(t *testing.T, handler http.HandlerFunc) *XAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewXAIProvider("test-key", zerolog.Nop()).WithBaseURL(srv.URL)
}

func TestXAISubmit(t *testing.T) {
	var got xaiGenerationRequest
	p := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/videos/generations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"request_id":"req_123"}`))
	})

	status, err := p.Submit(context.Background(), SubmitRequest{
		Prompt:          "a neon city at night",
		DurationSeconds: 40,
		Size:            "1280x720",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if status.ID != "req_123" || status.State != models.JobStateQueued {
		t.Errorf("unexpected status %+v", status)
	}
	if got.Duration != xaiMaxDuration {
		t.Errorf("duration should be clamped to %d, got %d", xaiMaxDuration, got.Duration)
	}
	if got.Model != xaiVideoModel || got.AspectRatio != "16:9" {
		t.Errorf("unexpected request body %+v", got)
	}
}

func TestXAISubmitRejectsMissingRequestID(t *testing.T) {
	p := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	if _, err := p.Submit(context.Background(), SubmitRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error for missing request_id")
	}
}

func TestXAIRetrieve(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		body      string
		wantState models.JobState
		wantURL   string
		wantErr   bool
	}{
		{"pending", http.StatusAccepted, `{"status":"pending"}`, models.JobStateProcessing, "", false},
		{"completed without status", http.StatusOK, `{"video":{"url":"https://vidgen.x.ai/out.mp4","duration":8}}`, models.JobStateCompleted, "https://vidgen.x.ai/out.mp4", false},
		{"failed", http.StatusOK, `{"status":"failed","error":"moderation"}`, models.JobStateFailed, "", false},
		{"unknown status", http.StatusOK, `{"status":"weird_state"}`, models.JobStateProcessing, "", false},
		{"server error", http.StatusInternalServerError, `oops`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/videos/req_1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			})

			status, err := p.Retrieve(context.Background(), "req_1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if status.State != tt.wantState {
				t.Errorf("state = %s, want %s", status.State, tt.wantState)
			}
			if status.OutputURL != tt.wantURL {
				t.Errorf("url = %q, want %q", status.OutputURL, tt.wantURL)
			}
			if tt.wantState == models.JobStateFailed && status.Error == "" {
				t.Error("failed status should carry an error")
			}
		})
	}
}
