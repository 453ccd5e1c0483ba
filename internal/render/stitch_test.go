package render

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeConcat struct {
	paths []string
	err   error
}

func (c *fakeConcat) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	c.paths = clipPaths
	if c.err != nil {
		return c.err
	}
	return os.WriteFile(outputPath, []byte("joined"), 0644)
}

func completedRequest(n int) *models.VideoRequest {
	req := &models.VideoRequest{ID: uuid.New(), OwnerID: uuid.New()}
	for i := 0; i < n; i++ {
		req.Segments = append(req.Segments, models.GenerationJob{
			SegmentIndex: i,
			State:        models.JobStateCompleted,
			OutputURL:    "https://videos.example.com/seg" + string(rune('0'+i)) + ".mp4",
		})
	}
	return req
}

func TestStitchJoinsSegmentsInOrder(t *testing.T) {
	concat := &fakeConcat{}
	artifacts := &fakeArtifacts{}
	dir := t.TempDir()
	s := NewSegmentStitcher(concat, artifacts, dir, zerolog.Nop())
	req := completedRequest(3)

	url, err := s.Stitch(context.Background(), req)
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !strings.HasSuffix(url, req.ID.String()+"/stitched.mp4") {
		t.Errorf("unexpected url %q", url)
	}
	if len(concat.paths) != 3 {
		t.Fatalf("expected 3 inputs, got %v", concat.paths)
	}
	for i, p := range concat.paths {
		if !strings.HasSuffix(p, "segment_"+string(rune('0'+i))+".mp4") {
			t.Errorf("input %d is %s", i, p)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("stitch left %d entries behind", len(entries))
	}
}

func TestStitchRejectsIncompleteRequest(t *testing.T) {
	s := NewSegmentStitcher(&fakeConcat{}, &fakeArtifacts{}, t.TempDir(), zerolog.Nop())
	req := completedRequest(2)
	req.Segments[1].State = models.JobStateProcessing

	if _, err := s.Stitch(context.Background(), req); err == nil {
		t.Fatal("expected an error for an unfinished segment")
	}
}

func TestStitchConcatFailure(t *testing.T) {
	dir := t.TempDir()
	s := NewSegmentStitcher(&fakeConcat{err: errors.New("exit status 1")}, &fakeArtifacts{}, dir, zerolog.Nop())

	if _, err := s.Stitch(context.Background(), completedRequest(2)); err == nil {
		t.Fatal("expected concat error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("stitch left %d entries behind after failure", len(entries))
	}
}
