package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Concatenator interface {
	ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error
}

// SegmentStitcher joins the generated segments of a request, in order, into
// one video.
type SegmentStitcher struct {
	concat    Concatenator
	artifacts Artifacts
	tempDir   string
	log       zerolog.Logger
}

func NewSegmentStitcher(concat Concatenator, artifacts Artifacts, tempDir string, logger zerolog.Logger) *SegmentStitcher {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &SegmentStitcher{
		concat:    concat,
		artifacts: artifacts,
		tempDir:   tempDir,
		log:       logging.WithComponent(logger, "stitcher"),
	}
}

// Stitch downloads every segment output, concatenates them and uploads the
// result. It returns the public URL of the stitched video.
func (s *SegmentStitcher) Stitch(ctx context.Context, req *models.VideoRequest) (string, error) {
	if len(req.Segments) == 0 {
		return "", errors.New("request has no segments")
	}
	for _, seg := range req.Segments {
		if seg.State != models.JobStateCompleted || seg.OutputURL == "" {
			return "", fmt.Errorf("segment %d is not ready", seg.SegmentIndex)
		}
	}

	workDir, err := os.MkdirTemp(s.tempDir, "stitch-"+req.ID.String()+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	paths := make([]string, len(req.Segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultStageConcurrency)
	for i, seg := range req.Segments {
		paths[i] = filepath.Join(workDir, fmt.Sprintf("segment_%d.mp4", seg.SegmentIndex))
		src, dst := seg.OutputURL, paths[i]
		g.Go(func() error {
			return s.artifacts.FetchToFile(gctx, src, dst)
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("failed to download segments: %w", err)
	}

	outputPath := filepath.Join(workDir, "stitched.mp4")
	if err := s.concat.ConcatenateClips(ctx, paths, outputPath); err != nil {
		return "", fmt.Errorf("failed to concatenate segments: %w", err)
	}

	url, err := s.artifacts.UploadFile(ctx, storage.ObjectPath(req.OwnerID, "requests", req.ID, "stitched.mp4"), outputPath, "video/mp4")
	if err != nil {
		return "", fmt.Errorf("failed to upload stitched video: %w", err)
	}

	s.log.Info().
		Str("request_id", req.ID.String()).
		Int("segments", len(req.Segments)).
		Msg("segments stitched")

	return url, nil
}
