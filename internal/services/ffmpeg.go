package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/timeline"
	"github.com/rs/zerolog"
)

// Output / rendering constants: 1080x1920 portrait at 30fps
const (
	OutputWidth  = 1080
	OutputHeight = 1920
	OutputFPS    = 30

	// Every segment is scaled slightly past the frame so pan and a sub-1.0
	// scale never expose the border.
	overscan = 1.06

	audioBitrate = "192k"
	stderrTail   = 2048
)

// ComposeSegment is one timeline segment resolved to a local source file.
type ComposeSegment struct {
	SourcePath string
	Duration   float64
	Transform  timeline.Transform
}

// ComposeSpec fully describes one loop render.
type ComposeSpec struct {
	Segments        []ComposeSegment
	AudioPath       string // optional; silence when empty
	SubtitlePath    string // optional ASS file burned into the video
	DurationSeconds float64
	FadeSeconds     float64
	OutputPath      string
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir string
	binary  string
	probe   string
	log     zerolog.Logger
}

func NewFFmpegService(tempDir string, logger zerolog.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	return &FFmpegService{
		tempDir: tempDir,
		binary:  "ffmpeg",
		probe:   "ffprobe",
		log:     logging.WithComponent(logger, "ffmpeg"),
	}, nil
}

// Available reports whether the ffmpeg binary can be found.
func (s *FFmpegService) Available() bool {
	_, err := exec.LookPath(s.binary)
	return err == nil
}

// ComposeTimeline renders spec into a single H.264/AAC MP4.
func (s *FFmpegService) ComposeTimeline(ctx context.Context, spec ComposeSpec) error {
	args, err := BuildComposeArgs(spec)
	if err != nil {
		return err
	}

	s.log.Debug().
		Int("segments", len(spec.Segments)).
		Float64("duration", spec.DurationSeconds).
		Bool("subtitles", spec.SubtitlePath != "").
		Msg("composing timeline")

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg compose timeline failed: %w", err)
	}

	return nil
}

// BuildComposeArgs returns the ffmpeg argument list for spec.
//
// Inputs 0..n-1 are the segment sources in timeline order, input n is the
// audio track (looped) or generated silence.
func BuildComposeArgs(spec ComposeSpec) ([]string, error) {
	if len(spec.Segments) == 0 {
		return nil, fmt.Errorf("no segments to compose")
	}
	if spec.DurationSeconds <= 0 {
		return nil, fmt.Errorf("invalid output duration %v", spec.DurationSeconds)
	}
	if spec.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}

	var args []string
	for i, seg := range spec.Segments {
		if seg.SourcePath == "" {
			return nil, fmt.Errorf("segment %d has no source", i)
		}
		if seg.Duration <= 0 {
			return nil, fmt.Errorf("segment %d has invalid duration %v", i, seg.Duration)
		}
		args = append(args, "-i", seg.SourcePath)
	}

	if spec.AudioPath != "" {
		args = append(args, "-stream_loop", "-1", "-i", spec.AudioPath)
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=r=44100:cl=stereo")
	}
	audioInput := len(spec.Segments)

	var graph strings.Builder
	for i, seg := range spec.Segments {
		fmt.Fprintf(&graph, "[%d:v]%s[v%d];", i, segmentFilter(seg), i)
	}
	for i := range spec.Segments {
		fmt.Fprintf(&graph, "[v%d]", i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=0[vcat];", len(spec.Segments))

	videoTail := []string{}
	audioTail := []string{}
	if fade := fadeWindow(spec); fade > 0 {
		st := spec.DurationSeconds - fade
		videoTail = append(videoTail, fmt.Sprintf("fade=t=out:st=%s:d=%s", ff(st), ff(fade)))
		audioTail = append(audioTail, fmt.Sprintf("afade=t=out:st=%s:d=%s", ff(st), ff(fade)))
	}
	if spec.SubtitlePath != "" {
		videoTail = append(videoTail, fmt.Sprintf("ass='%s'", escapeFFmpegFilterPath(spec.SubtitlePath)))
	}
	videoTail = append(videoTail, "format=yuv420p")
	audioTail = append(audioTail, fmt.Sprintf("atrim=duration=%s", ff(spec.DurationSeconds)))

	fmt.Fprintf(&graph, "[vcat]%s[vout];", strings.Join(videoTail, ","))
	fmt.Fprintf(&graph, "[%d:a]%s[aout]", audioInput, strings.Join(audioTail, ","))

	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-r", fmt.Sprintf("%d", OutputFPS),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-t", ff(spec.DurationSeconds),
		"-movflags", "+faststart",
		"-y",
		spec.OutputPath,
	)

	return args, nil
}

// segmentFilter builds the per-segment chain: speed, scale/crop with pan,
// optional mirror, then freeze-pad and trim to exactly the segment duration.
func segmentFilter(seg ComposeSegment) string {
	t := seg.Transform
	speed := t.Speed
	if speed <= 0 {
		speed = 1
	}
	scale := t.Scale
	if scale <= 0 {
		scale = 1
	}

	w := evenPixels(OutputWidth * overscan * scale)
	h := evenPixels(OutputHeight * overscan * scale)

	parts := []string{
		fmt.Sprintf("setpts=(PTS-STARTPTS)/%s", ff(speed)),
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", w, h),
		fmt.Sprintf("crop=%d:%d:%s:%s", OutputWidth, OutputHeight,
			panExpr("iw", OutputWidth, t.PanX), panExpr("ih", OutputHeight, t.PanY)),
	}
	if t.Mirror {
		parts = append(parts, "hflip")
	}
	parts = append(parts,
		fmt.Sprintf("fps=%d", OutputFPS),
		fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%s", ff(seg.Duration)),
		fmt.Sprintf("trim=duration=%s", ff(seg.Duration)),
		"setpts=PTS-STARTPTS",
		"setsar=1",
	)

	return strings.Join(parts, ",")
}

// panExpr centers the crop window and shifts it by offset pixels, clamped to
// the scaled frame.
func panExpr(dim string, out int, offset float64) string {
	return fmt.Sprintf("'min(max((%s-%d)/2%+.2f,0),%s-%d)'", dim, out, offset, dim, out)
}

func fadeWindow(spec ComposeSpec) float64 {
	if spec.FadeSeconds <= 0 {
		return 0
	}
	if spec.FadeSeconds > spec.DurationSeconds {
		return spec.DurationSeconds
	}
	return spec.FadeSeconds
}

func evenPixels(v float64) int {
	n := int(v + 0.5)
	if n%2 == 1 {
		n++
	}
	return n
}

// ff formats seconds and multipliers for filter arguments.
func ff(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg filter syntax.
// FFmpeg filter strings treat colons, backslashes, and single quotes specially.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// ConcatenateClips joins same-codec clips without re-encoding.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	f, err := os.CreateTemp(s.tempDir, "concat-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	listPath := f.Name()
	defer os.Remove(listPath)

	for _, path := range clipPaths {
		fmt.Fprintf(f, "file '%s'\n", strings.ReplaceAll(path, "'", "'\\''"))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy", // Copy without re-encoding
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}

	return nil
}

// GetVideoDuration returns the duration of a media file in seconds using ffprobe.
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	}

	cmd := exec.CommandContext(ctx, s.probe, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe video duration failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse video duration: %w", err)
	}

	return durationSec, nil
}

func (s *FFmpegService) run(ctx context.Context, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(msg))
	}
	return nil
}
