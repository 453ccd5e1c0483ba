package services

import (
	"strings"
	"testing"

	"github.com/bobarin/loopreel/internal/timeline"
)

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildComposeArgs(t *testing.T) {
	spec := ComposeSpec{
		Segments: []ComposeSegment{
			{SourcePath: "/tmp/r/a.mp4", Duration: 3, Transform: timeline.Identity()},
			{SourcePath: "/tmp/r/b.mp4", Duration: 3, Transform: timeline.Identity()},
			{SourcePath: "/tmp/r/a.mp4", Duration: 1, Transform: timeline.Transform{
				Scale: 1.02, PanX: -12.5, PanY: 4, Speed: 0.96, Mirror: true,
			}},
		},
		AudioPath:       "/tmp/r/audio.mp3",
		SubtitlePath:    "/tmp/r/captions.ass",
		DurationSeconds: 7,
		FadeSeconds:     1,
		OutputPath:      "/tmp/r/out.mp4",
	}

	args, err := BuildComposeArgs(spec)
	if err != nil {
		t.Fatalf("BuildComposeArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	if strings.Count(joined, "-i /tmp/r/") != 4 {
		t.Errorf("expected three segment inputs plus audio: %s", joined)
	}
	if !strings.Contains(joined, "-stream_loop -1 -i /tmp/r/audio.mp3") {
		t.Error("audio should be looped to cover the target duration")
	}
	if argAfter(args, "-t") != "7" {
		t.Errorf("expected -t 7, got %q", argAfter(args, "-t"))
	}
	if argAfter(args, "-c:v") != "libx264" || argAfter(args, "-c:a") != "aac" {
		t.Error("expected H.264/AAC output")
	}
	if args[len(args)-1] != "/tmp/r/out.mp4" {
		t.Errorf("output path should be last, got %q", args[len(args)-1])
	}

	graph := argAfter(args, "-filter_complex")
	for _, want := range []string{
		"concat=n=3:v=1:a=0[vcat]",
		"fade=t=out:st=6:d=1",
		"afade=t=out:st=6:d=1",
		"ass='/tmp/r/captions.ass'",
		"[3:a]",
		"trim=duration=3",
		"trim=duration=1",
		"setpts=(PTS-STARTPTS)/0.96",
		"(iw-1080)/2-12.50",
	} {
		if !strings.Contains(graph, want) {
			t.Errorf("filter graph missing %q:\n%s", want, graph)
		}
	}
	if strings.Count(graph, "hflip") != 1 {
		t.Errorf("only the mirrored segment should flip:\n%s", graph)
	}
}

func TestBuildComposeArgsSilenceWithoutAudio(t *testing.T) {
	args, err := BuildComposeArgs(ComposeSpec{
		Segments:        []ComposeSegment{{SourcePath: "a.mp4", Duration: 2, Transform: timeline.Identity()}},
		DurationSeconds: 2,
		OutputPath:      "out.mp4",
	})
	if err != nil {
		t.Fatalf("BuildComposeArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "anullsrc") {
		t.Error("expected generated silence when no audio is given")
	}
	if strings.Contains(argAfter(args, "-filter_complex"), "fade=") {
		t.Error("no fade configured, none expected")
	}
}

func TestBuildComposeArgsRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec ComposeSpec
	}{
		{"no segments", ComposeSpec{DurationSeconds: 5, OutputPath: "o.mp4"}},
		{"no duration", ComposeSpec{Segments: []ComposeSegment{{SourcePath: "a", Duration: 1}}, OutputPath: "o.mp4"}},
		{"no output", ComposeSpec{Segments: []ComposeSegment{{SourcePath: "a", Duration: 1}}, DurationSeconds: 1}},
		{"missing source", ComposeSpec{Segments: []ComposeSegment{{Duration: 1}}, DurationSeconds: 1, OutputPath: "o.mp4"}},
		{"zero segment", ComposeSpec{Segments: []ComposeSegment{{SourcePath: "a"}}, DurationSeconds: 1, OutputPath: "o.mp4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildComposeArgs(tt.spec); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEscapeFFmpegFilterPath(t *testing.T) {
	got := escapeFFmpegFilterPath(`C:\renders\it's.ass`)
	want := `C\:\\renders\\it'\''s.ass`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
