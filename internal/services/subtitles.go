package services

import (
	"fmt"
	"os"
	"strings"

	"github.com/bobarin/loopreel/internal/models"
)

// ---------------------------------------------------------------------------
// ASS caption writer
//
// Renders caption cues as bold, uppercase, bottom-centered lines on the
// 1080x1920 output canvas. Each cue is one dialogue event.
// ---------------------------------------------------------------------------

const (
	// How many words go into one cue when cues are derived from a transcript
	wordsPerCue = 4

	// Must match a font installed in the runtime image.
	subtitleFontName = "Noto Sans"
	subtitleFontSize = 64

	// ASS colors are in &HAABBGGRR format (BGR, not RGB)
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorSemiBlack = "&H80000000"

	subtitleOutline = 4
	subtitleMarginV = 220
)

// GenerateASSSubtitles writes cues to outputPath as an ASS subtitle file.
// Cues with no text or a non-positive span are skipped.
func GenerateASSSubtitles(cues []models.CaptionCue, outputPath string) error {
	if len(cues) == 0 {
		return fmt.Errorf("no caption cues to write")
	}

	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", OutputWidth)
	fmt.Fprintf(&sb, "PlayResY: %d\n", OutputHeight)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb,
		"Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,1,0,1,%d,0,2,40,40,%d,1\n",
		subtitleFontName, subtitleFontSize,
		assColorWhite,     // PrimaryColour (text)
		assColorWhite,     // SecondaryColour
		assColorBlack,     // OutlineColour
		assColorSemiBlack, // BackColour (shadow)
		subtitleOutline,
		subtitleMarginV,
	)
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	written := 0
	for _, cue := range cues {
		text := assText(cue.Text)
		if text == "" || cue.EndTime <= cue.StartTime {
			continue
		}
		fmt.Fprintf(&sb, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			formatASSTime(cue.StartTime),
			formatASSTime(cue.EndTime),
			text,
		)
		written++
	}
	if written == 0 {
		return fmt.Errorf("no usable caption cues")
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}

	return nil
}

// CuesFromWords groups transcript words into caption cues of a few words
// each, breaking early at sentence ends.
func CuesFromWords(words []WordTimestamp) []models.CaptionCue {
	var cues []models.CaptionCue
	for _, chunk := range chunkWords(words, wordsPerCue) {
		texts := make([]string, 0, len(chunk))
		for _, w := range chunk {
			if t := strings.TrimSpace(w.Word); t != "" {
				texts = append(texts, t)
			}
		}
		if len(texts) == 0 {
			continue
		}
		cues = append(cues, models.CaptionCue{
			Text:      strings.Join(texts, " "),
			StartTime: chunk[0].Start,
			EndTime:   chunk[len(chunk)-1].End,
		})
	}
	return cues
}

// chunkWords groups words into display chunks of the specified size.
// It also breaks at sentence boundaries (., !, ?) to keep chunks natural.
func chunkWords(words []WordTimestamp, chunkSize int) [][]WordTimestamp {
	var chunks [][]WordTimestamp
	var current []WordTimestamp

	for _, word := range words {
		current = append(current, word)

		isSentenceEnd := strings.ContainsAny(word.Word, ".!?")
		if len(current) >= chunkSize || (isSentenceEnd && len(current) >= 2) {
			chunks = append(chunks, current)
			current = nil
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// assText uppercases cue text and strips characters ASS treats as markup.
func assText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("{", "(", "}", ")", "\r", "", "\n", "\\N").Replace(s)
	return strings.ToUpper(s)
}

// formatASSTime converts seconds to ASS timestamp format: H:MM:SS.CC (centiseconds)
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	total := int(seconds*100 + 0.5)
	hours := total / 360000
	minutes := (total % 360000) / 6000
	secs := (total % 6000) / 100
	centiseconds := total % 100

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, centiseconds)
}
