package pipeline

import (
	"fmt"
	"strings"

	"github.com/clipforge/clipforge/pkg/models"
)

const defaultGenerationPrompt = `You are selecting highlight moments from a video.
Identify the most engaging self-contained moments. Respond with only a JSON
array of objects shaped {"start_time": <seconds>, "end_time": <seconds>,
"title": "<short title>"}. Times are seconds from the start of the video.`

const defaultRefinementPrompt = `You are tightening the time bounds of one highlight moment.
Adjust the start and end so the moment begins and ends at natural speech
boundaries. Respond with only a JSON object shaped
{"start_time": <seconds>, "end_time": <seconds>}.`

// buildGenerationPrompt renders the moment-generation prompt: the base
// instructions, the requested moment constraints, and the transcript.
func buildGenerationPrompt(rc *RunContext) string {
	base := rc.Config.GenerationPrompt
	if base == "" {
		base = defaultGenerationPrompt
	}

	var b strings.Builder
	b.WriteString(base)

	if rc.Config.MinMoments != nil || rc.Config.MaxMoments != nil {
		b.WriteString("\n\nReturn ")
		switch {
		case rc.Config.MinMoments != nil && rc.Config.MaxMoments != nil:
			fmt.Fprintf(&b, "between %d and %d moments.", *rc.Config.MinMoments, *rc.Config.MaxMoments)
		case rc.Config.MinMoments != nil:
			fmt.Fprintf(&b, "at least %d moments.", *rc.Config.MinMoments)
		default:
			fmt.Fprintf(&b, "at most %d moments.", *rc.Config.MaxMoments)
		}
	}
	if rc.Config.MinMomentLength != nil {
		fmt.Fprintf(&b, "\nEach moment must be at least %.1f seconds long.", *rc.Config.MinMomentLength)
	}
	if rc.Config.MaxMomentLength != nil {
		fmt.Fprintf(&b, "\nEach moment must be at most %.1f seconds long.", *rc.Config.MaxMomentLength)
	}
	if rc.MediaInfo.DurationSeconds > 0 {
		fmt.Fprintf(&b, "\nThe video is %.1f seconds long.", rc.MediaInfo.DurationSeconds)
	}

	if rc.Transcript != nil && len(rc.Transcript.SegmentTimestamps) > 0 {
		b.WriteString("\n\nTranscript with segment times:\n")
		for _, seg := range rc.Transcript.SegmentTimestamps {
			fmt.Fprintf(&b, "[%.1f-%.1f] %s\n", seg.Start, seg.End, seg.Text)
		}
	} else if rc.Transcript != nil && rc.Transcript.Text != "" {
		b.WriteString("\n\nTranscript:\n")
		b.WriteString(rc.Transcript.Text)
	} else {
		b.WriteString("\n\nNo transcript is available; judge from the video content.")
	}
	return b.String()
}

// buildRefinementPrompt renders the per-moment refinement prompt: the base
// instructions, the moment, and the word timestamps around it so the model
// can snap to speech boundaries.
func buildRefinementPrompt(rc *RunContext, m models.Moment) string {
	base := rc.Config.RefinementPrompt
	if base == "" {
		base = defaultRefinementPrompt
	}

	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nMoment: %q, currently %.2f to %.2f seconds.", m.Title, m.StartTime, m.EndTime)

	if rc.Transcript != nil && len(rc.Transcript.WordTimestamps) > 0 {
		// Only the words near the moment are relevant.
		const margin = 15.0
		lo, hi := m.StartTime-margin, m.EndTime+margin
		b.WriteString("\nWords with times:\n")
		for _, w := range rc.Transcript.WordTimestamps {
			if w.End < lo || w.Start > hi {
				continue
			}
			fmt.Fprintf(&b, "[%.2f-%.2f] %s\n", w.Start, w.End, w.Word)
		}
	}
	return b.String()
}
