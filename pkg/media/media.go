// Package media wraps the codec subprocesses: probing source files,
// extracting the audio track for transcription, and cutting moment clips
// with padding clamped to the media bounds.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/models"
)

// ErrCodecFailed indicates a codec subprocess exited nonzero.
var ErrCodecFailed = errors.New("codec subprocess failed")

// Processor runs ffmpeg and ffprobe.
type Processor struct {
	ffmpegPath  string
	ffprobePath string
}

// NewProcessor creates a processor using the configured binary paths.
func NewProcessor(cfg config.MediaConfig) *Processor {
	return &Processor{ffmpegPath: cfg.FFmpegPath, ffprobePath: cfg.FFprobePath}
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe inspects a media file and returns its duration, dimensions, and
// whether it carries an audio track.
func (p *Processor) Probe(ctx context.Context, path string) (models.MediaInfo, error) {
	out, err := p.run(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return models.MediaInfo{}, err
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return models.MediaInfo{}, fmt.Errorf("decoding probe output for %s: %w", path, err)
	}

	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return models.MediaInfo{}, fmt.Errorf("probe reported no duration for %s", path)
	}

	info := models.MediaInfo{
		DurationSeconds: duration,
		FormatName:      parsed.Format.FormatName,
	}
	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = stream.Width
				info.Height = stream.Height
			}
		case "audio":
			info.HasAudio = true
		}
	}
	return info, nil
}

// ExtractAudio writes the source's audio track as 16 kHz mono WAV, the shape
// the transcription service expects.
func (p *Processor) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	_, err := p.run(ctx, p.ffmpegPath,
		"-y",
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		audioPath,
	)
	return err
}

// ExtractClip cuts [start,end) plus padding from the source into clipPath,
// re-encoding so the clip starts on a keyframe.
func (p *Processor) ExtractClip(ctx context.Context, videoPath, clipPath string, window ClipWindow) error {
	_, err := p.run(ctx, p.ffmpegPath,
		"-y",
		"-ss", formatSeconds(window.From),
		"-i", videoPath,
		"-t", formatSeconds(window.To-window.From),
		"-c:v", "libx264",
		"-preset", "fast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		clipPath,
	)
	return err
}

func (p *Processor) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("Codec subprocess failed", "bin", bin, "error", err, "stderr", lastLine(stderr.Bytes()))
		return nil, fmt.Errorf("%w: %s: %s", ErrCodecFailed, bin, lastLine(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func lastLine(b []byte) string {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// ClipWindow is the resolved cut range after padding and clamping.
type ClipWindow struct {
	From float64
	To   float64
}

// ResolveClipWindow applies left/right padding to a moment's bounds and
// clamps the result to [0, duration].
func ResolveClipWindow(start, end, padLeft, padRight, duration float64) ClipWindow {
	from := start - padLeft
	if from < 0 {
		from = 0
	}
	to := end + padRight
	if duration > 0 && to > duration {
		to = duration
	}
	if to < from {
		to = from
	}
	return ClipWindow{From: from, To: to}
}
