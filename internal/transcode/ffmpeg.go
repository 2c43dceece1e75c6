// Package transcode normalizes raw uploads into the canonical premiere asset.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeResult is what the pipeline needs to know about a media file.
type ProbeResult struct {
	HasVideo        bool
	HasAudio        bool
	DurationSeconds float64
}

// Toolchain inspects and re-encodes media files.
type Toolchain interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	Normalize(ctx context.Context, in, out string) error
}

// EncodeSettings fix the output format of Normalize.
type EncodeSettings struct {
	FrameRate    int
	VideoBitrate string
	MaxRate      string
	BufSize      string
	AudioBitrate string
	Preset       string
}

// DefaultEncodeSettings returns 30fps H.264 capped at 2.5Mbit/s with 128k AAC.
func DefaultEncodeSettings() EncodeSettings {
	return EncodeSettings{
		FrameRate:    30,
		VideoBitrate: "2500k",
		MaxRate:      "2500k",
		BufSize:      "5000k",
		AudioBitrate: "128k",
		Preset:       "veryfast",
	}
}

// FFmpeg runs the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	Settings    EncodeSettings
}

// NewFFmpeg creates an FFmpeg toolchain. Empty paths resolve through $PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, settings EncodeSettings) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if settings.FrameRate <= 0 {
		settings = DefaultEncodeSettings()
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Settings: settings}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads stream and duration information from path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseProbe(out)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	var streamDuration float64
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			result.HasVideo = true
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > streamDuration {
				streamDuration = d
			}
		case "audio":
			result.HasAudio = true
		}
	}

	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil && d > 0 {
		result.DurationSeconds = d
	} else {
		result.DurationSeconds = streamDuration
	}
	if result.DurationSeconds <= 0 {
		return nil, errors.New("ffprobe reported no duration")
	}

	return result, nil
}

// Normalize re-encodes in to an MP4 at out with a fixed frame rate, H.264 video under
// the bitrate ceiling and AAC audio.
func (f *FFmpeg) Normalize(ctx context.Context, in, out string) error {
	s := f.Settings
	cmd := exec.CommandContext(ctx, f.FFmpegPath,
		"-y",
		"-i", in,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", s.Preset,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(s.FrameRate),
		"-fps_mode", "cfr",
		"-b:v", s.VideoBitrate,
		"-maxrate", s.MaxRate,
		"-bufsize", s.BufSize,
		"-c:a", "aac",
		"-b:a", s.AudioBitrate,
		"-movflags", "+faststart",
		"-threads", "0",
		out,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tail(string(output), 2048))
	}
	return nil
}

// WholeSeconds rounds a probed duration up so the airing window never ends early.
func WholeSeconds(d float64) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
