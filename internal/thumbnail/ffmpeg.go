package thumbnail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
)

// Metadata is what the frame source knows about a video before sampling it.
type Metadata struct {
	Duration float64
	Width    int
	Height   int
}

// FrameSource probes videos and rasterizes single frames.
type FrameSource interface {
	Probe(ctx context.Context, path string) (Metadata, error)
	// Frame returns the frame at the given second scaled to width x height.
	Frame(ctx context.Context, path string, at float64, width, height int) (image.Image, error)
}

// FFmpeg shells out to ffprobe and ffmpeg.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (f FFmpeg) Probe(ctx context.Context, path string) (Metadata, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe: %w, output: %s", err, stderr.String())
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Metadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return Metadata{}, fmt.Errorf("ffprobe: no video stream in %s", path)
	}
	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("parse duration %q: %w", parsed.Format.Duration, err)
	}
	return Metadata{Duration: duration, Width: parsed.Streams[0].Width, Height: parsed.Streams[0].Height}, nil
}

func (f FFmpeg) Frame(ctx context.Context, path string, at float64, width, height int) (image.Image, error) {
	cmd := exec.CommandContext(ctx, f.FFmpegPath,
		"-v", "error",
		"-ss", strconv.FormatFloat(at, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w, output: %s", err, stderr.String())
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame at %.3fs: %w", at, err)
	}
	return img, nil
}
