// Package media drives the external ffmpeg/ffprobe binaries: input
// probing, target bitrate solving, and the supervised transcode itself.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/KinnaTo/videoconverter/internal/task"
)

// probeResult is the subset of ffprobe's JSON output the runner needs.
type probeResult struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
	BitRate  string `json:"bit_rate"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// MediaInfo is a simplified view of a probed input file.
type MediaInfo struct {
	Duration    time.Duration
	Size        int64
	BitrateKbps int
	VideoCodec  string
	AudioCodec  string
	Width       int
	Height      int
}

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new input prober.
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe inspects the input file. A missing or zero duration is an error:
// the bitrate solver cannot target an output size without it.
func (p *Prober) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, task.NewError(task.CodeConvert, fmt.Errorf("probing input: %w", err)).
			WithCommand(cmd.String()).
			WithPath(path)
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, task.NewError(task.CodeConvert, fmt.Errorf("parsing probe output: %w", err)).
			WithPath(path)
	}

	info, err := result.toMediaInfo()
	if err != nil {
		return nil, task.NewError(task.CodeConvert, err).WithPath(path)
	}
	return info, nil
}

// toMediaInfo flattens the probe result into a MediaInfo.
func (r *probeResult) toMediaInfo() (*MediaInfo, error) {
	seconds, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil || seconds <= 0 {
		return nil, fmt.Errorf("input has no usable duration (%q)", r.Format.Duration)
	}

	info := &MediaInfo{
		Duration: time.Duration(seconds * float64(time.Second)),
	}

	if size, err := strconv.ParseInt(r.Format.Size, 10, 64); err == nil {
		info.Size = size
	}
	if bps, err := strconv.ParseInt(r.Format.BitRate, 10, 64); err == nil {
		info.BitrateKbps = int(bps / 1000)
	}

	for _, stream := range r.Streams {
		switch stream.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = stream.CodecName
				info.Width = stream.Width
				info.Height = stream.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		}
	}

	return info, nil
}
