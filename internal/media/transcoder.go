package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/KinnaTo/videoconverter/internal/task"
)

// Encoder modes.
const (
	EncoderHardware = "hardware"
	EncoderCPU      = "cpu"
)

const (
	// stderrTailLines is how many trailing stderr lines are kept for
	// error reporting.
	stderrTailLines = 40

	// waitDelay bounds how long Wait blocks on pipes after a kill.
	waitDelay = 5 * time.Second
)

// Config holds transcoder configuration.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	// Encoder selects hardware (NVENC) or cpu (libx26x) encoders.
	Encoder string
	// MaxFileSize is the output size ceiling for the bitrate solver.
	MaxFileSize int64
	// AudioReserveKbps is subtracted from the size budget before solving.
	AudioReserveKbps int
	// EncodeAudioKbps is the bitrate the audio track is encoded at.
	EncodeAudioKbps int
	// MaxVideoKbps caps the solved video bitrate.
	MaxVideoKbps int

	Logger *slog.Logger
}

// Transcoder supervises ffmpeg subprocesses. It implements task.Transcoder.
type Transcoder struct {
	cfg    Config
	prober *Prober
	logger *slog.Logger
}

// NewTranscoder creates a transcoder, applying defaults for zero values.
func NewTranscoder(cfg Config) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Encoder == "" {
		cfg.Encoder = EncoderCPU
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 38 * 1024 * 1024 * 1024 / 10
	}
	if cfg.AudioReserveKbps <= 0 {
		cfg.AudioReserveKbps = 192
	}
	if cfg.EncodeAudioKbps <= 0 {
		cfg.EncodeAudioKbps = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transcoder{
		cfg:    cfg,
		prober: NewProber(cfg.FFprobePath),
		logger: cfg.Logger,
	}
}

// Transcode re-encodes input into output with the given parameters,
// emitting structured progress parsed from ffmpeg's progress stream.
func (t *Transcoder) Transcode(ctx context.Context, input, output string, params task.ConvertParams, onProgress func(task.TranscodeProgress)) (*task.TranscodeResult, error) {
	info, err := t.prober.Probe(ctx, input)
	if err != nil {
		return nil, err
	}

	videoKbps := SolveVideoBitrate(t.cfg.MaxFileSize, info.Duration, t.cfg.AudioReserveKbps, t.cfg.MaxVideoKbps)

	args := t.buildArgs(input, output, params, videoKbps)
	cmd := exec.CommandContext(ctx, t.cfg.FFmpegPath, args...)
	cmd.WaitDelay = waitDelay
	commandLine := cmd.String()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, task.NewError(task.CodeConvert, fmt.Errorf("opening progress pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, task.NewError(task.CodeConvert, fmt.Errorf("opening stderr pipe: %w", err))
	}

	t.logger.Info("transcode starting",
		slog.String("input", input),
		slog.String("output", output),
		slog.String("encoder", t.cfg.Encoder),
		slog.Int("video_kbps", videoKbps),
		slog.Duration("duration", info.Duration),
	)

	if err := cmd.Start(); err != nil {
		return nil, task.NewError(task.CodeConvert, fmt.Errorf("starting encoder: %w", err)).
			WithCommand(commandLine)
	}

	tailCh := make(chan []string, 1)
	go func() {
		tailCh <- collectStderrTail(stderr)
	}()

	parser := newProgressParser(info.Duration)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if snapshot, ok := parser.feed(scanner.Text()); ok && onProgress != nil {
			onProgress(snapshot)
		}
	}

	tail := <-tailCh
	waitErr := cmd.Wait()

	if waitErr != nil {
		os.Remove(output)

		if ctx.Err() != nil {
			return nil, task.NewError(task.CodeConvert, fmt.Errorf("transcode cancelled: %w", ctx.Err()))
		}

		var exitErr *exec.ExitError
		msg := waitErr.Error()
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("encoder exited with code %d", exitErr.ExitCode())
		}
		if len(tail) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.Join(tail, "\n"))
		}
		return nil, task.Errorf(task.CodeConvert, "%s", msg).
			WithCommand(commandLine).
			WithPath(output)
	}

	fi, err := os.Stat(output)
	if err != nil || fi.Size() == 0 {
		os.Remove(output)
		return nil, task.Errorf(task.CodeConvert, "encoder produced no output").
			WithCommand(commandLine).
			WithPath(output)
	}

	result := &task.TranscodeResult{
		Duration:    info.Duration,
		BitrateKbps: videoKbps,
		Width:       info.Width,
		Height:      info.Height,
		InputSize:   info.Size,
		OutputSize:  fi.Size(),
	}
	if params.Resolution != nil {
		result.Width = params.Resolution.Width
		result.Height = params.Resolution.Height
	}

	t.logger.Info("transcode complete",
		slog.String("output", output),
		slog.Int64("output_size", fi.Size()),
	)

	return result, nil
}

// buildArgs assembles the ffmpeg argument list. Variable bitrate mode:
// target at the solved rate, maxrate 1.5x, buffer 2x.
func (t *Transcoder) buildArgs(input, output string, params task.ConvertParams, videoKbps int) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}

	hardware := t.cfg.Encoder == EncoderHardware
	if hardware {
		args = append(args, "-hwaccel", "cuda")
	}

	args = append(args, "-i", input)

	args = append(args, "-c:v", videoEncoder(params.VideoCodec, hardware))
	if params.Preset != "" {
		args = append(args, "-preset", params.Preset)
	}
	args = append(args,
		"-b:v", fmt.Sprintf("%dk", videoKbps),
		"-maxrate", fmt.Sprintf("%dk", videoKbps*3/2),
		"-bufsize", fmt.Sprintf("%dk", videoKbps*2),
	)

	if r := params.Resolution; r != nil && r.Width > 0 && r.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", r.Width, r.Height))
	}

	args = append(args,
		"-c:a", audioEncoder(params.AudioCodec),
		"-b:a", fmt.Sprintf("%dk", t.cfg.EncodeAudioKbps),
	)

	args = append(args,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		output,
	)
	return args
}

// videoEncoder maps a requested codec to the concrete encoder name,
// preferring the NVENC variant in hardware mode.
func videoEncoder(codec string, hardware bool) string {
	switch strings.ToLower(codec) {
	case "hevc", "h265", "x265":
		if hardware {
			return "hevc_nvenc"
		}
		return "libx265"
	case "", "h264", "x264", "avc":
		if hardware {
			return "h264_nvenc"
		}
		return "libx264"
	default:
		// An explicit encoder name passes through untouched.
		return codec
	}
}

// audioEncoder maps a requested audio codec to the encoder name.
func audioEncoder(codec string) string {
	switch strings.ToLower(codec) {
	case "", "aac":
		return "aac"
	case "mp3":
		return "libmp3lame"
	case "opus":
		return "libopus"
	default:
		return codec
	}
}

// collectStderrTail drains stderr keeping the trailing lines, excluding
// per-frame noise.
func collectStderrTail(r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	var tail []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "frame=") {
			continue
		}
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}
	return tail
}

// progressParser accumulates ffmpeg -progress key=value lines and emits
// a snapshot at each progress boundary.
type progressParser struct {
	duration time.Duration
	current  task.TranscodeProgress
}

func newProgressParser(duration time.Duration) *progressParser {
	return &progressParser{duration: duration}
}

// feed consumes one progress line. It returns a snapshot and true when
// the line closes an update block.
func (p *progressParser) feed(line string) (task.TranscodeProgress, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return task.TranscodeProgress{}, false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.current.Frame = v
		}
	case "fps":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.current.FPS = v
		}
	case "bitrate":
		if v, err := strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64); err == nil {
			p.current.BitrateKbps = v
		}
	case "out_time_us":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.current.OutTime = time.Duration(v) * time.Microsecond
		}
	case "speed":
		if v, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
			p.current.Speed = v
		}
	case "progress":
		if p.duration > 0 {
			percent := float64(p.current.OutTime) / float64(p.duration) * 100
			if value == "end" || percent > 100 {
				percent = 100
			}
			p.current.Percent = percent
		} else if value == "end" {
			p.current.Percent = 100
		}
		return p.current, true
	}
	return task.TranscodeProgress{}, false
}
