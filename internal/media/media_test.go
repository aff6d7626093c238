package media

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KinnaTo/videoconverter/internal/task"
)

func TestSolveVideoBitrate(t *testing.T) {
	gib := int64(1024 * 1024 * 1024)

	t.Run("budget bound", func(t *testing.T) {
		// 3.8GiB over 2 hours: budget well under the 8000 kbps cap.
		size := int64(3.8 * float64(gib))
		got := SolveVideoBitrate(size, 2*time.Hour, 192, 8000)
		want := int(float64(size*8)/(2*3600)/1000) - 192
		assert.Equal(t, want, got)
	})

	t.Run("capped by max video bitrate", func(t *testing.T) {
		// A short clip would solve absurdly high; the cap wins.
		got := SolveVideoBitrate(gib, 30*time.Second, 192, 8000)
		assert.Equal(t, 8000, got)
	})

	t.Run("floored at minimum", func(t *testing.T) {
		// A tiny budget for a long video clamps to the floor.
		got := SolveVideoBitrate(10*1024*1024, 10*time.Hour, 192, 8000)
		assert.Equal(t, MinVideoKbps, got)
	})

	t.Run("zero duration", func(t *testing.T) {
		assert.Equal(t, MinVideoKbps, SolveVideoBitrate(gib, 0, 192, 8000))
	})
}

func TestBuildArgs_CPU(t *testing.T) {
	tr := NewTranscoder(Config{Encoder: EncoderCPU})
	params := task.ConvertParams{
		VideoCodec: "h264",
		AudioCodec: "aac",
		Preset:     "medium",
		Resolution: &task.Resolution{Width: 1280, Height: 720},
	}

	args := tr.buildArgs("in.mp4", "out.mp4", params, 2000)
	joined := " " + joinArgs(args) + " "

	assert.Contains(t, joined, " -c:v libx264 ")
	assert.Contains(t, joined, " -preset medium ")
	assert.Contains(t, joined, " -b:v 2000k ")
	assert.Contains(t, joined, " -maxrate 3000k ")
	assert.Contains(t, joined, " -bufsize 4000k ")
	assert.Contains(t, joined, " -s 1280x720 ")
	assert.Contains(t, joined, " -c:a aac ")
	assert.Contains(t, joined, " -b:a 128k ")
	assert.Contains(t, joined, " -movflags +faststart ")
	assert.Contains(t, joined, " -progress pipe:1 ")
	assert.NotContains(t, joined, "-hwaccel")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestBuildArgs_Hardware(t *testing.T) {
	tr := NewTranscoder(Config{Encoder: EncoderHardware})
	params := task.ConvertParams{VideoCodec: "hevc", AudioCodec: "aac", Preset: "fast"}

	args := tr.buildArgs("in.mp4", "out.mp4", params, 1500)
	joined := " " + joinArgs(args) + " "

	assert.Contains(t, joined, " -hwaccel cuda ")
	assert.Contains(t, joined, " -c:v hevc_nvenc ")
	assert.NotContains(t, joined, " -s ")
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func TestVideoEncoder(t *testing.T) {
	assert.Equal(t, "libx264", videoEncoder("h264", false))
	assert.Equal(t, "h264_nvenc", videoEncoder("h264", true))
	assert.Equal(t, "libx265", videoEncoder("hevc", false))
	assert.Equal(t, "hevc_nvenc", videoEncoder("h265", true))
	assert.Equal(t, "libx264", videoEncoder("", false))
	assert.Equal(t, "libvpx-vp9", videoEncoder("libvpx-vp9", true), "explicit encoder names pass through")
}

func TestProgressParser(t *testing.T) {
	p := newProgressParser(100 * time.Second)

	lines := []string{
		"frame=250",
		"fps=25.0",
		"bitrate=1843.2kbits/s",
		"out_time_us=10000000",
		"speed=1.05x",
	}
	for _, line := range lines {
		_, emitted := p.feed(line)
		assert.False(t, emitted)
	}

	snapshot, emitted := p.feed("progress=continue")
	require.True(t, emitted)
	assert.Equal(t, int64(250), snapshot.Frame)
	assert.Equal(t, 25.0, snapshot.FPS)
	assert.InDelta(t, 1843.2, snapshot.BitrateKbps, 0.01)
	assert.Equal(t, 10*time.Second, snapshot.OutTime)
	assert.InDelta(t, 1.05, snapshot.Speed, 0.001)
	assert.InDelta(t, 10.0, snapshot.Percent, 0.01)

	// N/A values are tolerated.
	p.feed("bitrate=N/A")
	snapshot, emitted = p.feed("progress=end")
	require.True(t, emitted)
	assert.Equal(t, float64(100), snapshot.Percent)
}

func TestProbeResult_ToMediaInfo(t *testing.T) {
	r := &probeResult{
		Format: probeFormat{Duration: "120.5", Size: "1048576", BitRate: "2000000"},
		Streams: []probeStream{
			{CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080},
			{CodecType: "audio", CodecName: "aac"},
		},
	}

	info, err := r.toMediaInfo()
	require.NoError(t, err)
	assert.Equal(t, 120500*time.Millisecond, info.Duration)
	assert.Equal(t, int64(1048576), info.Size)
	assert.Equal(t, 2000, info.BitrateKbps)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, "aac", info.AudioCodec)
}

func TestProbeResult_MissingDuration(t *testing.T) {
	r := &probeResult{Format: probeFormat{Duration: "N/A"}}
	_, err := r.toMediaInfo()
	assert.Error(t, err)

	r = &probeResult{Format: probeFormat{Duration: "0"}}
	_, err = r.toMediaInfo()
	assert.Error(t, err)
}

func TestCollectStderrTail(t *testing.T) {
	input := "frame=  100 fps= 25\n[h264_nvenc @ 0x55] Cannot load libcuda\nError initializing output stream\n"
	tail := collectStderrTail(strings.NewReader(input))
	require.Len(t, tail, 2)
	assert.Contains(t, tail[0], "Cannot load libcuda")
}
