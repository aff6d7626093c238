package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KinnaTo/videoconverter/internal/client"
	"github.com/KinnaTo/videoconverter/internal/config"
	"github.com/KinnaTo/videoconverter/internal/task"
	"github.com/KinnaTo/videoconverter/pkg/httpclient"
)

// fakePlane is an in-memory control plane recording every call.
type fakePlane struct {
	mu        sync.Mutex
	tasks     []*task.Remote
	calls     []string
	denyStart map[string]bool
}

func (p *fakePlane) record(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakePlane) callList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlane) hasCall(prefix string) bool {
	for _, c := range p.callList() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (p *fakePlane) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/runner/online", func(w http.ResponseWriter, r *http.Request) {
		p.record("online")
		json.NewEncoder(w).Encode(map[string]any{"runner": map[string]string{"id": "m1"}})
	})
	mux.HandleFunc("POST /api/runner/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		p.record("heartbeat")
		json.NewEncoder(w).Encode(map[string]any{"runner": map[string]string{"id": "m1"}})
	})
	mux.HandleFunc("GET /api/runner/minio", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"endpoint": "http://minio:9000", "accessKey": "ak", "secretKey": "sk", "bucket": "videos",
		})
	})
	mux.HandleFunc("GET /api/runner/getTask", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.tasks) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		next := p.tasks[0]
		p.tasks = p.tasks[1:]
		json.NewEncoder(w).Encode(map[string]any{"task": next})
	})
	mux.HandleFunc("POST /api/runner/{taskID}/{action}", func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("taskID")
		action := r.PathValue("action")
		p.record("%s:%s", action, taskID)

		if action == "start" {
			p.mu.Lock()
			denied := p.denyStart[taskID]
			p.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"success": !denied})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	return mux
}

// Fake pipeline engines.

type stubDownloader struct{}

func (d *stubDownloader) Download(ctx context.Context, url, dest string, onProgress func(task.TransferProgress)) (string, error) {
	if err := os.WriteFile(dest, []byte("source-bytes"), 0o644); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(task.TransferProgress{TotalSize: 12, CurrentSize: 12, Percent: 100})
	}
	return dest, nil
}

type stubTranscoder struct {
	fail bool
}

func (t *stubTranscoder) Transcode(ctx context.Context, input, output string, params task.ConvertParams, onProgress func(task.TranscodeProgress)) (*task.TranscodeResult, error) {
	if t.fail {
		return nil, task.Errorf(task.CodeConvert, "Cannot load libcuda").WithCommand("ffmpeg -i " + input)
	}
	if err := os.WriteFile(output, []byte("converted"), 0o644); err != nil {
		return nil, err
	}
	return &task.TranscodeResult{
		Duration: time.Minute, BitrateKbps: 1000, Width: 1280, Height: 720,
		InputSize: 12, OutputSize: 9,
	}, nil
}

type stubUploader struct{}

func (u *stubUploader) Upload(ctx context.Context, localPath, objectKey string, meta task.UploadMetadata, onProgress func(task.TransferProgress)) (*task.UploadResult, error) {
	if _, err := os.Stat(localPath); err != nil {
		return nil, task.NewError(task.CodeUpload, err)
	}
	return &task.UploadResult{TargetURL: "https://store/" + objectKey, Size: meta.Size}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		BaseURL: "http://ignored",
		Encoder: "cpu",
		Logging: config.LoggingConfig{Level: "debug", Format: "text"},
		Queue:   config.QueueConfig{DownloadSlots: 1, ConvertSlots: 1, UploadSlots: 1},
		Intervals: config.IntervalsConfig{
			Poll:      10 * time.Millisecond,
			Dispatch:  5 * time.Millisecond,
			Heartbeat: 50 * time.Millisecond,
			Probe:     time.Second,
		},
		Scratch: config.ScratchConfig{Dir: t.TempDir()},
	}
}

func startRunner(t *testing.T, plane *fakePlane, transcoder task.Transcoder) *Runner {
	t.Helper()

	server := httptest.NewServer(plane.handler())
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hcCfg := httpclient.DefaultConfig()
	hcCfg.RetryDelay = time.Millisecond
	hcCfg.RetryMaxDelay = 5 * time.Millisecond
	hcCfg.Logger = logger
	api := client.New(server.URL+"/api", "tok", httpclient.New(hcCfg), logger)

	r := New(Deps{
		Config:        testConfig(t),
		Identity:      &config.Identity{ID: "m1", Token: "tok", Name: "worker"},
		API:           api,
		Downloader:    &stubDownloader{},
		StageUploader: &stubUploader{},
		TranscoderFactory: func(encoder string) task.Transcoder {
			return transcoder
		},
		Logger: logger,
	})

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func TestRunner_HappyPath(t *testing.T) {
	plane := &fakePlane{
		tasks: []*task.Remote{{ID: "t1", Source: "http://src/a.mp4", Status: task.StatusWaiting, Priority: 10}},
	}

	r := startRunner(t, plane, &stubTranscoder{})

	waitFor(t, 5*time.Second, func() bool {
		return plane.hasCall("complete:t1")
	}, "task t1 completes")

	calls := plane.callList()
	idx := func(prefix string) int {
		for i, c := range calls {
			if strings.HasPrefix(c, prefix) {
				return i
			}
		}
		return -1
	}

	require.GreaterOrEqual(t, idx("online"), 0)
	require.GreaterOrEqual(t, idx("start:t1"), 0)
	require.GreaterOrEqual(t, idx("downloadComplete:t1"), 0)
	require.GreaterOrEqual(t, idx("complete:t1"), 0)
	assert.Less(t, idx("start:t1"), idx("downloadComplete:t1"))
	assert.Less(t, idx("downloadComplete:t1"), idx("complete:t1"))
	assert.False(t, plane.hasCall("fail:t1"))

	// Terminal disposal: carry entry gone, scratch gone.
	waitFor(t, time.Second, func() bool { return r.carry.Len() == 0 }, "carry cleared")
	_, err := os.Stat(filepath.Join(r.workspace.Root(), "t1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(r.workspace.ConvertedPath("t1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunner_EncoderFailure(t *testing.T) {
	plane := &fakePlane{
		tasks: []*task.Remote{{ID: "t1", Source: "http://src/a.mp4", Status: task.StatusWaiting}},
	}

	r := startRunner(t, plane, &stubTranscoder{fail: true})

	waitFor(t, 5*time.Second, func() bool {
		return plane.hasCall("fail:t1")
	}, "task t1 fails")

	assert.True(t, plane.hasCall("downloadComplete:t1"), "download stage finished before the encoder broke")
	assert.False(t, plane.hasCall("complete:t1"))

	waitFor(t, time.Second, func() bool { return r.carry.Len() == 0 }, "carry cleared")
	_, err := os.Stat(filepath.Join(r.workspace.Root(), "t1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunner_CapacityPressure(t *testing.T) {
	plane := &fakePlane{
		tasks: []*task.Remote{
			{ID: "t1", Source: "http://src/1", Status: task.StatusWaiting, Priority: 5},
			{ID: "t2", Source: "http://src/2", Status: task.StatusWaiting, Priority: 5},
			{ID: "t3", Source: "http://src/3", Status: task.StatusWaiting, Priority: 5},
		},
	}

	startRunner(t, plane, &stubTranscoder{})

	waitFor(t, 10*time.Second, func() bool {
		return plane.hasCall("complete:t3")
	}, "all three tasks complete")

	calls := plane.callList()
	var completions []string
	for _, c := range calls {
		if strings.HasPrefix(c, "complete:") {
			completions = append(completions, strings.TrimPrefix(c, "complete:"))
		}
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, completions, "equal priority completes in arrival order")
}

func TestRunner_BindRaceSkipsTask(t *testing.T) {
	plane := &fakePlane{
		tasks: []*task.Remote{
			{ID: "stolen", Source: "http://src/s", Status: task.StatusWaiting},
			{ID: "mine", Source: "http://src/m", Status: task.StatusWaiting},
		},
		denyStart: map[string]bool{"stolen": true},
	}

	r := startRunner(t, plane, &stubTranscoder{})

	waitFor(t, 5*time.Second, func() bool {
		return plane.hasCall("complete:mine")
	}, "second task completes after losing the first bind")

	assert.True(t, plane.hasCall("start:stolen"))
	assert.False(t, plane.hasCall("downloadComplete:stolen"), "losing runner must not touch the task")
	_, ok := r.carry.Get("stolen")
	assert.False(t, ok, "losing runner must not seed carry")
}

func TestRunner_SkipsNonWaitingTask(t *testing.T) {
	plane := &fakePlane{
		tasks: []*task.Remote{
			{ID: "paused", Source: "http://src/p", Status: task.StatusPaused},
			{ID: "live", Source: "http://src/l", Status: task.StatusWaiting},
		},
	}

	startRunner(t, plane, &stubTranscoder{})

	waitFor(t, 5*time.Second, func() bool {
		return plane.hasCall("complete:live")
	}, "waiting task completes")

	assert.False(t, plane.hasCall("start:paused"), "non-waiting tasks are not bound")
}

func TestRunner_Heartbeats(t *testing.T) {
	plane := &fakePlane{}
	startRunner(t, plane, &stubTranscoder{})

	waitFor(t, 5*time.Second, func() bool {
		count := 0
		for _, c := range plane.callList() {
			if c == "heartbeat" {
				count++
			}
		}
		return count >= 2
	}, "at least two heartbeats")
}
