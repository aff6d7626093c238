package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fakes for the stage collaborators.

type fakeDownloader struct {
	path string
	err  error
}

func (d *fakeDownloader) Download(ctx context.Context, url, dest string, onProgress func(TransferProgress)) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	onProgress(TransferProgress{TotalSize: 100, CurrentSize: 40, Percent: 40})
	onProgress(TransferProgress{TotalSize: 100, CurrentSize: 100, Percent: 100})
	if d.path != "" {
		return d.path, nil
	}
	return dest, nil
}

type fakeTranscoder struct {
	result *TranscodeResult
	err    error
	input  string
}

func (tr *fakeTranscoder) Transcode(ctx context.Context, input, output string, params ConvertParams, onProgress func(TranscodeProgress)) (*TranscodeResult, error) {
	tr.input = input
	if tr.err != nil {
		return nil, tr.err
	}
	onProgress(TranscodeProgress{Percent: 50, Frame: 500, FPS: 30, BitrateKbps: 2000})
	return tr.result, nil
}

type fakeUploader struct {
	result *UploadResult
	err    error
	meta   UploadMetadata
	key    string
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, objectKey string, meta UploadMetadata, onProgress func(TransferProgress)) (*UploadResult, error) {
	u.meta = meta
	u.key = objectKey
	if u.err != nil {
		return nil, u.err
	}
	onProgress(TransferProgress{TotalSize: 50, CurrentSize: 50, Percent: 100})
	return u.result, nil
}

type fakeReporter struct {
	downloadTicks  int
	convertTicks   int
	uploadTicks    int
	markerPath     string
	completed      *Result
	failed         *Error
	completeErr    error
	markerErr      error
	failCalls      int
	completeCalled int
}

func (r *fakeReporter) ReportDownload(ctx context.Context, taskID string, info *DownloadInfo) {
	r.downloadTicks++
}
func (r *fakeReporter) ReportConvert(ctx context.Context, taskID string, info *ConvertInfo) {
	r.convertTicks++
}
func (r *fakeReporter) ReportUpload(ctx context.Context, taskID string, info *UploadInfo) {
	r.uploadTicks++
}
func (r *fakeReporter) DownloadComplete(ctx context.Context, taskID, path string) error {
	r.markerPath = path
	return r.markerErr
}
func (r *fakeReporter) Complete(ctx context.Context, taskID string, result *Result) error {
	r.completeCalled++
	r.completed = result
	return r.completeErr
}
func (r *fakeReporter) Fail(ctx context.Context, taskID string, taskErr *Error) error {
	r.failCalls++
	r.failed = taskErr
	return nil
}

type fakeWorkspace struct {
	dir      string
	cleaned  []string
	cleanErr error
}

func (w *fakeWorkspace) TaskDir(taskID string) (string, error)  { return w.dir, nil }
func (w *fakeWorkspace) ConvertedPath(taskID string) string     { return w.dir + "/" + taskID + "_converted.mp4" }
func (w *fakeWorkspace) CleanupTask(taskID string) error {
	w.cleaned = append(w.cleaned, taskID)
	return w.cleanErr
}

func testStageContext(t *testing.T) (*StageContext, *fakeDownloader, *fakeTranscoder, *fakeUploader, *fakeReporter, *fakeWorkspace) {
	t.Helper()
	dl := &fakeDownloader{}
	tr := &fakeTranscoder{result: &TranscodeResult{
		Duration:    90 * time.Second,
		BitrateKbps: 2500,
		Width:       1280,
		Height:      720,
		InputSize:   200,
		OutputSize:  100,
	}}
	up := &fakeUploader{result: &UploadResult{TargetURL: "https://store/presigned", Size: 100}}
	rep := &fakeReporter{}
	ws := &fakeWorkspace{dir: t.TempDir()}

	sc := &StageContext{
		Carry:      NewCarryStore(),
		Downloader: dl,
		Transcoder: tr,
		Uploader:   up,
		Reporter:   rep,
		Workspace:  ws,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return sc, dl, tr, up, rep, ws
}

func TestProcessor_DownloadStage(t *testing.T) {
	sc, _, _, _, rep, _ := testStageContext(t)
	tk := newTask("t1", 10)
	sc.Carry.Create("t1")

	p := NewProcessor(StageDownload, sc)
	require.NoError(t, p.Run(context.Background(), tk))

	assert.Equal(t, StatusDownloading, tk.Status)
	require.NotNil(t, tk.DownloadInfo)
	assert.Equal(t, float64(100), tk.DownloadInfo.Progress.Progress)
	assert.NotNil(t, tk.DownloadInfo.EndTime)

	entry, ok := sc.Carry.Get("t1")
	require.True(t, ok)
	assert.NotEmpty(t, entry.DownloadedFilePath)
	assert.Equal(t, entry.DownloadedFilePath, rep.markerPath)
	assert.Equal(t, 2, rep.downloadTicks)
}

func TestProcessor_ConvertStage(t *testing.T) {
	sc, _, tr, _, rep, _ := testStageContext(t)
	tk := newTask("t1", 0)
	sc.Carry.SetDownloadedPath("t1", "/scratch/t1/a.mp4")

	p := NewProcessor(StageConvert, sc)
	require.NoError(t, p.Run(context.Background(), tk))

	assert.Equal(t, StatusConverting, tk.Status)
	assert.Equal(t, "/scratch/t1/a.mp4", tr.input)
	require.NotNil(t, tk.ConvertResult)
	assert.Equal(t, 2500, tk.ConvertResult.BitrateKbps)
	assert.Positive(t, rep.convertTicks)

	entry, _ := sc.Carry.Get("t1")
	assert.NotEmpty(t, entry.ConvertedFilePath)
}

func TestProcessor_ConvertStage_MissingCarry(t *testing.T) {
	sc, _, _, _, _, _ := testStageContext(t)
	tk := newTask("t1", 0)

	p := NewProcessor(StageConvert, sc)
	err := p.Run(context.Background(), tk)
	require.Error(t, err)

	var taskErr *Error
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, CodeUnexpected, taskErr.Code)
	assert.Equal(t, StatusFailed, tk.Status)
	assert.NotEmpty(t, tk.Error.Message)
}

func TestProcessor_UploadStageDrivesToComplete(t *testing.T) {
	sc, _, _, up, rep, ws := testStageContext(t)
	tk := newTask("t1", 0)
	tk.DownloadInfo = &DownloadInfo{Progress: Progress{StartTime: time.Now().Add(-2 * time.Second)}}
	tk.ConvertResult = &TranscodeResult{Duration: time.Minute, BitrateKbps: 1800, Width: 1920, Height: 1080, InputSize: 300, OutputSize: 150}
	sc.Carry.SetConvertedPath("t1", "/scratch/t1_converted.mp4")

	p := NewProcessor(StageUpload, sc)
	require.NoError(t, p.Run(context.Background(), tk))

	// Upload drives straight into Complete within the stage.
	assert.Equal(t, StatusFinished, tk.Status)
	assert.Equal(t, "t1.mp4", up.key)
	assert.Equal(t, "t1", up.meta.TaskID)
	assert.Equal(t, 1800, up.meta.BitrateKbps)

	require.NotNil(t, tk.Result)
	assert.Equal(t, "success", tk.Result.Status)
	assert.Equal(t, "https://store/presigned", tk.Result.Path)
	assert.InDelta(t, 2.0, tk.Result.CompressionRatio, 0.01)
	assert.Positive(t, tk.Result.TotalDuration)

	assert.Equal(t, 1, rep.completeCalled)
	assert.Equal(t, []string{"t1"}, ws.cleaned)
}

func TestProcessor_DownloadFailureClassified(t *testing.T) {
	sc, dl, _, _, _, _ := testStageContext(t)
	dl.err = NewError(CodeDownload, errors.New("all chunk retries exhausted"))
	tk := newTask("t1", 0)

	p := NewProcessor(StageDownload, sc)
	err := p.Run(context.Background(), tk)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, tk.Status)
	require.NotNil(t, tk.Error)
	assert.Equal(t, CodeDownload, tk.Error.Code)
}

func TestProcessor_UnclassifiedErrorBecomesUnexpected(t *testing.T) {
	sc, dl, _, _, _, _ := testStageContext(t)
	dl.err = errors.New("disk vanished")
	tk := newTask("t1", 0)

	p := NewProcessor(StageDownload, sc)
	err := p.Run(context.Background(), tk)
	require.Error(t, err)
	assert.Equal(t, CodeUnexpected, tk.Error.Code)
}

func TestProcessor_RunFailed(t *testing.T) {
	sc, _, _, _, rep, ws := testStageContext(t)
	tk := newTask("t1", 0)
	taskErr := Errorf(CodeConvert, "Cannot load libcuda").WithCommand("ffmpeg -i in out")

	p := NewProcessor(StageConvert, sc)
	p.RunFailed(context.Background(), tk, taskErr)

	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, taskErr, tk.Error)
	assert.Equal(t, 1, rep.failCalls)
	assert.Equal(t, CodeConvert, rep.failed.Code)
	assert.Equal(t, []string{"t1"}, ws.cleaned)
}

func TestSourceFilename(t *testing.T) {
	assert.Equal(t, "a.mp4", sourceFilename("http://src/media/a.mp4"))
	assert.Equal(t, "source.bin", sourceFilename("http://src/"))
	assert.Equal(t, "source.bin", sourceFilename("://bad"))
}

func TestAsError(t *testing.T) {
	classified := Errorf(CodeUpload, "stat mismatch")
	assert.Equal(t, classified, AsError(classified))

	wrapped := AsError(errors.New("boom"))
	assert.Equal(t, CodeUnexpected, wrapped.Code)
	assert.Equal(t, "boom", wrapped.Message)

	assert.Nil(t, AsError(nil))
}

func TestRemote_Adapt(t *testing.T) {
	r := &Remote{ID: "t1", Source: "http://src/a.mp4", Status: StatusWaiting, Priority: 10}
	tk := r.Adapt()
	assert.Equal(t, "h264", tk.ConvertParams.VideoCodec)
	assert.Equal(t, "aac", tk.ConvertParams.AudioCodec)
	assert.Equal(t, "medium", tk.ConvertParams.Preset)

	r.ConvertParams = &ConvertParams{VideoCodec: "hevc", Resolution: &Resolution{Width: 1280, Height: 720}}
	tk = r.Adapt()
	assert.Equal(t, "hevc", tk.ConvertParams.VideoCodec)
	assert.Equal(t, "aac", tk.ConvertParams.AudioCodec, "missing fields get defaults")
	assert.Equal(t, 1280, tk.ConvertParams.Resolution.Width)
}
