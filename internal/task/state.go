package task

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"time"
)

// TransferProgress is a byte-transfer progress snapshot emitted by the
// downloader and uploader.
type TransferProgress struct {
	TotalSize    int64
	CurrentSize  int64
	Percent      float64 // 0..100
	CurrentSpeed float64 // bytes/s
	AverageSpeed float64 // bytes/s
	ETA          int64   // seconds
}

// TranscodeProgress is a progress snapshot emitted by the transcoder.
type TranscodeProgress struct {
	Percent     float64
	Frame       int64
	FPS         float64
	BitrateKbps float64
	OutTime     time.Duration
	Speed       float64
}

// TranscodeResult is the outcome of a finished transcode.
type TranscodeResult struct {
	Duration    time.Duration
	BitrateKbps int
	Width       int
	Height      int
	InputSize   int64
	OutputSize  int64
}

// UploadResult is the outcome of a finished upload.
type UploadResult struct {
	TargetURL string
	Size      int64
	Hash      string
}

// UploadMetadata is attached to the stored object.
type UploadMetadata struct {
	TaskID      string
	Duration    time.Duration
	BitrateKbps int
	Size        int64
	Width       int
	Height      int
}

// Downloader fetches a task's source bytes.
type Downloader interface {
	Download(ctx context.Context, url, destPath string, onProgress func(TransferProgress)) (string, error)
}

// Transcoder re-encodes a downloaded artifact.
type Transcoder interface {
	Transcode(ctx context.Context, input, output string, params ConvertParams, onProgress func(TranscodeProgress)) (*TranscodeResult, error)
}

// Uploader stores a converted artifact in the object store. Implementations
// obtain fresh credentials per upload.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectKey string, meta UploadMetadata, onProgress func(TransferProgress)) (*UploadResult, error)
}

// Reporter mirrors task progress and terminal status to the control plane.
// Report* calls are fire-and-forget; the marker and terminal calls return
// errors.
type Reporter interface {
	ReportDownload(ctx context.Context, taskID string, info *DownloadInfo)
	ReportConvert(ctx context.Context, taskID string, info *ConvertInfo)
	ReportUpload(ctx context.Context, taskID string, info *UploadInfo)
	DownloadComplete(ctx context.Context, taskID, downloadedFilePath string) error
	Complete(ctx context.Context, taskID string, result *Result) error
	Fail(ctx context.Context, taskID string, taskErr *Error) error
}

// Workspace manages per-task scratch storage.
type Workspace interface {
	TaskDir(taskID string) (string, error)
	ConvertedPath(taskID string) string
	CleanupTask(taskID string) error
}

// StageContext bundles the collaborators the states drive.
type StageContext struct {
	Carry      *CarryStore
	Downloader Downloader
	Transcoder Transcoder
	Uploader   Uploader
	Reporter   Reporter
	Workspace  Workspace
	Logger     *slog.Logger
}

// State is one node of the per-task state machine. Returning a non-nil
// next state means drive it immediately within this stage; returning nil
// yields to the queue, which schedules the next stage (if any).
type State interface {
	Name() string
	Process(ctx context.Context, sc *StageContext, t *Task) (State, error)
}

// Processor drives a task through one stage's states. A processor is
// instantiated per stage and enters at that stage's entry state.
type Processor struct {
	stage Stage
	sc    *StageContext
}

// NewProcessor creates a processor for the given stage.
func NewProcessor(stage Stage, sc *StageContext) *Processor {
	return &Processor{stage: stage, sc: sc}
}

// Run drives the task from the stage's entry state until a state yields.
// On error the task is marked FAILED with a classified error, and the
// error is returned for the runner to translate into a Failed transition.
func (p *Processor) Run(ctx context.Context, t *Task) error {
	state := entryState(p.stage)
	for state != nil {
		p.sc.Logger.Debug("entering state",
			slog.String("task_id", t.ID),
			slog.String("state", state.Name()),
		)

		next, err := state.Process(ctx, p.sc, t)
		if err != nil {
			taskErr := AsError(err)
			t.Status = StatusFailed
			t.Error = taskErr
			return taskErr
		}
		state = next
	}
	return nil
}

// RunFailed drives the Failed state for a task whose stage errored: posts
// the failure upstream and disposes local artifacts.
func (p *Processor) RunFailed(ctx context.Context, t *Task, taskErr *Error) {
	failed := &failedState{err: taskErr}
	if _, err := failed.Process(ctx, p.sc, t); err != nil {
		p.sc.Logger.Error("failure handling failed",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// entryState maps a stage to its entry state.
func entryState(stage Stage) State {
	switch stage {
	case StageConvert:
		return &convertingState{}
	case StageUpload:
		return &uploadingState{}
	default:
		return &waitingState{}
	}
}

// waitingState transitions synchronously into downloading.
type waitingState struct{}

func (s *waitingState) Name() string { return "waiting" }

func (s *waitingState) Process(ctx context.Context, sc *StageContext, t *Task) (State, error) {
	return &downloadingState{}, nil
}

// downloadingState fetches the task source into the task's scratch dir.
type downloadingState struct{}

func (s *downloadingState) Name() string { return "downloading" }

func (s *downloadingState) Process(ctx context.Context, sc *StageContext, t *Task) (State, error) {
	t.Status = StatusDownloading

	dir, err := sc.Workspace.TaskDir(t.ID)
	if err != nil {
		return nil, NewError(CodeDownload, fmt.Errorf("creating scratch dir: %w", err))
	}

	dest := filepath.Join(dir, sourceFilename(t.Source))

	info := &DownloadInfo{Progress: Progress{StartTime: time.Now()}}
	t.DownloadInfo = info

	downloaded, err := sc.Downloader.Download(ctx, t.Source, dest, func(p TransferProgress) {
		applyTransfer(&info.Progress, p)
		info.FileSize = p.TotalSize
		sc.Reporter.ReportDownload(ctx, t.ID, info)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	info.EndTime = &now
	info.Progress.Progress = 100

	sc.Carry.SetDownloadedPath(t.ID, downloaded)

	if err := sc.Reporter.DownloadComplete(ctx, t.ID, downloaded); err != nil {
		return nil, NewError(CodeDownload, fmt.Errorf("reporting download complete: %w", err)).
			WithPath(downloaded)
	}

	return nil, nil
}

// convertingState re-encodes the downloaded artifact.
type convertingState struct{}

func (s *convertingState) Name() string { return "converting" }

func (s *convertingState) Process(ctx context.Context, sc *StageContext, t *Task) (State, error) {
	t.Status = StatusConverting

	entry, ok := sc.Carry.Get(t.ID)
	if !ok || entry.DownloadedFilePath == "" {
		return nil, Errorf(CodeUnexpected, "no downloaded artifact for task %s", t.ID)
	}

	output := sc.Workspace.ConvertedPath(t.ID)

	info := &ConvertInfo{
		Progress:   Progress{StartTime: time.Now()},
		Preset:     t.ConvertParams.Preset,
		Resolution: t.ConvertParams.Resolution,
	}
	t.ConvertInfo = info

	result, err := sc.Transcoder.Transcode(ctx, entry.DownloadedFilePath, output, t.ConvertParams, func(p TranscodeProgress) {
		info.Progress.Progress = p.Percent
		info.CurrentFrame = p.Frame
		info.CurrentFPS = p.FPS
		info.CurrentBitrate = p.BitrateKbps
		sc.Reporter.ReportConvert(ctx, t.ID, info)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	info.EndTime = &now
	info.Progress.Progress = 100
	info.TotalSize = result.OutputSize
	info.CurrentSize = result.OutputSize
	info.CurrentBitrate = float64(result.BitrateKbps)

	t.ConvertResult = result
	sc.Carry.SetConvertedPath(t.ID, output)

	return nil, nil
}

// uploadingState ships the converted artifact to the object store.
type uploadingState struct{}

func (s *uploadingState) Name() string { return "uploading" }

func (s *uploadingState) Process(ctx context.Context, sc *StageContext, t *Task) (State, error) {
	t.Status = StatusUploading

	entry, ok := sc.Carry.Get(t.ID)
	if !ok || entry.ConvertedFilePath == "" {
		return nil, Errorf(CodeUnexpected, "no converted artifact for task %s", t.ID)
	}

	meta := UploadMetadata{TaskID: t.ID}
	if r := t.ConvertResult; r != nil {
		meta.Duration = r.Duration
		meta.BitrateKbps = r.BitrateKbps
		meta.Size = r.OutputSize
		meta.Width = r.Width
		meta.Height = r.Height
	}

	info := &UploadInfo{Progress: Progress{StartTime: time.Now()}}
	t.UploadInfo = info

	result, err := sc.Uploader.Upload(ctx, entry.ConvertedFilePath, t.ID+".mp4", meta, func(p TransferProgress) {
		applyTransfer(&info.Progress, p)
		sc.Reporter.ReportUpload(ctx, t.ID, info)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	info.EndTime = &now
	info.Progress.Progress = 100
	info.TargetURL = result.TargetURL
	info.Hash = result.Hash

	return &completeState{}, nil
}

// completeState reports terminal success and disposes local state.
type completeState struct{}

func (s *completeState) Name() string { return "complete" }

func (s *completeState) Process(ctx context.Context, sc *StageContext, t *Task) (State, error) {
	t.Status = StatusFinished

	result := &Result{Status: "success"}
	if t.UploadInfo != nil {
		result.Path = t.UploadInfo.TargetURL
	}
	if t.DownloadInfo != nil {
		result.TotalDuration = time.Since(t.DownloadInfo.StartTime).Milliseconds()
	}
	if r := t.ConvertResult; r != nil && r.OutputSize > 0 {
		result.CompressionRatio = float64(r.InputSize) / float64(r.OutputSize)
	}
	t.Result = result

	if err := sc.Reporter.Complete(ctx, t.ID, result); err != nil {
		return nil, NewError(CodeUnexpected, fmt.Errorf("reporting completion: %w", err))
	}

	if err := sc.Workspace.CleanupTask(t.ID); err != nil {
		sc.Logger.Warn("scratch cleanup failed",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil, nil
}

// failedState reports terminal failure and disposes local state.
type failedState struct {
	err *Error
}

func (s *failedState) Name() string { return "failed" }

func (s *failedState) Process(ctx context.Context, sc *StageContext, t *Task) (State, error) {
	t.Status = StatusFailed
	t.Error = s.err

	if err := sc.Reporter.Fail(ctx, t.ID, s.err); err != nil {
		sc.Logger.Error("failure report did not land",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := sc.Workspace.CleanupTask(t.ID); err != nil {
		sc.Logger.Warn("scratch cleanup failed",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil, nil
}

// applyTransfer copies a transfer snapshot into a progress record.
func applyTransfer(p *Progress, snap TransferProgress) {
	p.TotalSize = snap.TotalSize
	p.CurrentSize = snap.CurrentSize
	p.Progress = snap.Percent
	p.CurrentSpeed = snap.CurrentSpeed
	p.AverageSpeed = snap.AverageSpeed
	p.ETA = snap.ETA
}

// sourceFilename derives the scratch filename for a source URL.
func sourceFilename(source string) string {
	u, err := url.Parse(source)
	if err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return "source.bin"
}
