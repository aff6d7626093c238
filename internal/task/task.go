// Package task defines the runner's task model and the pipeline machinery
// around it: the per-task state machine, the multi-stage queue, and the
// carry store that threads artifact paths between stages.
package task

import "time"

// Status is the lifecycle status of a task.
type Status string

const (
	StatusWaiting     Status = "WAITING"
	StatusDownloading Status = "DOWNLOADING"
	StatusConverting  Status = "CONVERTING"
	StatusUploading   Status = "UPLOADING"
	StatusFinished    Status = "FINISHED"
	StatusFailed      Status = "FAILED"
	StatusPaused      Status = "PAUSED"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Stage identifies one of the three pipeline stages.
type Stage string

const (
	StageDownload Stage = "download"
	StageConvert  Stage = "convert"
	StageUpload   Stage = "upload"
)

// Resolution is an output frame size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ConvertParams are the encoding parameters attached to a task.
type ConvertParams struct {
	VideoCodec string      `json:"videoCodec"`
	AudioCodec string      `json:"audioCodec"`
	Preset     string      `json:"preset"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// DefaultConvertParams returns the parameters applied when the control
// plane sends a task without any.
func DefaultConvertParams() ConvertParams {
	return ConvertParams{
		VideoCodec: "h264",
		AudioCodec: "aac",
		Preset:     "medium",
	}
}

// Progress is the shared shape of per-stage progress records.
type Progress struct {
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	TotalSize    int64      `json:"totalSize"`
	CurrentSize  int64      `json:"currentSize"`
	Progress     float64    `json:"progress"` // 0..100
	CurrentSpeed float64    `json:"currentSpeed"`
	AverageSpeed float64    `json:"averageSpeed"`
	ETA          int64      `json:"eta"` // seconds
}

// DownloadInfo is the download-stage progress record.
type DownloadInfo struct {
	Progress
	FileSize int64 `json:"fileSize"`
}

// ConvertInfo is the convert-stage progress record.
type ConvertInfo struct {
	Progress
	CurrentFPS     float64     `json:"currentFps"`
	CurrentFrame   int64       `json:"currentFrame"`
	CurrentBitrate float64     `json:"currentBitrate"` // kbps
	Preset         string      `json:"preset"`
	Params         string      `json:"params"`
	Resolution     *Resolution `json:"resolution,omitempty"`
}

// UploadInfo is the upload-stage progress record.
type UploadInfo struct {
	Progress
	TargetURL string `json:"targetUrl"`
	Hash      string `json:"hash,omitempty"`
}

// Result is populated when a task completes successfully. Path carries
// the presigned URL of the uploaded object.
type Result struct {
	TotalDuration    int64   `json:"totalDuration"` // milliseconds
	CompressionRatio float64 `json:"compressionRatio"`
	Status           string  `json:"status"` // success or failed
	Path             string  `json:"path,omitempty"`
}

// Task is a transcode job bound to this runner. Identity and convert
// parameters come from the control plane; the progress envelopes are
// maintained locally and mirrored upstream via progress ticks.
//
// Intermediate artifact paths are deliberately NOT part of the task: the
// control plane has no schema for them, so they live in the carry store.
type Task struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	ConvertParams ConvertParams `json:"convertParams"`

	DownloadInfo *DownloadInfo `json:"downloadInfo,omitempty"`
	ConvertInfo  *ConvertInfo  `json:"convertInfo,omitempty"`
	UploadInfo   *UploadInfo   `json:"uploadInfo,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`

	// ConvertResult holds the transcode outcome for the upload stage's
	// object metadata. Local only, never sent upstream.
	ConvertResult *TranscodeResult `json:"-"`
}

// Remote is the task shape the control plane returns from getTask.
// Convert params may be absent; Adapt fills defaults.
type Remote struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Status        Status         `json:"status"`
	Priority      int            `json:"priority"`
	ConvertParams *ConvertParams `json:"convertParams,omitempty"`
}

// Adapt converts the remote shape into the local task model, applying
// default convert parameters where the control plane sent none.
func (r *Remote) Adapt() *Task {
	params := DefaultConvertParams()
	if r.ConvertParams != nil {
		params = *r.ConvertParams
		defaults := DefaultConvertParams()
		if params.VideoCodec == "" {
			params.VideoCodec = defaults.VideoCodec
		}
		if params.AudioCodec == "" {
			params.AudioCodec = defaults.AudioCodec
		}
		if params.Preset == "" {
			params.Preset = defaults.Preset
		}
	}

	return &Task{
		ID:            r.ID,
		Source:        r.Source,
		Status:        r.Status,
		Priority:      r.Priority,
		ConvertParams: params,
	}
}
