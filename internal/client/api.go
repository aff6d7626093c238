// Package client implements the control-plane HTTP contract the runner
// consumes. Every call is classified as a progress, state, or default
// request and executed through the shared resilient client, so retry
// behaviour is uniform across call sites.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/KinnaTo/videoconverter/internal/probe"
	"github.com/KinnaTo/videoconverter/internal/task"
	"github.com/KinnaTo/videoconverter/internal/uploader"
	"github.com/KinnaTo/videoconverter/pkg/httpclient"
)

// Sentinel errors surfaced to the runner.
var (
	// ErrForbidden means the control plane rejected our token.
	ErrForbidden = errors.New("control plane rejected credentials")
	// ErrNotFound maps 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrTaskTaken means another runner won the bind race.
	ErrTaskTaken = errors.New("task already bound to another runner")
)

// Machine is the registration payload.
type Machine struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	DeviceInfo *probe.SystemInfo `json:"deviceInfo"`
	Encoder    string            `json:"encoder"`
}

// RunnerInfo is the control plane's view of this runner. The control
// plane may re-provision id and token; the runner persists whatever
// comes back.
type RunnerInfo struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`
}

// API is the typed control-plane client. It implements task.Reporter.
type API struct {
	baseURL string
	token   string
	http    *httpclient.Client
	logger  *slog.Logger
}

// New creates an API client. baseURL is the API root including /api.
func New(baseURL, token string, hc *httpclient.Client, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
		logger:  logger,
	}
}

// SetToken swaps the bearer token after re-provisioning.
func (a *API) SetToken(token string) {
	a.token = token
}

// Online registers (or re-registers) the machine.
func (a *API) Online(ctx context.Context, m Machine) (*RunnerInfo, error) {
	var resp struct {
		Runner *RunnerInfo `json:"runner"`
	}
	body := map[string]Machine{"machine": m}
	if err := a.request(ctx, http.MethodPost, "/runner/online", body, &resp); err != nil {
		return nil, err
	}
	if resp.Runner == nil {
		return nil, fmt.Errorf("registration response carried no runner")
	}
	return resp.Runner, nil
}

// Heartbeat reports liveness and telemetry.
func (a *API) Heartbeat(ctx context.Context, info *probe.SystemInfo, encoder string) error {
	body := map[string]any{"deviceInfo": info, "encoder": encoder}
	return a.request(ctx, http.MethodPost, "/runner/heartbeat", body, nil)
}

// GetTask fetches the next unbound task. Returns (nil, nil) when the
// control plane has nothing for us.
func (a *API) GetTask(ctx context.Context) (*task.Remote, error) {
	var resp struct {
		Task *task.Remote `json:"task"`
	}
	err := a.request(ctx, http.MethodGet, "/runner/getTask", nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// Start binds the task to this runner. The bind is atomic server-side;
// losing the race returns ErrTaskTaken.
func (a *API) Start(ctx context.Context, taskID string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := a.request(ctx, http.MethodPost, "/runner/"+taskID+"/start", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return ErrTaskTaken
	}
	return nil
}

// DownloadComplete posts the download stage marker.
func (a *API) DownloadComplete(ctx context.Context, taskID, downloadedFilePath string) error {
	body := map[string]string{"downloadedFilePath": downloadedFilePath}
	return a.request(ctx, http.MethodPost, "/runner/"+taskID+"/downloadComplete", body, nil)
}

// ReportDownload posts a download progress tick. Failures are swallowed.
func (a *API) ReportDownload(ctx context.Context, taskID string, info *task.DownloadInfo) {
	a.reportProgress(ctx, taskID, "download", map[string]any{"downloadInfo": info})
}

// ReportConvert posts a convert progress tick. Failures are swallowed.
func (a *API) ReportConvert(ctx context.Context, taskID string, info *task.ConvertInfo) {
	a.reportProgress(ctx, taskID, "convert", map[string]any{"convertInfo": info})
}

// ReportUpload posts an upload progress tick. Failures are swallowed.
func (a *API) ReportUpload(ctx context.Context, taskID string, info *task.UploadInfo) {
	a.reportProgress(ctx, taskID, "upload", map[string]any{"uploadInfo": info})
}

func (a *API) reportProgress(ctx context.Context, taskID, kind string, body any) {
	if err := a.request(ctx, http.MethodPost, "/runner/"+taskID+"/"+kind, body, nil); err != nil {
		a.logger.Warn("progress tick lost",
			slog.String("task_id", taskID),
			slog.String("stage", kind),
			slog.String("error", err.Error()),
		)
	}
}

// Complete posts terminal success.
func (a *API) Complete(ctx context.Context, taskID string, result *task.Result) error {
	body := map[string]any{"result": result}
	return a.request(ctx, http.MethodPost, "/runner/"+taskID+"/complete", body, nil)
}

// Fail posts terminal failure.
func (a *API) Fail(ctx context.Context, taskID string, taskErr *task.Error) error {
	body := map[string]any{"error": taskErr}
	return a.request(ctx, http.MethodPost, "/runner/"+taskID+"/fail", body, nil)
}

// MinioCredentials fetches current object-store credentials.
func (a *API) MinioCredentials(ctx context.Context) (*uploader.Credentials, error) {
	var creds uploader.Credentials
	if err := a.request(ctx, http.MethodGet, "/runner/minio", nil, &creds); err != nil {
		return nil, err
	}
	if creds.Endpoint == "" || creds.Bucket == "" {
		return nil, fmt.Errorf("object-store credentials incomplete")
	}
	return &creds, nil
}

// request executes one classified call against the control plane.
func (a *API) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.DoPolicy(req, ClassifyPath(path))
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrForbidden)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

// ClassifyPath maps a control-plane path to its retry policy: the bare
// stage names are progress ticks, the action verbs are state calls,
// everything else uses the default policy.
func ClassifyPath(path string) httpclient.Policy {
	segment := path[strings.LastIndex(path, "/")+1:]
	switch segment {
	case "download", "convert", "upload":
		return httpclient.PolicyProgress
	case "start", "complete", "fail", "downloadComplete":
		return httpclient.PolicyState
	default:
		return httpclient.PolicyDefault
	}
}
