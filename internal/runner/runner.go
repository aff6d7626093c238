package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KinnaTo/videoconverter/internal/client"
	"github.com/KinnaTo/videoconverter/internal/config"
	"github.com/KinnaTo/videoconverter/internal/downloader"
	"github.com/KinnaTo/videoconverter/internal/media"
	"github.com/KinnaTo/videoconverter/internal/probe"
	"github.com/KinnaTo/videoconverter/internal/task"
	"github.com/KinnaTo/videoconverter/internal/uploader"
)

// orphanMaxAge is how old a scratch entry must be before the startup
// sweep removes it. Younger entries keep their part files for resume.
const orphanMaxAge = 24 * time.Hour

// ControlPlane is the remote surface the runner consumes. *client.API
// satisfies it.
type ControlPlane interface {
	task.Reporter
	Online(ctx context.Context, m client.Machine) (*client.RunnerInfo, error)
	Heartbeat(ctx context.Context, info *probe.SystemInfo, encoder string) error
	GetTask(ctx context.Context) (*task.Remote, error)
	Start(ctx context.Context, taskID string) error
	MinioCredentials(ctx context.Context) (*uploader.Credentials, error)
	SetToken(token string)
}

// SystemProber produces device snapshots and the resolved encoder mode.
type SystemProber interface {
	Probe(ctx context.Context) (*probe.SystemInfo, string)
}

// Deps are the runner's collaborators. Zero fields are filled with the
// production implementations at construction.
type Deps struct {
	Config       *config.Config
	Identity     *config.Identity
	IdentityPath string
	API          ControlPlane
	Prober       SystemProber
	Downloader   task.Downloader
	// TranscoderFactory builds the transcoder once the encoder mode is
	// resolved by the first probe.
	TranscoderFactory func(encoder string) task.Transcoder
	Uploader          *uploader.Uploader
	// StageUploader overrides the credential-refreshing upload adapter.
	// Tests use this; production leaves it nil.
	StageUploader task.Uploader
	Logger        *slog.Logger
}

// Runner is the worker service: it registers with the control plane,
// heartbeats, acquires tasks, and dispatches them through the
// three-stage pipeline.
type Runner struct {
	cfg          *config.Config
	identity     *config.Identity
	identityPath string
	api          ControlPlane
	prober       SystemProber

	queue     *task.Queue
	carry     *task.CarryStore
	workspace *Workspace
	creds     *credCache

	downloaderEng     task.Downloader
	transcoderFactory func(encoder string) task.Transcoder
	uploaderEng       *uploader.Uploader
	stageUploader     task.Uploader

	encoder    string
	processors map[task.Stage]*task.Processor

	// heartbeatFailures counts consecutive misses; touched only by the
	// heartbeat goroutine.
	heartbeatFailures int

	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a runner from its dependencies.
func New(deps Deps) *Runner {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workspace := NewWorkspace(cfg.Scratch.Dir, logger)

	if deps.Prober == nil {
		deps.Prober = probe.New(workspace.Root(), cfg.Encoder, cfg.Intervals.Probe, logger)
	}
	if deps.Downloader == nil {
		deps.Downloader = downloader.New(downloader.Config{
			ChunkSize:   cfg.Download.ChunkSize.Bytes(),
			MinChunks:   cfg.Download.MinChunks,
			MaxChunks:   cfg.Download.MaxChunks,
			Parallel:    cfg.Download.Parallel,
			PartRetries: cfg.Download.PartRetries,
			Logger:      logger,
		})
	}
	if deps.TranscoderFactory == nil {
		deps.TranscoderFactory = func(encoder string) task.Transcoder {
			return media.NewTranscoder(media.Config{
				FFmpegPath:       cfg.Convert.FFmpegPath,
				FFprobePath:      cfg.Convert.FFprobePath,
				Encoder:          encoder,
				MaxFileSize:      cfg.Convert.MaxFileSize.Bytes(),
				AudioReserveKbps: cfg.Convert.AudioBitrateKbps,
				EncodeAudioKbps:  cfg.Convert.EncodeAudioKbps,
				MaxVideoKbps:     cfg.Convert.MaxVideoKbps,
				Logger:           logger,
			})
		}
	}
	if deps.Uploader == nil {
		deps.Uploader = uploader.New(uploader.Config{
			MultipartThreshold: cfg.Upload.MultipartThreshold.Bytes(),
			PartSize:           cfg.Upload.PartSize.Bytes(),
			PresignExpiry:      cfg.Upload.PresignExpiry,
			Logger:             logger,
		})
	}

	return &Runner{
		cfg:          cfg,
		identity:     deps.Identity,
		identityPath: deps.IdentityPath,
		api:          deps.API,
		prober:       deps.Prober,
		queue: task.NewQueue(task.QueueConfig{
			DownloadSlots: cfg.Queue.DownloadSlots,
			ConvertSlots:  cfg.Queue.ConvertSlots,
			UploadSlots:   cfg.Queue.UploadSlots,
		}),
		carry:             task.NewCarryStore(),
		workspace:         workspace,
		creds:             newCredCache(deps.API),
		downloaderEng:     deps.Downloader,
		transcoderFactory: deps.TranscoderFactory,
		uploaderEng:       deps.Uploader,
		stageUploader:     deps.StageUploader,
		logger:            logger,
	}
}

// Start brings the runner up: scratch workspace, credentials, probe,
// registration, then the heartbeat, poll, and dispatch loops.
// Registration failure is fatal; everything later degrades gracefully.
func (r *Runner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	if err := r.workspace.Ensure(); err != nil {
		return err
	}
	r.workspace.Sweep(orphanMaxAge)

	// Object-store credentials are a soft dependency at startup; the
	// first upload re-fetches when this fails.
	if _, err := r.creds.Get(ctx, false); err != nil {
		r.logger.Warn("object-store credentials unavailable, deferring to first upload",
			slog.String("error", err.Error()),
		)
	}

	info, encoder := r.prober.Probe(ctx)
	r.encoder = encoder
	r.logger.Info("system probed",
		slog.String("encoder", encoder),
		slog.String("cpu", info.CPU.Brand),
		slog.Int("cores", info.CPU.Cores),
		slog.Bool("gpu", info.GPU != nil),
	)

	if err := r.register(ctx, info); err != nil {
		return fmt.Errorf("registering with control plane: %w", err)
	}

	r.buildProcessors()

	r.loop(ctx, r.cfg.Intervals.Heartbeat, r.heartbeatTick)
	r.loop(ctx, r.cfg.Intervals.Poll, r.pollTick)
	r.loop(ctx, r.cfg.Intervals.Dispatch, r.dispatchTick)
	r.consumeEvents(ctx)

	return nil
}

// Stop cancels all loops and waits for in-flight work to yield.
// In-flight tasks are abandoned; the control plane times them out.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// register performs the online call and persists any re-provisioned
// identity the control plane hands back.
func (r *Runner) register(ctx context.Context, info *probe.SystemInfo) error {
	machine := client.Machine{
		ID:         r.identity.ID,
		Name:       r.identity.Name,
		DeviceInfo: info,
		Encoder:    r.encoder,
	}

	remote, err := r.api.Online(ctx, machine)
	if err != nil {
		return err
	}

	changed := false
	if remote.ID != "" && remote.ID != r.identity.ID {
		r.identity.ID = remote.ID
		changed = true
	}
	if remote.Token != "" && remote.Token != r.identity.Token {
		r.identity.Token = remote.Token
		r.api.SetToken(remote.Token)
		changed = true
	}
	if changed && r.identityPath != "" {
		if err := r.identity.Save(r.identityPath); err != nil {
			r.logger.Warn("persisting re-provisioned identity failed",
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("registered with control plane",
		slog.String("machine_id", r.identity.ID),
		slog.String("name", r.identity.Name),
	)
	return nil
}

// buildProcessors wires the per-stage state processors with the resolved
// encoder.
func (r *Runner) buildProcessors() {
	stageUploader := r.stageUploader
	if stageUploader == nil {
		stageUploader = &uploadAdapter{runner: r}
	}

	sc := &task.StageContext{
		Carry:      r.carry,
		Downloader: r.downloaderEng,
		Transcoder: r.transcoderFactory(r.encoder),
		Uploader:   stageUploader,
		Reporter:   r.api,
		Workspace:  r.workspace,
		Logger:     r.logger,
	}

	r.processors = map[task.Stage]*task.Processor{
		task.StageDownload: task.NewProcessor(task.StageDownload, sc),
		task.StageConvert:  task.NewProcessor(task.StageConvert, sc),
		task.StageUpload:   task.NewProcessor(task.StageUpload, sc),
	}
}

// loop runs fn on a ticker until the context ends.
func (r *Runner) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// consumeEvents drains the queue's event stream. The runner is the sole
// consumer; events feed debug logging.
func (r *Runner) consumeEvents(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.queue.Events():
				r.logger.Debug("queue event",
					slog.String("event_id", ev.ID),
					slog.String("type", string(ev.Type)),
					slog.String("task_id", ev.TaskID),
					slog.String("stage", string(ev.Stage)),
				)
			}
		}
	}()
}

// heartbeatTick probes the system and reports to the control plane.
// Failures never stop the runner.
func (r *Runner) heartbeatTick(ctx context.Context) {
	info, encoder := r.prober.Probe(ctx)
	if err := r.api.Heartbeat(ctx, info, encoder); err != nil {
		r.heartbeatFailures++
		r.logger.Warn("heartbeat failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", r.heartbeatFailures),
		)
		return
	}

	if r.heartbeatFailures > 0 {
		r.logger.Info("heartbeat recovered",
			slog.Int("previous_failures", r.heartbeatFailures),
		)
		r.heartbeatFailures = 0
	}
}

// pollTick acquires one task when the download stage has room.
func (r *Runner) pollTick(ctx context.Context) {
	if !r.queue.HasCapacity(task.StageDownload) {
		return
	}

	remote, err := r.api.GetTask(ctx)
	if err != nil {
		r.logger.Warn("task poll failed", slog.String("error", err.Error()))
		return
	}
	if remote == nil {
		return
	}

	if remote.Status != task.StatusWaiting {
		r.logger.Debug("skipping task not in waiting status",
			slog.String("task_id", remote.ID),
			slog.String("status", string(remote.Status)),
		)
		return
	}

	if err := r.api.Start(ctx, remote.ID); err != nil {
		if errors.Is(err, client.ErrTaskTaken) {
			r.logger.Debug("lost bind race", slog.String("task_id", remote.ID))
		} else {
			r.logger.Warn("task bind failed",
				slog.String("task_id", remote.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	t := remote.Adapt()
	if t.Status != task.StatusWaiting {
		return
	}

	r.carry.Create(t.ID)
	if err := r.queue.Add(t); err != nil {
		r.logger.Warn("enqueue failed",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
		r.carry.Delete(t.ID)
		return
	}

	r.logger.Info("task acquired",
		slog.String("task_id", t.ID),
		slog.Int("priority", t.Priority),
		slog.String("source", t.Source),
	)
}

// dispatchTick hands any runnable task in each stage to its processor.
func (r *Runner) dispatchTick(ctx context.Context) {
	if t := r.queue.NextDownload(); t != nil {
		r.spawnProcess(ctx, task.StageDownload, t)
	}
	if t := r.queue.NextConvert(); t != nil {
		r.spawnProcess(ctx, task.StageConvert, t)
	}
	if t := r.queue.NextUpload(); t != nil {
		r.spawnProcess(ctx, task.StageUpload, t)
	}
}

func (r *Runner) spawnProcess(ctx context.Context, stage task.Stage, t *task.Task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.process(ctx, stage, t)
	}()
}

// process drives one task through one stage and owns all queue and carry
// mutations that follow from the outcome.
func (r *Runner) process(ctx context.Context, stage task.Stage, t *task.Task) {
	err := r.processors[stage].Run(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: abandon silently, the control plane will
			// reassign after the heartbeat gap.
			r.logger.Info("abandoning task on shutdown",
				slog.String("task_id", t.ID),
				slog.String("stage", string(stage)),
			)
			return
		}

		taskErr := task.AsError(err)
		r.logger.Error("stage failed",
			slog.String("task_id", t.ID),
			slog.String("stage", string(stage)),
			slog.String("code", string(taskErr.Code)),
			slog.String("error", taskErr.Message),
		)

		r.processors[stage].RunFailed(ctx, t, taskErr)
		if qerr := r.queue.Fail(t.ID, stage); qerr != nil {
			r.logger.Warn("queue failure bookkeeping failed",
				slog.String("task_id", t.ID),
				slog.String("error", qerr.Error()),
			)
		}
		r.carry.Delete(t.ID)
		return
	}

	switch stage {
	case task.StageDownload:
		err = r.queue.CompleteDownload(t)
	case task.StageConvert:
		err = r.queue.CompleteConvert(t)
	case task.StageUpload:
		err = r.queue.CompleteUpload(t)
		r.carry.Delete(t.ID)
		r.logger.Info("task finished",
			slog.String("task_id", t.ID),
			slog.String("path", t.Result.Path),
		)
	}
	if err != nil {
		r.logger.Warn("queue transition failed",
			slog.String("task_id", t.ID),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
}

// uploadAdapter implements task.Uploader on top of the uploader engine,
// supplying fresh credentials per upload and refreshing them once when
// an upload fails (stale credentials are the common cause).
type uploadAdapter struct {
	runner *Runner
}

func (u *uploadAdapter) Upload(ctx context.Context, localPath, objectKey string, meta task.UploadMetadata, onProgress func(task.TransferProgress)) (*task.UploadResult, error) {
	r := u.runner

	creds, err := r.creds.Get(ctx, false)
	if err != nil {
		return nil, task.NewError(task.CodeUpload, err)
	}

	result, err := r.uploaderEng.Upload(ctx, *creds, localPath, objectKey, meta, onProgress)
	if err == nil || ctx.Err() != nil {
		return result, err
	}

	r.logger.Warn("upload failed, refreshing credentials and retrying",
		slog.String("object", objectKey),
		slog.String("error", err.Error()),
	)

	creds, credErr := r.creds.Get(ctx, true)
	if credErr != nil {
		return nil, err
	}
	return r.uploaderEng.Upload(ctx, *creds, localPath, objectKey, meta, onProgress)
}
