// Package downloader implements the runner's source fetch engine: a
// chunked, resumable HTTP download with parallel range requests.
//
// A download is split into up to MaxChunks ranges; each range streams into
// a .partN sibling of the destination so an interrupted transfer resumes
// from the bytes already on disk. Single-stream sources with unknown
// length are the one-chunk case of the same machinery.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KinnaTo/videoconverter/internal/task"
)

// Defaults for chunk planning and retry behaviour.
const (
	DefaultChunkSize   = 5 * 1024 * 1024
	DefaultMinChunks   = 1
	DefaultMaxChunks   = 32
	DefaultParallel    = 8
	DefaultPartRetries = 5

	defaultRetryDelay    = 1 * time.Second
	defaultRetryMaxDelay = 30 * time.Second

	copyBufferSize = 32 * 1024
)

// Config holds downloader configuration.
type Config struct {
	// ChunkSize is the target size of each ranged chunk.
	ChunkSize int64
	// MinChunks and MaxChunks clamp the computed chunk count.
	MinChunks int
	MaxChunks int
	// Parallel caps the number of in-flight chunk transfers.
	Parallel int
	// PartRetries is the per-chunk retry budget.
	PartRetries int
	// RetryDelay and RetryMaxDelay bound the per-chunk backoff.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	// PurgeOnCancel removes part files when the download is cancelled.
	// Off by default so a future attempt resumes.
	PurgeOnCancel bool
	// HTTPClient overrides the transport. If nil a plain client with no
	// overall timeout is used; chunk bodies are bounded by ctx.
	HTTPClient *http.Client
	// Logger is the structured logger.
	Logger *slog.Logger
}

// Downloader fetches task sources. Safe for concurrent use; each
// Download call tracks its own progress.
type Downloader struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a downloader, applying defaults for zero config values.
func New(cfg Config) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MinChunks <= 0 {
		cfg.MinChunks = DefaultMinChunks
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	if cfg.MaxChunks < cfg.MinChunks {
		cfg.MaxChunks = cfg.MinChunks
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = DefaultParallel
	}
	if cfg.PartRetries <= 0 {
		cfg.PartRetries = DefaultPartRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Downloader{cfg: cfg, client: cfg.HTTPClient, logger: cfg.Logger}
}

// chunk is one ranged slice of the source. A chunk with length < 0 has
// unknown extent (single-stream mode).
type chunk struct {
	index  int
	start  int64
	length int64
}

func (c chunk) partPath(dest string) string {
	return fmt.Sprintf("%s.part%d", dest, c.index)
}

// Download fetches url into destPath, resuming any part files left by a
// previous attempt. Progress callbacks fire at most once per second plus
// once on completion. The returned path equals destPath on success.
func (d *Downloader) Download(ctx context.Context, url, destPath string, onProgress func(task.TransferProgress)) (string, error) {
	size, err := d.probeSize(ctx, url)
	if err != nil {
		return "", err
	}

	chunks := planChunks(size, d.cfg.ChunkSize, d.cfg.MinChunks, d.cfg.MaxChunks)

	// Count bytes already present from a previous attempt.
	var resumed int64
	for _, c := range chunks {
		if have := partSize(c.partPath(destPath)); have > 0 {
			if c.length >= 0 && have > c.length {
				have = c.length
			}
			resumed += have
		}
	}

	tr := newTracker(size, resumed)
	progressDone := tr.startReporting(ctx, onProgress)

	d.logger.Info("download starting",
		slog.String("url", url),
		slog.Int64("size", size),
		slog.Int("chunks", len(chunks)),
		slog.Int64("resumed_bytes", resumed),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallel)
	for _, c := range chunks {
		g.Go(func() error {
			return d.fetchChunk(gctx, url, destPath, c, tr)
		})
	}

	err = g.Wait()
	progressDone()

	if err != nil {
		if d.cfg.PurgeOnCancel && errors.Is(err, context.Canceled) {
			d.purgeParts(destPath, chunks)
		}
		var taskErr *task.Error
		if errors.As(err, &taskErr) {
			return "", taskErr
		}
		return "", task.NewError(task.CodeDownload, err)
	}

	if err := d.assemble(destPath, chunks, size); err != nil {
		return "", err
	}

	tr.emitFinal(onProgress)

	d.logger.Info("download complete",
		slog.String("path", destPath),
		slog.Int64("bytes", tr.downloaded.Load()),
	)

	return destPath, nil
}

// probeSize HEADs the URL and returns the content length, or -1 when the
// server does not advertise one. A zero-length source is an error.
func (d *Downloader) probeSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, task.NewError(task.CodeDownload, fmt.Errorf("building HEAD request: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, task.NewError(task.CodeDownload, fmt.Errorf("probing source: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, task.Errorf(task.CodeDownload, "source probe returned status %d", resp.StatusCode)
	}

	switch {
	case resp.ContentLength == 0:
		return 0, task.Errorf(task.CodeDownload, "source is empty")
	case resp.ContentLength < 0:
		return -1, nil
	default:
		return resp.ContentLength, nil
	}
}

// planChunks computes the chunk layout for a source of the given size.
// Unknown size collapses to a single unbounded chunk.
func planChunks(size, chunkSize int64, minChunks, maxChunks int) []chunk {
	if size < 0 {
		return []chunk{{index: 0, start: 0, length: -1}}
	}

	n := int((size + chunkSize - 1) / chunkSize)
	if n < minChunks {
		n = minChunks
	}
	if n > maxChunks {
		n = maxChunks
	}

	// Even split, remainder spread over the leading chunks.
	base := size / int64(n)
	rem := size % int64(n)

	chunks := make([]chunk, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := base
		if int64(i) < rem {
			length++
		}
		chunks = append(chunks, chunk{index: i, start: offset, length: length})
		offset += length
	}
	return chunks
}

// fetchChunk transfers one chunk with retries, appending to its part file.
func (d *Downloader) fetchChunk(ctx context.Context, url, destPath string, c chunk, tr *tracker) error {
	delay := d.cfg.RetryDelay

	var lastErr error
	for attempt := 0; attempt < d.cfg.PartRetries; attempt++ {
		if attempt > 0 {
			d.logger.Warn("retrying chunk",
				slog.Int("chunk", c.index),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, d.cfg.RetryMaxDelay)
		}

		err := d.fetchChunkOnce(ctx, url, destPath, c, tr)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}

	return task.NewError(task.CodeDownload,
		fmt.Errorf("chunk %d failed after %d attempts: %w", c.index, d.cfg.PartRetries, lastErr))
}

// fetchChunkOnce performs a single ranged attempt for a chunk.
func (d *Downloader) fetchChunkOnce(ctx context.Context, url, destPath string, c chunk, tr *tracker) error {
	partPath := c.partPath(destPath)
	have := partSize(partPath)
	if c.length >= 0 {
		if have >= c.length {
			return nil // already complete from a previous attempt
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	bounded := c.length >= 0
	if bounded {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.start+have, c.start+c.length-1))
	} else if have > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", have))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting range: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Resuming where we left off.
	case http.StatusOK:
		// Server ignored the range; start the part over.
		if have > 0 {
			if err := os.Truncate(partPath, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("truncating part: %w", err)
			}
			tr.downloaded.Add(-have)
			have = 0
		}
	default:
		return fmt.Errorf("range request returned status %d", resp.StatusCode)
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening part file: %w", err)
	}
	defer f.Close()

	written, err := d.copyCounting(ctx, f, resp.Body, tr)
	if err != nil {
		return err
	}

	if bounded && have+written != c.length {
		return fmt.Errorf("chunk %d short: got %d of %d bytes", c.index, have+written, c.length)
	}
	return nil
}

// copyCounting streams src into dst, crediting the tracker per read and
// honouring cancellation between reads.
func (d *Downloader) copyCounting(ctx context.Context, dst *os.File, src io.Reader, tr *tracker) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				total += int64(nw)
				tr.downloaded.Add(int64(nw))
			}
			if werr != nil {
				return total, fmt.Errorf("writing part: %w", werr)
			}
			if nw != nr {
				return total, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, fmt.Errorf("reading body: %w", rerr)
		}
	}
}

// assemble concatenates the part files into destPath in order, unlinking
// each part, then verifies the final size.
func (d *Downloader) assemble(destPath string, chunks []chunk, expected int64) error {
	out, err := os.Create(destPath)
	if err != nil {
		return task.NewError(task.CodeDownload, fmt.Errorf("creating destination: %w", err))
	}
	defer out.Close()

	var total int64
	for _, c := range chunks {
		partPath := c.partPath(destPath)
		in, err := os.Open(partPath)
		if err != nil {
			return task.NewError(task.CodeDownload, fmt.Errorf("opening part %d: %w", c.index, err)).
				WithPath(partPath)
		}

		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			return task.NewError(task.CodeDownload, fmt.Errorf("concatenating part %d: %w", c.index, err))
		}
		total += n

		if err := os.Remove(partPath); err != nil {
			d.logger.Warn("part unlink failed",
				slog.String("path", partPath),
				slog.String("error", err.Error()),
			)
		}
	}

	if expected >= 0 && total != expected {
		os.Remove(destPath)
		return task.Errorf(task.CodeDownload, "size mismatch: assembled %d bytes, expected %d", total, expected).
			WithPath(destPath)
	}
	return nil
}

// purgeParts removes the part files of an abandoned download.
func (d *Downloader) purgeParts(destPath string, chunks []chunk) {
	for _, c := range chunks {
		os.Remove(c.partPath(destPath))
	}
}

// partSize returns the size of a part file, zero when absent.
func partSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
