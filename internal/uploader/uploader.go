// Package uploader ships converted artifacts to an S3-compatible object
// store and produces presigned result URLs.
//
// Small files go up in a single PUT; anything over the multipart
// threshold is uploaded in parts. After the object lands its size is
// verified against the local file, and partial objects are removed on
// any failure.
package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/KinnaTo/videoconverter/internal/task"
)

// Defaults for upload sizing.
const (
	DefaultMultipartThreshold = 10 * 1024 * 1024
	DefaultPartSize           = 5 * 1024 * 1024
	DefaultPresignExpiry      = 7 * 24 * time.Hour

	contentType = "video/mp4"
)

// Credentials identify the object store. The control plane hands these
// out and may rotate them between uploads.
type Credentials struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
}

// Config holds uploader configuration.
type Config struct {
	MultipartThreshold int64
	PartSize           int64
	PresignExpiry      time.Duration
	Logger             *slog.Logger
}

// Uploader stores artifacts in the object store. A fresh client is built
// per upload from the credentials supplied by the caller, so credential
// rotation needs no client state.
type Uploader struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an uploader, applying defaults for zero config values.
func New(cfg Config) *Uploader {
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = DefaultMultipartThreshold
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = DefaultPresignExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Uploader{cfg: cfg, logger: cfg.Logger}
}

// Upload stores localPath under objectKey using the given credentials,
// verifies the stored size, and returns a presigned URL for the object.
func (u *Uploader) Upload(ctx context.Context, creds Credentials, localPath, objectKey string, meta task.UploadMetadata, onProgress func(task.TransferProgress)) (*task.UploadResult, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, task.NewError(task.CodeUpload, fmt.Errorf("stat local file: %w", err)).
			WithPath(localPath)
	}
	if fi.Size() == 0 {
		return nil, task.Errorf(task.CodeUpload, "local file is empty").WithPath(localPath)
	}
	size := fi.Size()

	client, err := u.newClient(creds)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, task.NewError(task.CodeUpload, fmt.Errorf("opening local file: %w", err)).
			WithPath(localPath)
	}
	defer f.Close()

	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: objectMetadata(meta, size),
	}
	multipart := size > u.cfg.MultipartThreshold
	if multipart {
		opts.PartSize = uint64(u.cfg.PartSize)
	} else {
		opts.DisableMultipart = true
	}

	u.logger.Info("upload starting",
		slog.String("object", objectKey),
		slog.Int64("size", size),
		slog.Bool("multipart", multipart),
	)

	reader := newProgressReader(f, size, onProgress)

	info, err := client.PutObject(ctx, creds.Bucket, objectKey, reader, size, opts)
	if err != nil {
		u.cleanupObject(ctx, client, creds.Bucket, objectKey)
		return nil, task.NewError(task.CodeUpload, fmt.Errorf("storing object: %w", err)).
			WithPath(localPath)
	}

	stat, err := client.StatObject(ctx, creds.Bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		u.cleanupObject(ctx, client, creds.Bucket, objectKey)
		return nil, task.NewError(task.CodeUpload, fmt.Errorf("verifying object: %w", err))
	}
	if stat.Size != size {
		u.cleanupObject(ctx, client, creds.Bucket, objectKey)
		return nil, task.Errorf(task.CodeUpload, "stored size %d does not match local size %d", stat.Size, size)
	}

	presigned, err := client.PresignedGetObject(ctx, creds.Bucket, objectKey, u.cfg.PresignExpiry, nil)
	if err != nil {
		return nil, task.NewError(task.CodeUpload, fmt.Errorf("presigning object: %w", err))
	}

	reader.emitFinal()

	u.logger.Info("upload complete",
		slog.String("object", objectKey),
		slog.Int64("size", size),
	)

	return &task.UploadResult{
		TargetURL: presigned.String(),
		Size:      size,
		Hash:      info.ETag,
	}, nil
}

// newClient builds a minio client from the given credentials.
func (u *Uploader) newClient(creds Credentials) (*minio.Client, error) {
	host, secure, err := NormalizeEndpoint(creds.Endpoint)
	if err != nil {
		return nil, task.NewError(task.CodeUpload, err)
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, task.NewError(task.CodeUpload, fmt.Errorf("building object-store client: %w", err))
	}
	return client, nil
}

// cleanupObject removes a partial or unverifiable object and any
// incomplete multipart state it left behind.
func (u *Uploader) cleanupObject(ctx context.Context, client *minio.Client, bucket, objectKey string) {
	if err := client.RemoveIncompleteUpload(ctx, bucket, objectKey); err != nil {
		u.logger.Debug("incomplete upload cleanup failed",
			slog.String("object", objectKey),
			slog.String("error", err.Error()),
		)
	}
	if err := client.RemoveObject(ctx, bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		u.logger.Debug("object cleanup failed",
			slog.String("object", objectKey),
			slog.String("error", err.Error()),
		)
	}
}

// NormalizeEndpoint splits an endpoint string into host and TLS flag.
// A missing scheme defaults to plain http.
func NormalizeEndpoint(endpoint string) (host string, secure bool, err error) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		host = strings.TrimPrefix(endpoint, "https://")
		secure = true
	case strings.HasPrefix(endpoint, "http://"):
		host = strings.TrimPrefix(endpoint, "http://")
	default:
		host = endpoint
	}
	host = strings.TrimRight(host, "/")
	if host == "" {
		return "", false, fmt.Errorf("object-store endpoint is empty")
	}
	return host, secure, nil
}

// objectMetadata builds the standard metadata keys stored with objects.
func objectMetadata(meta task.UploadMetadata, size int64) map[string]string {
	m := map[string]string{
		"taskId":    meta.TaskID,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		"size":      strconv.FormatInt(size, 10),
	}
	if meta.Duration > 0 {
		m["duration"] = strconv.FormatInt(meta.Duration.Milliseconds(), 10)
	}
	if meta.BitrateKbps > 0 {
		m["bitrate"] = strconv.Itoa(meta.BitrateKbps)
	}
	if meta.Width > 0 {
		m["width"] = strconv.Itoa(meta.Width)
		m["height"] = strconv.Itoa(meta.Height)
	}
	return m
}

// progressReader counts bytes as minio consumes them and fires the
// callback when the integer percent advances.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	lastEmit   int
	started    time.Time
	onProgress func(task.TransferProgress)
}

func newProgressReader(r io.Reader, total int64, onProgress func(task.TransferProgress)) *progressReader {
	return &progressReader{r: r, total: total, started: time.Now(), onProgress: onProgress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.maybeEmit(false)
	}
	return n, err
}

// maybeEmit fires the callback when the integer percent advanced, or
// unconditionally for the final emit.
func (p *progressReader) maybeEmit(final bool) {
	if p.onProgress == nil || p.total <= 0 {
		return
	}

	percent := int(p.read * 100 / p.total)
	if percent > 100 {
		percent = 100
	}
	if !final && percent == p.lastEmit {
		return
	}
	p.lastEmit = percent

	elapsed := time.Since(p.started).Seconds()
	speed := float64(0)
	if elapsed > 0 {
		speed = float64(p.read) / elapsed
	}

	snapshot := task.TransferProgress{
		TotalSize:    p.total,
		CurrentSize:  p.read,
		Percent:      float64(percent),
		CurrentSpeed: speed,
		AverageSpeed: speed,
	}
	if speed > 0 && p.total > p.read {
		snapshot.ETA = int64(float64(p.total-p.read) / speed)
	}
	p.onProgress(snapshot)
}

// emitFinal fires the terminal 100% callback.
func (p *progressReader) emitFinal() {
	p.read = p.total
	p.maybeEmit(true)
}
