package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/semaphore"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/metrics"
)

const (
	DefaultAttempts       = 3
	DefaultRetryBase      = 2 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
	DefaultMaxConcurrent  = 16
)

// Downloader fetches an attachment from the live platform session.
type Downloader interface {
	DownloadAttachment(ctx context.Context, ref string) (automation.Attachment, error)
}

// FetcherConfig tunes retry and size behaviour.
type FetcherConfig struct {
	Attempts       int
	RetryBase      time.Duration
	AttemptTimeout time.Duration
	MinLargeBytes  int64
	MaxBytes       int64
	MaxConcurrent  int64
}

// FetchRequest identifies one attachment to download.
type FetchRequest struct {
	TenantID   string
	MessageID  string
	Ref        string
	LargeMedia bool
}

// Payload is a validated attachment.
type Payload struct {
	Mime     string
	Filename string
	Data     []byte
}

// Fetcher downloads attachments with bounded retries and per-attempt timeouts.
type Fetcher struct {
	cfg    FetcherConfig
	sem    *semaphore.Weighted
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher; zero config values fall back to defaults.
func NewFetcher(log *slog.Logger, cfg FetcherConfig) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.MinLargeBytes <= 0 {
		cfg.MinLargeBytes = MinLargeMediaBytes
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = MaxAssetBytes
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Fetcher{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: log.With(slog.String("component", "media_fetcher")),
		sleep:  sleepContext,
	}
}

// Download fetches req.Ref, retrying failed attempts. Attempt n>1 waits
// RetryBase*n first. A concurrency slot is held only while an attempt
// runs, never across the backoff. Exhausting every attempt returns
// ErrAttachmentDownloadFailed wrapping the last cause.
func (f *Fetcher) Download(ctx context.Context, d Downloader, req FetchRequest) (Payload, error) {
	if d == nil {
		return Payload{}, fmt.Errorf("%w: downloader unavailable", ErrAttachmentDownloadFailed)
	}
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := f.sleep(ctx, f.cfg.RetryBase*time.Duration(attempt)); err != nil {
				return Payload{}, err
			}
		}
		metrics.AttachmentAttempts.Inc()
		payload, err := f.attempt(ctx, d, req)
		if err == nil {
			metrics.AttachmentDownloads.WithLabelValues("ok").Inc()
			return payload, nil
		}
		if ctx.Err() != nil {
			return Payload{}, ctx.Err()
		}
		lastErr = err
		f.logger.Warn("attachment attempt failed",
			slog.String("tenant_id", req.TenantID),
			slog.String("message_id", req.MessageID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	metrics.AttachmentDownloads.WithLabelValues("failed").Inc()
	return Payload{}, fmt.Errorf("%w after %d attempts: %w", ErrAttachmentDownloadFailed, f.cfg.Attempts, lastErr)
}

type attemptResult struct {
	attachment automation.Attachment
	err        error
}

func (f *Fetcher) attempt(ctx context.Context, d Downloader, req FetchRequest) (Payload, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return Payload{}, err
	}
	defer f.sem.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	// Buffered so a download that settles after the timeout does not block.
	done := make(chan attemptResult, 1)
	go func() {
		att, err := d.DownloadAttachment(attemptCtx, req.Ref)
		done <- attemptResult{attachment: att, err: err}
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Payload{}, fmt.Errorf("attempt timed out after %s", f.cfg.AttemptTimeout)
		}
		return Payload{}, attemptCtx.Err()
	}
	if res.err != nil {
		return Payload{}, res.err
	}
	if err := ValidatePayload(res.attachment.Data, req.LargeMedia, f.cfg.MinLargeBytes, f.cfg.MaxBytes); err != nil {
		return Payload{}, err
	}
	return Payload{
		Mime:     detectMime(res.attachment.MimeType, res.attachment.Data),
		Filename: res.attachment.Filename,
		Data:     res.attachment.Data,
	}, nil
}

func detectMime(declared string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(data).String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
