package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gpsrecorder/go-location-agent/internal/metrics"
	"gpsrecorder/go-location-agent/internal/model"
)

const defaultTimeout = 5 * time.Second

// Queue is the subset of the durable queue the outcome handler mutates.
type Queue interface {
	Enqueue(ctx context.Context, r model.Reading) error
	Remove(ctx context.Context, readingDatetime string) (int64, error)
}

// StatusSink receives the HTTP status line.
type StatusSink interface {
	SetHTTP(text string)
}

// Options configures an Uploader.
type Options struct {
	Endpoint     string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	Client       *http.Client
	Queue        Queue
	Status       StatusSink
	Logger       *slog.Logger
	Now          func() time.Time
}

// Uploader posts readings to the upload endpoint and settles each attempt
// against the durable queue.
type Uploader struct {
	endpoint     string
	apiKey       string
	apiKeyHeader string
	timeout      time.Duration
	client       *http.Client
	queue        Queue
	status       StatusSink
	logger       *slog.Logger
	now          func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New constructs an Uploader. Redirects are never followed so that a 3xx
// response surfaces as OutcomeRedirect.
func New(opts Options) *Uploader {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var client http.Client
	if opts.Client != nil {
		client = *opts.Client
	}
	client.Timeout = timeout
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	header := opts.APIKeyHeader
	if header == "" {
		header = "X-Api-Key"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Uploader{
		endpoint:     opts.Endpoint,
		apiKey:       opts.APIKey,
		apiKeyHeader: header,
		timeout:      timeout,
		client:       &client,
		queue:        opts.Queue,
		status:       opts.Status,
		logger:       logger,
		now:          now,
		inFlight:     make(map[string]struct{}),
	}
}

// Upload sends r in the background. The result is only observable through the
// outcome handler: status text and queue mutations.
func (u *Uploader) Upload(ctx context.Context, r model.Reading) {
	if r.UploadDatetime == "" {
		r.UploadDatetime = model.FormatTimestamp(u.now())
	}

	synced := r.UploadType == model.UploadSynchronised
	if synced && !u.claim(r.ReadingDatetime) {
		u.logger.Debug("synchronised upload already in flight", "reading_datetime", r.ReadingDatetime)
		return
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if synced {
			defer u.release(r.ReadingDatetime)
		}
		u.Handle(ctx, u.Send(ctx, r))
	}()
}

// Wait blocks until every upload started by Upload has been handled.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

// Send performs one POST of r and classifies the response. It has no side effects.
func (u *Uploader) Send(ctx context.Context, r model.Reading) Result {
	start := time.Now()
	res := Result{Reading: r}

	body, err := json.Marshal(r)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("encode reading: %w", err)
		res.Duration = time.Since(start)
		return res
	}

	reqCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("build request: %w", err)
		res.Duration = time.Since(start)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(u.apiKeyHeader, u.apiKey)

	resp, err := u.client.Do(req)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("post reading: %w", err)
		res.Duration = time.Since(start)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.StatusCode = resp.StatusCode
	res.Header = resp.Header
	res.Outcome = classify(resp.StatusCode)
	res.Duration = time.Since(start)
	return res
}

// Handle is the single outcome handler. It refreshes the HTTP status line and
// then settles the reading against the queue: a confirmed synchronised upload
// is removed, an unconfirmed real-time upload is enqueued. The status update
// can never prevent the queue step.
func (u *Uploader) Handle(ctx context.Context, res Result) {
	r := res.Reading
	metrics.UploadsTotal.WithLabelValues(res.Outcome.label(), string(r.UploadType)).Inc()
	metrics.UploadDurationSeconds.WithLabelValues(res.Outcome.label()).Observe(res.Duration.Seconds())

	if res.Outcome == OutcomeSuccess {
		u.logger.Info("upload succeeded", "status", res.StatusCode, "upload_type", r.UploadType, "reading_datetime", r.ReadingDatetime)
	} else {
		u.logger.Info("upload not confirmed", "outcome", res.Outcome, "status", res.StatusCode, "upload_type", r.UploadType, "reading_datetime", r.ReadingDatetime, "error", res.Err)
	}

	u.report(res)

	if u.queue == nil {
		u.logger.Error("no queue configured, reading not settled", "reading_datetime", r.ReadingDatetime)
		return
	}

	// Queue writes must outlive a cancelled request context.
	storeCtx := context.WithoutCancel(ctx)

	switch {
	case res.Outcome == OutcomeSuccess && r.UploadType == model.UploadSynchronised:
		n, err := u.queue.Remove(storeCtx, r.ReadingDatetime)
		if err != nil {
			metrics.QueueOpsTotal.WithLabelValues("remove", "error").Inc()
			u.logger.Error("failed to remove delivered reading", "reading_datetime", r.ReadingDatetime, "error", err)
			return
		}
		metrics.QueueOpsTotal.WithLabelValues("remove", "ok").Inc()
		u.logger.Info("delivered reading removed from queue", "reading_datetime", r.ReadingDatetime, "rows", n)
	case res.Outcome != OutcomeSuccess && r.UploadType == model.UploadRealtime:
		if err := u.queue.Enqueue(storeCtx, r); err != nil {
			metrics.QueueOpsTotal.WithLabelValues("enqueue", "error").Inc()
			u.logger.Error("failed to queue undelivered reading", "reading_datetime", r.ReadingDatetime, "error", err)
			return
		}
		metrics.QueueOpsTotal.WithLabelValues("enqueue", "ok").Inc()
		u.logger.Info("undelivered reading queued", "reading_datetime", r.ReadingDatetime)
	}
}

func (u *Uploader) report(res Result) {
	if u.status == nil {
		return
	}

	fallback := FallbackStatus(u.now())
	text, err := safeFormat(res)
	if err != nil {
		u.logger.Error("format upload status", "outcome", res.Outcome, "error", err)
		text = fallback
	}

	if u.setStatus(text) || text == fallback {
		return
	}
	u.setStatus(fallback)
}

func (u *Uploader) setStatus(text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("status sink panic", "panic", r)
			ok = false
		}
	}()
	u.status.SetHTTP(text)
	return true
}

func (u *Uploader) claim(key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, busy := u.inFlight[key]; busy {
		return false
	}
	u.inFlight[key] = struct{}{}
	return true
}

func (u *Uploader) release(key string) {
	u.mu.Lock()
	delete(u.inFlight, key)
	u.mu.Unlock()
}
