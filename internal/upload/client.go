package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/skypro1111/consult-capture/internal/audio"
	"github.com/skypro1111/consult-capture/internal/metrics"
)

// Client transfers finalized recordings to the collector
type Client struct {
	config    Config
	http      *resty.Client
	semaphore chan struct{} // Bounds concurrent transfers
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	bytesSent       uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains upload client configuration
type Config struct {
	BaseURL             string
	ExistingSubjectPath string
	NewSubjectPath      string
	FileField           string
	SubjectIDField      string
	NewSubjectField     string
	APIKey              string
	Timeout             time.Duration
	MaxConcurrent       int
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	BytesSent       uint64        `json:"bytes_sent"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new upload client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	if config.ExistingSubjectPath == "" {
		config.ExistingSubjectPath = "/upload"
	}

	if config.NewSubjectPath == "" {
		config.NewSubjectPath = "/consultation/new_patient"
	}

	if config.FileField == "" {
		config.FileField = "file"
	}

	if config.SubjectIDField == "" {
		config.SubjectIDField = "patient_id"
	}

	if config.NewSubjectField == "" {
		config.NewSubjectField = "patient_data"
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}

	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 2
	transport.IdleConnTimeout = 90 * time.Second

	rc := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetTransport(&progressTransport{base: transport}).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "Consult-Capture/1.0")

	if config.APIKey != "" {
		rc.SetAuthToken(config.APIKey)
	}

	return &Client{
		config:    config,
		http:      rc,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		logger:    logger.With(slog.String("component", "upload")),
		metrics:   m,
		now:       time.Now,
	}, nil
}

// Submit performs one transfer of artifact to target and returns the task
// in a terminal state. Status and progress changes are reported to obs as
// they happen. There is no automatic retry: a retry is another Submit.
func (c *Client) Submit(ctx context.Context, artifact *audio.Artifact, target Target, obs Observer) *Task {
	now := c.now()
	task := &Task{
		ID:        uuid.NewString(),
		Target:    target,
		CreatedAt: now,
	}
	if artifact != nil {
		task.Filename = fmt.Sprintf("recording_%d.%s", now.UnixMilli(), audio.Extension(artifact.MimeType()))
	}

	kind := target.Kind()
	logger := c.logger.With(
		slog.String("task_id", task.ID),
		slog.String("target", kind))

	if artifact == nil || artifact.Size() == 0 {
		c.reject(task, obs, logger, "no recording to upload", nil)
		return task
	}

	path, fields, err := c.form(target)
	if err != nil {
		c.reject(task, obs, logger, err.Error(), err)
		return task
	}

	// Acquire semaphore for concurrency limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		c.finishFailure(task, obs, logger, kind, "canceled", 0, &TransferError{
			Message:   "Upload failed: " + ctx.Err().Error(),
			Retryable: true,
			Err:       ctx.Err(),
		})
		return task
	}

	c.incrementTotalRequests()
	c.metrics.RecordUploadRequest(kind)

	task.setStatus(StatusInFlight, obs)
	logger.Info("Upload started",
		slog.String("path", path),
		slog.String("filename", task.Filename),
		slog.String("mime_type", artifact.MimeType()),
		slog.Int("size_bytes", artifact.Size()))

	startTime := time.Now()
	reqCtx := withProgress(ctx, func(sent, total int64) {
		// 100 is reserved for a confirmed success
		pct := int(sent * 100 / total)
		if pct > 99 {
			pct = 99
		}
		task.setProgress(pct, obs)
	})

	resp, err := c.http.R().
		SetContext(reqCtx).
		SetMultipartField(c.config.FileField, task.Filename, artifact.MimeType(), artifact.Reader()).
		SetMultipartFormData(fields).
		Post(path)
	elapsed := time.Since(startTime)

	if err != nil {
		c.finishFailure(task, obs, logger, kind, "transport", elapsed, &TransferError{
			Message:   "Upload failed: " + err.Error(),
			Retryable: true,
			Err:       err,
		})
		return task
	}

	if !resp.IsSuccess() {
		text := statusText(resp)
		c.finishFailure(task, obs, logger, kind, fmt.Sprintf("http_%d", resp.StatusCode()), elapsed, &TransferError{
			Message:    "Upload failed: " + text,
			StatusCode: resp.StatusCode(),
			Retryable:  true,
		})
		return task
	}

	result, err := parseResult(resp.Body())
	if err != nil {
		c.finishFailure(task, obs, logger, kind, "bad_response", elapsed, &TransferError{
			Message:    "Upload failed: " + err.Error(),
			StatusCode: resp.StatusCode(),
			Err:        err,
		})
		return task
	}

	c.incrementSuccessRequests(uint64(artifact.Size()))
	c.updateAvgResponseTime(elapsed)
	c.metrics.RecordUploadSuccess(kind, elapsed.Seconds(), artifact.Size())

	task.succeed(result, c.now(), obs)
	logger.Info("Upload completed",
		slog.String("result_id", result.ID),
		slog.Duration("duration", elapsed))

	return task
}

// form selects the endpoint and the non-file fields for target
func (c *Client) form(target Target) (string, map[string]string, error) {
	if err := target.Validate(); err != nil {
		return "", nil, err
	}

	if target.NewSubject != nil {
		descriptor, err := target.descriptorJSON()
		if err != nil {
			return "", nil, err
		}
		return c.config.NewSubjectPath, map[string]string{c.config.NewSubjectField: descriptor}, nil
	}

	return c.config.ExistingSubjectPath, map[string]string{c.config.SubjectIDField: strings.TrimSpace(target.SubjectID)}, nil
}

// reject fails a task that never reached the network
func (c *Client) reject(task *Task, obs Observer, logger *slog.Logger, reason string, err error) {
	c.incrementFailedRequests()
	c.metrics.RecordUploadFailure(task.Target.Kind(), "invalid", 0)

	logger.Warn("Upload rejected", slog.String("reason", reason))
	task.fail(&TransferError{
		Message: "Upload failed: " + reason,
		Err:     err,
	}, c.now(), obs)
}

func (c *Client) finishFailure(task *Task, obs Observer, logger *slog.Logger, kind, reason string, elapsed time.Duration, terr *TransferError) {
	c.incrementFailedRequests()
	c.metrics.RecordUploadFailure(kind, reason, elapsed.Seconds())

	logger.Warn("Upload failed",
		slog.String("reason", reason),
		slog.Int("status_code", terr.StatusCode),
		slog.String("error", terr.Message),
		slog.Duration("duration", elapsed))
	task.fail(terr, c.now(), obs)
}

// statusText returns the reason phrase the collector sent, or the standard
// one when the status line carries none
func statusText(resp *resty.Response) string {
	code := strconv.Itoa(resp.StatusCode())
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status(), code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode())
}

func parseResult(body []byte) (*Result, error) {
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("invalid response from server: %w", err)
	}
	if result.ID == "" {
		return nil, errors.New("invalid response from server: missing id")
	}
	return &result, nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests(bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
	c.bytesSent += bytes
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	attempts := c.successRequests + c.failedRequests
	successRate := float64(0)
	if attempts > 0 {
		successRate = float64(c.successRequests) / float64(attempts) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		BytesSent:       c.bytesSent,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight transfers to finish or ctx to expire
func (c *Client) Close(ctx context.Context) error {
	for i := 0; i < cap(c.semaphore); i++ {
		select {
		case c.semaphore <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("uploads still in flight: %w", ctx.Err())
		}
	}
	return nil
}
