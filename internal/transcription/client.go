package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const userAgent = "CallStream-Service/1.0"

// Client sends audio to the transcription API
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}

	requests  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	retries   atomic.Uint64

	// latency is a running average of successful calls including retries
	latency   time.Duration
	latencyMu sync.Mutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	OutputFormat  string // "json" or "text"
	Model         string

	// Backoff is the delay before the first retry; it doubles per attempt
	Backoff time.Duration
}

// Request is one piece of audio to transcribe
type Request struct {
	RequestID  string
	SessionID  string
	CallID     string
	JobID      string
	Segment    int
	Audio      []byte // WAV encoded
	SampleRate int
	Duration   time.Duration
	Confidence float32
	Language   string
}

// Response represents the response from the transcription API
type Response struct {
	Text       string    `json:"text"`
	Confidence float32   `json:"confidence"`
	Language   string    `json:"language,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
	Duration   float64   `json:"duration"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// HTTPError is returned when the API answers with a non-2xx status
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Transcribe sends audio for transcription, retrying transient failures
// with exponential backoff.
func (c *Client) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("request has no audio")
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.requests.Add(1)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)

			backoff := c.config.Backoff << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				c.failures.Add(1)
				return nil, ctx.Err()
			}
		}

		resp, err := c.doRequest(ctx, req)
		if err == nil {
			c.successes.Add(1)
			c.observeLatency(time.Since(startTime))
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}

	c.failures.Add(1)
	return nil, fmt.Errorf("transcription failed: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, req *Request) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if c.config.OutputFormat == "text" {
		return &Response{Text: string(bytes.TrimSpace(respBody)), Confidence: 1}, nil
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return &out, nil
}

func (c *Client) createMultipartRequest(req *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	name := req.RequestID
	if name == "" {
		name = "audio"
	}
	fileWriter, err := writer.CreateFormFile("file", name+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"request_id", req.RequestID},
		{"session_id", req.SessionID},
		{"call_id", req.CallID},
		{"job_id", req.JobID},
		{"segment", strconv.Itoa(req.Segment)},
		{"sample_rate", strconv.Itoa(req.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", req.Duration.Seconds())},
		{"confidence", fmt.Sprintf("%.3f", req.Confidence)},
		{"language", req.Language},
		{"model", c.config.Model},
		{"response_format", c.config.OutputFormat},
	}

	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable treats 5xx, 429 and network failures as transient
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) observeLatency(d time.Duration) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()

	if c.latency == 0 {
		c.latency = d
		return
	}
	c.latency = (c.latency + d) / 2
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	total := c.requests.Load()
	successes := c.successes.Load()

	var rate float64
	if total > 0 {
		rate = float64(successes) / float64(total) * 100
	}

	c.latencyMu.Lock()
	latency := c.latency
	c.latencyMu.Unlock()

	return ClientStats{
		TotalRequests:   total,
		SuccessRequests: successes,
		FailedRequests:  c.failures.Load(),
		SuccessRate:     rate,
		TotalRetries:    c.retries.Load(),
		AvgResponseTime: latency,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
