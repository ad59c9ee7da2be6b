package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/skypro1111/voice-origin-service/internal/metrics"
)

// LabelHuman is the label the prediction API returns for genuine speech
const LabelHuman = "orig"

// Client provides HTTP client functionality for classification requests
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains classification client configuration
type Config struct {
	Endpoint      string
	APIKey        string // optional bearer token
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
	FormField     string        // multipart field carrying the WAV file
}

// Request is one encoded segment to classify
type Request struct {
	SegmentID  string
	Seq        uint64
	SampleRate int
	Duration   time.Duration
	WAV        []byte
}

// Result is the prediction for one segment
type Result struct {
	Label  string             `json:"result"`
	Scores map[string]float64 `json:"scores"`
}

// IsHuman reports whether the label denotes genuine human speech
func (r *Result) IsHuman() bool {
	return r.Label == LabelHuman
}

// predictResponse is the wire format of the prediction API
type predictResponse struct {
	Result *string            `json:"result"`
	Scores map[string]float64 `json:"scores"`
	Error  string             `json:"error,omitempty"`
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

// NewClient creates a new classification HTTP client. m may be nil.
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.FormField == "" {
		config.FormField = "audio"
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
		metrics:    m,
	}, nil
}

// Classify sends one segment for classification, retrying transient failures
func (c *Client) Classify(ctx context.Context, request *Request) (*Result, error) {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, &DispatchError{Kind: KindTransport, Err: ctx.Err()}
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordClassificationRetry()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, &DispatchError{Kind: KindTransport, Err: ctx.Err()}
			}
		}

		result, err := c.doRequest(ctx, request)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return result, nil
		}

		lastErr = err

		if !isRetryable(ctx, err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, lastErr
}

// doRequest performs a single HTTP request to the prediction API
func (c *Client) doRequest(ctx context.Context, request *Request) (*Result, error) {
	body, contentType, err := c.createMultipartRequest(request)
	if err != nil {
		return nil, &DispatchError{Kind: KindTransport, Err: fmt.Errorf("failed to create multipart request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, &DispatchError{Kind: KindTransport, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Voice-Origin-Service/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &DispatchError{Kind: KindTransport, Err: fmt.Errorf("HTTP request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DispatchError{Kind: KindTransport, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DispatchError{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP error %d: %s", resp.StatusCode, errorMessage(respBody)),
		}
	}

	return parseResult(respBody)
}

// parseResult decodes and validates a prediction response
func parseResult(body []byte) (*Result, error) {
	var payload predictResponse
	if err := sonic.Unmarshal(body, &payload); err != nil {
		return nil, &DispatchError{Kind: KindMalformed, Err: fmt.Errorf("failed to parse response JSON: %w", err)}
	}

	if payload.Result == nil || *payload.Result == "" {
		return nil, &DispatchError{Kind: KindMalformed, Err: errors.New("response has no result label")}
	}

	for class, score := range payload.Scores {
		if math.IsNaN(score) || score < 0 || score > 1 {
			return nil, &DispatchError{Kind: KindMalformed, Err: fmt.Errorf("score for %q out of range: %v", class, score)}
		}
	}

	scores := payload.Scores
	if scores == nil {
		scores = map[string]float64{}
	}

	return &Result{Label: *payload.Result, Scores: scores}, nil
}

// errorMessage extracts the "error" field of a JSON error body, falling back to the raw body
func errorMessage(body []byte) string {
	var payload predictResponse
	if err := sonic.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(request *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s.wav"`, c.config.FormField, request.SegmentID))
	partHeader.Set("Content-Type", "audio/wav")

	fileWriter, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(request.WAV); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"segment_id", request.SegmentID},
		{"seq", strconv.FormatUint(request.Seq, 10)},
		{"sample_rate", strconv.Itoa(request.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", request.Duration.Seconds())},
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
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

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for all active requests to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	c.httpClient.CloseIdleConnections()
	return nil
}
