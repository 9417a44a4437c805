// Package tts synthesizes narration by sending text and an exposed reference
// voice to a hosted voice-cloning model.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/taskcluster/httpbackoff/v3"
)

// API endpoints and paths.
const (
	apiPredictions = "/v1/predictions"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

// Prediction statuses reported by the model host.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Error messages.
const (
	errFmtServiceErrorWithDetail = "prediction service error (%s): %s"
	errFmtServiceNonOKStatus     = "prediction service returned non-OK status: %s, body: %s"
)

// Static errors.
var (
	ErrVersionEmpty      = errors.New("model version cannot be empty")
	ErrPredictionIDEmpty = errors.New("prediction id cannot be empty")
	ErrOutputURLEmpty    = errors.New("output URL cannot be empty")
	ErrNoOutput          = errors.New("prediction has no output")
	ErrReceivedEmptyData = errors.New("received empty audio data")
	ErrServiceRejected   = errors.New("prediction service rejected the request")
	errPredictionPending = errors.New("prediction still running")
)

// PredictionClient talks to a Replicate-style predictions API.
type PredictionClient struct {
	httpClient *http.Client
	retry      *httpbackoff.Client
	baseURL    string
	token      string
}

// Prediction is the state of one model run.
type Prediction struct {
	ID      string          `json:"id"`
	Version string          `json:"version,omitempty"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   any             `json:"error,omitempty"`
	Logs    string          `json:"logs,omitempty"`
}

// Done reports whether the prediction reached a terminal status.
func (p *Prediction) Done() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// OutputURL returns the first audio URL in the prediction output. Models
// return either a single URL or a list of URLs.
func (p *Prediction) OutputURL() (string, error) {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return "", ErrNoOutput
	}

	var single string

	err := parseJSON(p.Output, &single)
	if err == nil && single != "" {
		return single, nil
	}

	var many []string

	err = parseJSON(p.Output, &many)
	if err == nil && len(many) > 0 && many[0] != "" {
		return many[0], nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoOutput, string(p.Output))
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Title  string `json:"title,omitempty"`
}

// NewPredictionClient creates a client for the predictions API at baseURL.
// The timeout applies to each individual HTTP request.
func NewPredictionClient(baseURL, token string, timeout time.Duration) *PredictionClient {
	return &PredictionClient{
		httpClient: &http.Client{Timeout: timeout},
		retry:      &httpbackoff.Client{BackOffSettings: backoff.NewExponentialBackOff()},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// SetDownloadBackOff replaces the retry schedule used by DownloadOutput.
func (c *PredictionClient) SetDownloadBackOff(settings *backoff.ExponentialBackOff) {
	c.retry = &httpbackoff.Client{BackOffSettings: settings}
}

// CreatePrediction starts a model run.
func (c *PredictionClient) CreatePrediction(ctx context.Context, version string, input map[string]any) (*Prediction, error) {
	if version == "" {
		return nil, ErrVersionEmpty
	}

	requestBody, err := json.Marshal(predictionRequest{Version: version, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPredictions, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)

	return c.doPrediction(req, http.StatusCreated, http.StatusOK)
}

// GetPrediction fetches the current state of a model run.
func (c *PredictionClient) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	if id == "" {
		return nil, ErrPredictionIDEmpty
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPredictions+"/"+id, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.doPrediction(req, http.StatusOK)
}

// WaitForPrediction polls a model run every poll interval until it reaches a
// terminal status or ctx is done. Transient transport errors are retried;
// rejected requests are not.
func (c *PredictionClient) WaitForPrediction(ctx context.Context, id string, poll time.Duration) (*Prediction, error) {
	var latest *Prediction

	operation := func() error {
		prediction, err := c.GetPrediction(ctx, id)
		if err != nil {
			if errors.Is(err, ErrServiceRejected) {
				return backoff.Permanent(err)
			}

			return err
		}

		latest = prediction
		if !prediction.Done() {
			return errPredictionPending
		}

		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(poll), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return latest, fmt.Errorf("stopped waiting for prediction %s: %w", id, ctx.Err())
		}

		// The backoff gives up once the deadline is closer than the next poll.
		if errors.Is(err, errPredictionPending) && deadlineWithin(ctx, poll) {
			return latest, fmt.Errorf("stopped waiting for prediction %s: %w", id, context.DeadlineExceeded)
		}

		return latest, fmt.Errorf("failed waiting for prediction %s: %w", id, err)
	}

	return latest, nil
}

func deadlineWithin(ctx context.Context, interval time.Duration) bool {
	deadline, ok := ctx.Deadline()

	return ok && time.Until(deadline) <= interval
}

// DownloadOutput fetches a generated audio file. Network failures and 5xx
// responses are retried with exponential backoff.
func (c *PredictionClient) DownloadOutput(ctx context.Context, outputURL string) ([]byte, error) {
	if outputURL == "" {
		return nil, ErrOutputURLEmpty
	}

	var audioData []byte

	httpCall := func() (*http.Response, error, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, http.NoBody)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create download request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if ctx.Err() != nil {
			return resp, nil, ctx.Err()
		}

		if err != nil || resp.StatusCode != http.StatusOK {
			return resp, err, nil
		}

		defer resp.Body.Close()

		audioData, err = io.ReadAll(resp.Body)

		return resp, err, nil
	}

	resp, attempts, err := c.retry.Retry(httpCall)
	if resp != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to download output after %d attempts: %w", attempts, err)
	}

	if len(audioData) == 0 {
		return nil, ErrReceivedEmptyData
	}

	return audioData, nil
}

func (c *PredictionClient) doPrediction(req *http.Request, accepted ...int) (*Prediction, error) {
	req.Header.Set(headerAccept, contentTypeJSON)

	if c.token != "" {
		req.Header.Set(headerAuthorization, bearerPrefix+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to prediction service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read prediction response: %w", err)
	}

	if !containsStatus(accepted, resp.StatusCode) {
		return nil, parseErrorResponse(resp, body)
	}

	var prediction Prediction

	err = parseJSON(body, &prediction)
	if err != nil {
		return nil, err
	}

	return &prediction, nil
}

// parseErrorResponse decodes a structured error from the service, falling
// back to the raw body. 4xx responses wrap ErrServiceRejected.
func parseErrorResponse(resp *http.Response, body []byte) error {
	var message string

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		message = fmt.Sprintf(errFmtServiceErrorWithDetail, resp.Status, errorResp.Detail)
	} else {
		message = fmt.Sprintf(errFmtServiceNonOKStatus, resp.Status, strings.TrimSpace(string(body)))
	}

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", ErrServiceRejected, message)
	}

	return errors.New(message)
}

func containsStatus(accepted []int, status int) bool {
	for _, code := range accepted {
		if code == status {
			return true
		}
	}

	return false
}

func parseJSON(data []byte, target any) error {
	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}

	return nil
}
