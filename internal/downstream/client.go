// Package downstream speaks to the generation engines. The orchestrator
// never interprets payloads; it hands them over and receives a receipt, with
// the final outcome arriving later on the report endpoint.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/harmonia/maestro/pkg/models"
)

// Sentinel errors for engine failures. Unavailable and timeout are transient
// and eligible for retry; rejected is terminal.
var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrEngineTimeout     = errors.New("engine request timeout")
	ErrEngineRejected    = errors.New("engine rejected job")
	ErrUnknownJobType    = errors.New("no engine for job type")
)

// Transient reports whether an engine error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrEngineTimeout)
}

// Receipt acknowledges that an engine accepted a job for processing.
type Receipt struct {
	EngineJobID string    `json:"engine_job_id"`
	AcceptedAt  time.Time `json:"accepted_at"`
}

// Client is the interface for one generation engine.
type Client interface {
	// Dispatch hands the job to the engine. The call returns a receipt, not a
	// result; the engine reports progress and completion asynchronously to
	// the callback URL.
	Dispatch(ctx context.Context, job *models.Job, callbackURL string) (*Receipt, error)

	// Cancel asks the engine to abandon a job. Best-effort; the engine may
	// finish anyway.
	Cancel(ctx context.Context, job *models.Job) error
}

// HTTPClient implements Client against an engine's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new engine HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type dispatchRequest struct {
	JobID       string          `json:"job_id"`
	RequestID   string          `json:"request_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CallbackURL string          `json:"callback_url"`
}

func (c *HTTPClient) Dispatch(ctx context.Context, job *models.Job, callbackURL string) (*Receipt, error) {
	body, err := json.Marshal(dispatchRequest{
		JobID:       job.ID.String(),
		RequestID:   job.RequestID,
		Type:        job.Type,
		Payload:     job.Payload,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding dispatch request: %w", err)
	}

	u := c.baseURL + "/v1/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, job.RequestID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("decoding engine receipt: %w", err)
	}
	if receipt.AcceptedAt.IsZero() {
		receipt.AcceptedAt = time.Now().UTC()
	}
	return &receipt, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, job *models.Job) error {
	u := fmt.Sprintf("%s/v1/generate/%s/cancel", c.baseURL, job.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, job.RequestID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

func (c *HTTPClient) setHeaders(req *http.Request, requestID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", ErrEngineUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrEngineRejected, status)
	}
}
