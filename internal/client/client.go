// Package client is an HTTP client for the compressd job API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kiranshivaraju/compressd/internal/jobs"
	"github.com/kiranshivaraju/compressd/internal/jobstatus"
)

// Sentinel errors for transport failures.
var (
	ErrUnreachable = errors.New("compressd unreachable")
	ErrTimeout     = errors.New("compressd request timeout")
)

// APIError is a non-2xx answer carrying the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("compressd returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Client is the interface for talking to a compressd server.
type Client interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobstatus.Payload, error)
	Status(ctx context.Context, jobID string) (jobstatus.Payload, error)
	List(ctx context.Context, limit int) ([]jobstatus.Payload, error)
	Download(ctx context.Context, jobID string) (*jobs.Artifact, error)
	Cancel(ctx context.Context, jobID string) error
	Ready(ctx context.Context) error
}

// HTTPClient implements Client over the REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new compressd HTTP client. apiKey may be empty when
// the server runs without authentication.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, req jobs.SubmitRequest) (jobstatus.Payload, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return jobstatus.Payload{}, fmt.Errorf("encoding request: %w", err)
	}
	var p jobstatus.Payload
	err = c.doJSON(ctx, http.MethodPost, "/api/v1/compression/jobs", bytes.NewReader(body), &p)
	return p, err
}

func (c *HTTPClient) Status(ctx context.Context, jobID string) (jobstatus.Payload, error) {
	var p jobstatus.Payload
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/compression/jobs/"+url.PathEscape(jobID), nil, &p)
	return p, err
}

func (c *HTTPClient) List(ctx context.Context, limit int) ([]jobstatus.Payload, error) {
	path := "/api/v1/compression/jobs"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var items []jobstatus.Payload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	if items == nil {
		return []jobstatus.Payload{}, nil
	}
	return items, nil
}

func (c *HTTPClient) Download(ctx context.Context, jobID string) (*jobs.Artifact, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/compression/jobs/"+url.PathEscape(jobID)+"/download", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}

	filename := "compressed-" + jobID
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	return &jobs.Artifact{Filename: filename, Data: data}, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/compression/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// Ready performs a quick health check that skips backing-service checks.
func (c *HTTPClient) Ready(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health?quick=true", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends the request and turns transport failures and non-2xx answers into
// errors. On success the caller owns resp.Body.
func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, body != nil)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// doJSON sends the request and decodes the "data" member of the envelope
// into out. A nil out discards the body.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	env := envelope{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding compressd response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request, hasBody bool) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- compressd response types ---

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
