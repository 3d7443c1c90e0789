// Package backend talks to the external frame-comparison service.
package backend

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
	"strings"
	"time"

	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// Sentinel errors for backend failures.
var (
	ErrUnreachable = errors.New("inference backend unreachable")
	ErrTimeout     = errors.New("inference backend timeout")
	// ErrRejected means the backend refused the request itself; retrying
	// the same input will not help.
	ErrRejected = errors.New("inference backend rejected request")
	ErrServer   = errors.New("inference backend error")
)

// CompareRequest is one goal/current pair to compare.
type CompareRequest struct {
	InferenceID  string
	GoalVideo    []byte
	CurrentVideo []byte
	Params       models.InferenceParameters
}

// CompareResult is the backend's output. Archive holds the zipped
// artifacts (annotated frames, match plots).
type CompareResult struct {
	Result  json.RawMessage `json:"result"`
	Archive []byte          `json:"archive"`
}

// Client is the interface for the comparison backend.
type Client interface {
	Name() string
	Compare(ctx context.Context, req CompareRequest) (*CompareResult, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client over the backend's HTTP API.
type HTTPClient struct {
	baseURL string
	name    string
	client  *http.Client
}

// NewHTTPClient creates a backend client. name identifies where the backend
// runs ("onprem", "aws", ...) for carbon accounting.
func NewHTTPClient(baseURL, name string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    name,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return c.name }

// Compare uploads both videos and the parameters as multipart form data to
// POST /v1/compare.
func (c *HTTPClient) Compare(ctx context.Context, req CompareRequest) (*CompareResult, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	if err := mw.WriteField("inference_id", req.InferenceID); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := mw.WriteField("params", string(params)); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for _, part := range []struct {
		field string
		data  []byte
	}{
		{"goal_video", req.GoalVideo},
		{"current_video", req.CurrentVideo},
	} {
		fw, err := mw.CreateFormFile(part.field, part.field)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if _, err := fw.Write(part.data); err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/compare", body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, statusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding compare response: %w", err)
	}
	if len(result.Result) == 0 {
		return nil, fmt.Errorf("%w: response has no result", ErrServer)
	}
	return &result, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: backend not ready (status %d)", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// statusError maps a non-200 response to a sentinel. 4xx other than 408 and
// 429 are rejections of the input itself.
func statusError(code int, msg string) error {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrServer, code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrServer, code, msg)
	}
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

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
