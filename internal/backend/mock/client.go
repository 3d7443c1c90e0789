package mock

import (
	"context"
	"encoding/json"

	"github.com/kiranshivaraju/driftwatch/internal/backend"
)

// Client satisfies backend.Client for testing.
type Client struct {
	Name_       string
	CompareFunc func(ctx context.Context, req backend.CompareRequest) (*backend.CompareResult, error)
	ReadyFunc   func(ctx context.Context) error
}

func (m *Client) Name() string { return m.Name_ }

func (m *Client) Compare(ctx context.Context, req backend.CompareRequest) (*backend.CompareResult, error) {
	if m.CompareFunc != nil {
		return m.CompareFunc(ctx, req)
	}
	return &backend.CompareResult{Result: json.RawMessage(`{}`)}, nil
}

func (m *Client) Ready(ctx context.Context) error {
	if m.ReadyFunc != nil {
		return m.ReadyFunc(ctx)
	}
	return nil
}

// NewClient returns a Client that reports a small drift score and an empty
// archive.
func NewClient() *Client {
	return &Client{
		Name_: "onprem",
		CompareFunc: func(_ context.Context, req backend.CompareRequest) (*backend.CompareResult, error) {
			return &backend.CompareResult{
				Result:  json.RawMessage(`{"inferenceId":"` + req.InferenceID + `","drift":0.12,"matchedFrames":42}`),
				Archive: []byte("PK\x05\x06\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"),
			}, nil
		},
	}
}

// NewFailingClient returns a Client whose Compare always returns err.
func NewFailingClient(err error) *Client {
	return &Client{
		Name_: "onprem",
		CompareFunc: func(context.Context, backend.CompareRequest) (*backend.CompareResult, error) {
			return nil, err
		},
	}
}

var _ backend.Client = (*Client)(nil)
