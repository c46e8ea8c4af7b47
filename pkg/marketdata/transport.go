package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is the outbound call handed to a Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// Response carries the status, headers and full body of an upstream reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport issues the actual network request. Implementations return a
// transport-level error (connection reset, DNS failure, timeout) or a
// Response for any HTTP status.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is the default Transport over net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with the given timeout, defaulting
// to 30s.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

// Do performs the request and reads the full body.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}
