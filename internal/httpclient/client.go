package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/cyp0633/prospero/internal/xml"
)

// HttpClientWrapper wraps http.Client with CalDAV-specific functionality
type HttpClientWrapper interface {
	DoPROPFIND(ctx context.Context, url string, depth int, props ...string) (*PropfindResponse, error)
	DoREPORT(ctx context.Context, url string, depth int, report *xml.ReportRequest) (*xml.MultistatusResponse, error)
	DoPUT(ctx context.Context, url string, cond Precondition, data []byte) (newEtag string, err error)
	DoGET(ctx context.Context, url string) (data []byte, etag string, err error)
	DoDELETE(ctx context.Context, url string, etag string) error
}

type httpClientWrapper struct {
	client  *http.Client
	baseURL url.URL
	logger  *slog.Logger
}

// resolveURL resolves a URL string against the base URL
func (c *httpClientWrapper) resolveURL(urlStr string) (*url.URL, error) {
	ref, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", urlStr, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// NewHttpClientWrapper creates a new client wrapper with logging
func NewHttpClientWrapper(client *http.Client, baseURL url.URL, logger *slog.Logger) (HttpClientWrapper, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClientWrapper{client: client, baseURL: baseURL, logger: logger}, nil
}

type request struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	// accept lists the status codes treated as success
	accept []int
}

type response struct {
	url    string
	status int
	header http.Header
	body   []byte
}

// do sends a request and classifies the outcome. Every return path yields
// either a TransportError, a ProtocolError, or a successful response.
func (c *httpClientWrapper) do(ctx context.Context, r request) (*response, error) {
	resolvedURL, err := c.resolveURL(r.url)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", r.url, "error", err)
		return nil, fmt.Errorf("failed to resolve URL %q: %w", r.url, err)
	}
	target := resolvedURL.String()
	c.logger.Debug("resolved URL", "method", r.method, "url", target)

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", r.method, err)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", r.method, "url", target, "error", err)
		return nil, &TransportError{Method: r.method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Debug("failed to read response body", "method", r.method, "url", target, "error", err)
		return nil, &TransportError{Method: r.method, URL: target, Err: err}
	}

	c.logger.Debug("received response",
		"method", r.method,
		"url", target,
		"status", resp.Status,
		"body_length", len(data))

	if !slices.Contains(r.accept, resp.StatusCode) {
		perr := &ProtocolError{
			Method:     r.method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
		if davErr, err := xml.ParseError(data); err == nil {
			perr.Condition = davErr.Tag
		}
		c.logger.Debug("unexpected status code",
			"status_code", resp.StatusCode,
			"status", resp.Status,
			"condition", perr.Condition)
		return nil, perr
	}

	return &response{url: target, status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func depthHeader(depth int) string {
	if depth < 0 {
		return "infinity"
	}
	return fmt.Sprintf("%d", depth)
}
