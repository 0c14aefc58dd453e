package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cyp0633/prospero/internal/xml"
)

// DoREPORT executes a CalDAV REPORT request
func (c *httpClientWrapper) DoREPORT(ctx context.Context, urlStr string, depth int, report *xml.ReportRequest) (*xml.MultistatusResponse, error) {
	c.logger.Debug("starting REPORT request",
		"url", urlStr,
		"depth", depth,
		"report", report.Name())

	doc, err := report.ToXML()
	if err != nil {
		c.logger.Debug("failed to build report", "error", err)
		return nil, fmt.Errorf("failed to build REPORT body: %w", err)
	}
	body, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal REPORT body: %w", err)
	}

	// 200 is not valid for REPORT but some servers answer that way.
	resp, err := c.do(ctx, request{
		method: "REPORT",
		url:    urlStr,
		headers: map[string]string{
			"Depth":        depthHeader(depth),
			"Content-Type": "application/xml; charset=utf-8",
		},
		body:   body,
		accept: []int{http.StatusMultiStatus, http.StatusOK},
	})
	if err != nil {
		return nil, err
	}

	ms, err := xml.ParseMultistatus(resp.body)
	if err != nil {
		c.logger.Debug("failed to decode response", "error", err)
		return nil, &MalformedResponseError{Method: "REPORT", URL: resp.url, Err: err}
	}

	c.logger.Debug("REPORT request complete", "response_count", len(ms.Responses))
	return ms, nil
}
