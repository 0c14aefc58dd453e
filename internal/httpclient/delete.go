package httpclient

import (
	"context"
	"net/http"
)

// DoDELETE sends a DELETE request with If-Match header for optimistic locking
func (c *httpClientWrapper) DoDELETE(ctx context.Context, urlStr string, etag string) error {
	c.logger.Debug("starting DELETE request",
		"url", urlStr,
		"etag", etag)

	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = etag
	}

	resp, err := c.do(ctx, request{
		method:  http.MethodDelete,
		url:     urlStr,
		headers: headers,
		accept:  []int{http.StatusOK, http.StatusNoContent, http.StatusAccepted},
	})
	if err != nil {
		return err
	}

	c.logger.Debug("DELETE request complete", "status", resp.status)
	return nil
}
