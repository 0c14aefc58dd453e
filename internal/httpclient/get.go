package httpclient

import (
	"context"
	"net/http"
)

// DoGET fetches a calendar object body and its ETag
func (c *httpClientWrapper) DoGET(ctx context.Context, urlStr string) (data []byte, etag string, err error) {
	c.logger.Debug("starting GET request", "url", urlStr)

	resp, err := c.do(ctx, request{
		method:  http.MethodGet,
		url:     urlStr,
		headers: map[string]string{"Accept": "text/calendar"},
		accept:  []int{http.StatusOK},
	})
	if err != nil {
		return nil, "", err
	}

	etag = resp.header.Get("ETag")
	c.logger.Debug("GET request complete", "etag", etag, "data_length", len(resp.body))
	return resp.body, etag, nil
}
