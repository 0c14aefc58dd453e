package httpclient

import (
	"context"
	"net/http"
)

// Precondition selects the conditional headers sent with a PUT.
type Precondition struct {
	IfMatch     string
	IfNoneMatch string
}

// CreateOnly fails the PUT with ErrConflict when the target already exists.
func CreateOnly() Precondition {
	return Precondition{IfNoneMatch: "*"}
}

// MatchETag fails the PUT with ErrConflict when the target changed since etag was read.
func MatchETag(etag string) Precondition {
	return Precondition{IfMatch: etag}
}

func (c *httpClientWrapper) DoPUT(ctx context.Context, urlStr string, cond Precondition, data []byte) (newEtag string, err error) {
	c.logger.Debug("starting PUT request",
		"url", urlStr,
		"if_match", cond.IfMatch,
		"if_none_match", cond.IfNoneMatch,
		"data_length", len(data))

	headers := map[string]string{
		"Content-Type": "text/calendar; charset=utf-8",
	}
	if cond.IfMatch != "" {
		headers["If-Match"] = cond.IfMatch
	}
	if cond.IfNoneMatch != "" {
		headers["If-None-Match"] = cond.IfNoneMatch
	}

	resp, err := c.do(ctx, request{
		method:  http.MethodPut,
		url:     urlStr,
		headers: headers,
		body:    data,
		accept:  []int{http.StatusOK, http.StatusCreated, http.StatusNoContent},
	})
	if err != nil {
		return "", err
	}

	newEtag = resp.header.Get("ETag")
	c.logger.Debug("PUT request complete",
		"status", resp.status,
		"new_etag", newEtag)
	return newEtag, nil
}
