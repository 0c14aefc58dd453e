package davclient

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/mo"

	"github.com/cyp0633/prospero/internal/httpclient"
)

// BasicAuth holds HTTP Basic credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests. Its Timeout applies
// to every request. The client is copied, never modified.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger. Requests are traced at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is bound to one calendar collection URL. It holds no mutable state
// and is safe for concurrent use.
type Client struct {
	calendarURL *url.URL
	credentials mo.Option[BasicAuth]
	httpClient  *http.Client
	logger      *slog.Logger
	transport   httpclient.HttpClientWrapper
}

// NewClient creates a client that authenticates with HTTP Basic.
// No request is made until an operation is called.
func NewClient(calendarURL string, auth BasicAuth, opts ...Option) (*Client, error) {
	if auth.Username == "" {
		return nil, errors.New("basic auth username cannot be empty")
	}
	return newClient(calendarURL, mo.Some(auth), opts)
}

// NewUnauthenticatedClient creates a client that sends no Authorization header.
func NewUnauthenticatedClient(calendarURL string, opts ...Option) (*Client, error) {
	return newClient(calendarURL, mo.None[BasicAuth](), opts)
}

func newClient(rawURL string, credentials mo.Option[BasicAuth], opts []Option) (*Client, error) {
	u, err := parseCollectionURL(rawURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		calendarURL: u,
		credentials: credentials,
		httpClient:  http.DefaultClient,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.httpClient
	if auth, ok := credentials.Get(); ok {
		hc.Transport = httpclient.NewBasicAuthTransport(auth.Username, auth.Password, hc.Transport, c.logger)
	}
	c.httpClient = &hc

	transport, err := httpclient.NewHttpClientWrapper(c.httpClient, *u, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client wrapper: %w", err)
	}
	c.transport = transport
	return c, nil
}

// parseCollectionURL validates an http(s) URL and gives it a trailing slash
// so member hrefs resolve inside the collection.
func parseCollectionURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar URL %q: %w", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid calendar URL %q: need an absolute http or https URL", rawURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}
	return u, nil
}

// URL returns the calendar collection URL.
func (c *Client) URL() string {
	return c.calendarURL.String()
}

// Authenticated reports whether the client sends credentials.
func (c *Client) Authenticated() bool {
	return c.credentials.IsPresent()
}

// Calendar returns a handle to the client's calendar collection.
func (c *Client) Calendar() *Calendar {
	return &Calendar{url: c.calendarURL, transport: c.transport, logger: c.logger}
}

// CalendarAt returns a handle to another collection on the same server,
// for example one returned by FindCalendars. href may be relative.
func (c *Client) CalendarAt(href string) (*Calendar, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar href %q: %w", href, err)
	}
	u, err := parseCollectionURL(c.calendarURL.ResolveReference(ref).String())
	if err != nil {
		return nil, err
	}
	if u.Host != c.calendarURL.Host {
		return nil, fmt.Errorf("calendar %s is not on %s", u, c.calendarURL.Host)
	}
	return &Calendar{url: u, transport: c.transport, logger: c.logger}, nil
}
