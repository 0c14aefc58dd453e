package davclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/emersion/go-webdav/caldav"
	"github.com/samber/mo"

	"github.com/cyp0633/prospero/internal/httpclient"
)

// CalendarInfo describes a calendar collection found by discovery.
type CalendarInfo struct {
	URI             string
	Name            string
	Description     string
	Color           string
	ReadOnly        bool
	Components      []string
	MaxResourceSize int64
}

// DNSResolver interface for mocking DNS lookups in tests
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Config holds configuration for FindCalendars
type Config struct {
	Resolver DNSResolver
	Client   *http.Client
	Logger   *slog.Logger
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Resolver: &net.Resolver{},
		Client:   http.DefaultClient,
	}
}

// FindCalendars lists the calendars of the user behind location, following
// the discovery order used by Thunderbird.
func FindCalendars(ctx context.Context, location string, auth mo.Option[BasicAuth]) ([]CalendarInfo, error) {
	return FindCalendarsWithConfig(ctx, location, auth, DefaultConfig())
}

// FindCalendarsWithConfig allows injecting custom configuration for testing
func FindCalendarsWithConfig(ctx context.Context, location string, auth mo.Option[BasicAuth], cfg *Config) ([]CalendarInfo, error) {
	baseURL, err := url.Parse(location)
	if err != nil || baseURL.Host == "" || (baseURL.Scheme != "http" && baseURL.Scheme != "https") {
		return nil, fmt.Errorf("invalid URL %q", location)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &net.Resolver{}
	}

	hc := http.Client{}
	if cfg.Client != nil {
		hc = *cfg.Client
	}
	if creds, ok := auth.Get(); ok {
		hc.Transport = httpclient.NewBasicAuthTransport(creds.Username, creds.Password, hc.Transport, logger)
	}

	var lastErr error
	for _, candidate := range discoveryCandidates(ctx, baseURL, resolver) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		calendars, err := findAt(ctx, &hc, candidate, logger)
		if err == nil {
			return calendars, nil
		}
		logger.Debug("discovery candidate failed", "url", candidate, "error", err)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("no discovery candidates")
	}
	return nil, fmt.Errorf("could not find calendars at %s: %w", location, lastErr)
}

// discoveryCandidates returns the URLs to probe for a principal: the given
// path, SRV targets (with TXT path), the well-known URL and the server root.
func discoveryCandidates(ctx context.Context, baseURL *url.URL, resolver DNSResolver) []string {
	var candidates []string

	if baseURL.Path != "/" && baseURL.Path != "" {
		candidates = append(candidates, baseURL.String())
	}

	for _, prefix := range []string{"_caldavs._tcp.", "_caldav._tcp."} {
		host := prefix + baseURL.Hostname()
		_, addrs, err := resolver.LookupSRV(ctx, "", "", host)
		if err != nil {
			continue
		}

		var path string
		txts, _ := resolver.LookupTXT(ctx, host)
		for _, txt := range txts {
			if p, ok := strings.CutPrefix(txt, "path="); ok {
				path = p
				break
			}
		}

		scheme := "http"
		if prefix == "_caldavs._tcp." {
			scheme = "https"
		}
		for _, addr := range addrs {
			target := strings.TrimSuffix(addr.Target, ".")
			candidates = append(candidates, fmt.Sprintf("%s://%s:%d%s", scheme, target, addr.Port, path))
		}
	}

	candidates = append(candidates, baseURL.ResolveReference(&url.URL{Path: "/.well-known/caldav"}).String())
	candidates = append(candidates, baseURL.ResolveReference(&url.URL{Path: "/"}).String())
	return candidates
}

// findAt walks principal, calendar-home-set and the home's members starting
// from one endpoint.
func findAt(ctx context.Context, hc *http.Client, endpoint string, logger *slog.Logger) ([]CalendarInfo, error) {
	client, err := caldav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}
	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	homeURL := base.ResolveReference(&url.URL{Path: homeSet})
	extra := homeProperties(ctx, hc, homeURL, logger)

	calendars := make([]CalendarInfo, 0, len(cals))
	for _, cal := range cals {
		info := CalendarInfo{
			URI:             base.ResolveReference(&url.URL{Path: cal.Path}).String(),
			Name:            cal.Name,
			Description:     cal.Description,
			Components:      cal.SupportedComponentSet,
			MaxResourceSize: cal.MaxResourceSize,
		}
		if props, ok := extra[strings.TrimSuffix(cal.Path, "/")]; ok {
			info.Color = props.Color
			info.ReadOnly = !props.CanWrite
		}
		calendars = append(calendars, info)
	}

	sort.Slice(calendars, func(i, j int) bool { return calendars[i].URI < calendars[j].URI })
	logger.Debug("discovered calendars", "endpoint", endpoint, "principal", principal, "home", homeSet, "count", len(calendars))
	return calendars, nil
}

// homeProperties reads the color and privileges of the home's members, which
// the CalDAV calendar listing does not carry. Failures are not fatal.
func homeProperties(ctx context.Context, hc *http.Client, homeURL *url.URL, logger *slog.Logger) map[string]httpclient.ResourceProps {
	transport, err := httpclient.NewHttpClientWrapper(hc, *homeURL, logger)
	if err != nil {
		return nil
	}
	resp, err := transport.DoPROPFIND(ctx, homeURL.String(), 1, "resourcetype", "calendar-color", "current-user-privilege-set")
	if err != nil {
		logger.Debug("failed to read calendar colors and privileges", "url", homeURL.String(), "error", err)
		return nil
	}

	props := make(map[string]httpclient.ResourceProps, len(resp.Resources))
	for href, p := range resp.Resources {
		u, err := url.Parse(href)
		if err != nil {
			continue
		}
		props[strings.TrimSuffix(u.Path, "/")] = p
	}
	return props
}
