// Package syncjob periodically mirrors the upcoming events of a calendar into
// a local store.
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cyp0633/prospero/davclient"
	"github.com/cyp0633/prospero/internal/mirror"
)

// Calendar is the part of davclient.Calendar a sync needs.
type Calendar interface {
	URL() string
	ETag(ctx context.Context) (string, error)
	DateSearch(ctx context.Context, start, end time.Time) ([]davclient.EventResource, error)
}

// Store is the part of mirror.Store a sync needs.
type Store interface {
	Replace(ctx context.Context, calendarURL, etag string, entries []mirror.Entry) error
	CalendarETag(ctx context.Context, calendarURL string) (string, bool, error)
}

// Result summarizes one run.
type Result struct {
	Skipped  bool
	Mirrored int
	Dropped  int
}

type Job struct {
	calendar Calendar
	store    Store
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// mu serializes runs started by the scheduler and by callers.
	mu sync.Mutex
}

func New(calendar Calendar, store Store, window time.Duration, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Job{
		calendar: calendar,
		store:    store,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// Run mirrors the events overlapping [now, now+window). It does nothing when
// the collection version matches the one recorded by the previous run.
func (j *Job) Run(ctx context.Context) (Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	calURL := j.calendar.URL()
	etag, err := j.calendar.ETag(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read calendar version: %w", err)
	}

	if etag != "" {
		prev, ok, err := j.store.CalendarETag(ctx, calURL)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read mirrored version: %w", err)
		}
		if ok && prev == etag {
			j.logger.Debug("calendar unchanged, skipping sync", "calendar", calURL, "etag", etag)
			return Result{Skipped: true}, nil
		}
	}

	start := j.now().UTC()
	resources, err := j.calendar.DateSearch(ctx, start, start.Add(j.window))
	if err != nil {
		return Result{}, err
	}

	var res Result
	entries := make([]mirror.Entry, 0, len(resources))
	for _, r := range resources {
		entry, err := toEntry(ctx, r)
		if err != nil {
			j.logger.Warn("dropping event from mirror", "href", r.Href(), "error", err)
			res.Dropped++
			continue
		}
		entries = append(entries, entry)
	}

	if err := j.store.Replace(ctx, calURL, etag, entries); err != nil {
		return Result{}, fmt.Errorf("failed to update mirror: %w", err)
	}
	res.Mirrored = len(entries)

	j.logger.Info("calendar mirrored",
		"calendar", calURL,
		"etag", etag,
		"events", res.Mirrored,
		"dropped", res.Dropped)
	return res, nil
}

// toEntry copies the fields of r. Absent optional properties become empty;
// any other failure rejects the event.
func toEntry(ctx context.Context, r davclient.EventResource) (mirror.Entry, error) {
	e := mirror.Entry{Href: r.Href(), ETag: r.ETag()}

	var err error
	text := func(get func(context.Context) (string, error), dst *string) {
		if err != nil {
			return
		}
		v, ferr := get(ctx)
		if ferr != nil && !isMissing(ferr) {
			err = ferr
			return
		}
		*dst = v
	}
	text(r.UID, &e.UID)
	text(r.Summary, &e.Summary)
	text(r.Description, &e.Description)
	text(r.Location, &e.Location)
	if err != nil {
		return mirror.Entry{}, err
	}

	if e.Start, err = r.StartTime(ctx); err != nil {
		return mirror.Entry{}, err
	}
	if e.End, err = r.EndTime(ctx); err != nil && !isMissing(err) {
		return mirror.Entry{}, err
	}
	// ETag may have been filled in by a lazy load
	e.ETag = r.ETag()
	return e, nil
}

func isMissing(err error) bool {
	var mf *davclient.MissingFieldError
	return errors.As(err, &mf)
}

// Scheduler runs a Job on a cron schedule until stopped.
type Scheduler struct {
	cron   *cron.Cron
	job    *Job
	logger *slog.Logger
}

// Schedule registers job under a standard five-field cron spec evaluated in loc.
func Schedule(job *Job, spec string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		job:    job,
		logger: job.logger,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("add sync job: %w", err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if _, err := s.job.Run(context.Background()); err != nil {
		s.logger.Error("scheduled sync failed", "error", err, "retryable", davclient.Retryable(err))
	}
}

// Start launches the scheduler and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("sync scheduler started", "entries", len(s.cron.Entries()))
	<-ctx.Done()
	s.Stop()
}

// Stop waits for a running sync to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sync scheduler stopped")
}
