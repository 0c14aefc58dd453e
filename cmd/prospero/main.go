// Command prospero talks to a CalDAV calendar from the command line.
//
// Commands:
//
//	search     List events overlapping a time range
//	save       Create an event
//	delete     Delete an event by href
//	discover   List the calendars reachable from the configured URL
//	sync       Mirror upcoming events into SQLite, once or on a schedule
//	list       Print the mirrored events
//
// Settings come from PROSPERO_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/prospero/davclient"
	"github.com/cyp0633/prospero/internal/config"
	"github.com/cyp0633/prospero/internal/mirror"
	"github.com/cyp0633/prospero/internal/syncjob"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// app bundles what every command needs.
type app struct {
	cfg    config.Config
	client *davclient.Client
	logger *slog.Logger
	out    io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	handlers := map[string]func(context.Context, *app, []string) error{
		"search":   runSearch,
		"save":     runSave,
		"delete":   runDelete,
		"discover": runDiscover,
		"sync":     runSync,
		"list":     runList,
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage(stdout)
		return nil
	}
	handler, ok := handlers[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, stdout, stderr)
	if err != nil {
		return err
	}
	return handler(ctx, a, rest)
}

func newApp(cfg config.Config, stdout, stderr io.Writer) (*app, error) {
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	opts := []davclient.Option{
		davclient.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		davclient.WithLogger(logger),
	}

	var client *davclient.Client
	var err error
	if cfg.Authenticated() {
		client, err = davclient.NewClient(cfg.CalendarURL, davclient.BasicAuth{Username: cfg.Username, Password: cfg.Password}, opts...)
	} else {
		client, err = davclient.NewUnauthenticatedClient(cfg.CalendarURL, opts...)
	}
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, client: client, logger: logger, out: stdout}, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  prospero <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  search     -from <time> -to <time> [-summary text] [-location text] [-limit n]")
	fmt.Fprintln(w, "  save       -summary text -start <time> -end <time> [-description text] [-location text] [-uid id] [-rrule rule]")
	fmt.Fprintln(w, "  delete     -href <href> [-etag etag]")
	fmt.Fprintln(w, "  discover")
	fmt.Fprintln(w, "  sync       [-once]")
	fmt.Fprintln(w, "  list")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Times are RFC 3339 or \"2006-01-02 15:04\" in PROSPERO_TIMEZONE.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  PROSPERO_CALENDAR_URL      Calendar collection URL (required)")
	fmt.Fprintln(w, "  PROSPERO_USERNAME, PROSPERO_PASSWORD")
	fmt.Fprintln(w, "  PROSPERO_LOG_LEVEL         debug|info|warn|error (default info)")
	fmt.Fprintln(w, "  PROSPERO_REQUEST_TIMEOUT   default 30s")
	fmt.Fprintln(w, "  PROSPERO_MIRROR_PATH       default ./data/prospero.db")
	fmt.Fprintln(w, "  PROSPERO_SYNC_SCHEDULE     cron spec (default */15 * * * *)")
	fmt.Fprintln(w, "  PROSPERO_SYNC_WINDOW       default 720h")
	fmt.Fprintln(w, "  PROSPERO_TIMEZONE          default UTC")
}

// parseTime accepts RFC 3339 or a wall-clock time in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

func newFlagSet(name string, a *app) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func runSearch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("search", a)
	from := fs.String("from", "", "range start (default now)")
	to := fs.String("to", "", "range end (default start+7d)")
	summary := fs.String("summary", "", "summary contains")
	location := fs.String("location", "", "location contains")
	limit := fs.Int("limit", 0, "maximum number of results")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	loc := a.cfg.Location()
	start := time.Now()
	if *from != "" {
		t, err := parseTime(*from, loc)
		if err != nil {
			return err
		}
		start = t
	}
	end := start.Add(7 * 24 * time.Hour)
	if *to != "" {
		t, err := parseTime(*to, loc)
		if err != nil {
			return err
		}
		end = t
	}

	results, err := a.client.Calendar().Events().
		TimeRange(start, end).
		Summary(*summary).
		Location(*location).
		Limit(*limit).
		Do(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, r := range results {
		s, err := r.StartTime(ctx)
		a.warnField(r, "start", err)
		e, err := r.EndTime(ctx)
		a.warnField(r, "end", err)
		title, err := r.Summary(ctx)
		a.warnField(r, "summary", err)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(s, loc), formatTime(e, loc), title, r.Href())
	}
	return tw.Flush()
}

// warnField logs a failed accessor. Absent properties are not reported.
func (a *app) warnField(r davclient.EventResource, field string, err error) {
	var missing *davclient.MissingFieldError
	if err == nil || errors.As(err, &missing) {
		return
	}
	a.logger.Warn("failed to read event", "href", r.Href(), "field", field, "error", err)
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func runSave(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("save", a)
	summary := fs.String("summary", "", "event summary")
	description := fs.String("description", "", "event description")
	location := fs.String("location", "", "event location")
	from := fs.String("start", "", "event start")
	to := fs.String("end", "", "event end")
	uid := fs.String("uid", "", "event UID (default generated)")
	rrule := fs.String("rrule", "", "recurrence rule, e.g. FREQ=WEEKLY;COUNT=10")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(a.out, "save: -start and -end are required")
		return errUsage
	}

	loc := a.cfg.Location()
	start, err := parseTime(*from, loc)
	if err != nil {
		return err
	}
	end, err := parseTime(*to, loc)
	if err != nil {
		return err
	}

	res, err := a.client.Calendar().SaveEvent(ctx, davclient.Event{
		UID:         *uid,
		Summary:     *summary,
		Description: *description,
		Location:    *location,
		Start:       start,
		End:         end,
		RRule:       *rrule,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s\t%s\n", res.Href(), res.ETag())
	return nil
}

func runDelete(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("delete", a)
	href := fs.String("href", "", "event href")
	etag := fs.String("etag", "", "only delete if the event still has this ETag")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *href == "" {
		fmt.Fprintln(a.out, "delete: -href is required")
		return errUsage
	}

	return a.client.Calendar().DeleteEventAt(ctx, *href, *etag)
}

func runDiscover(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("discover", a)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	auth := mo.None[davclient.BasicAuth]()
	if a.cfg.Authenticated() {
		auth = mo.Some(davclient.BasicAuth{Username: a.cfg.Username, Password: a.cfg.Password})
	}
	cfg := davclient.DefaultConfig()
	cfg.Client = &http.Client{Timeout: a.cfg.RequestTimeout}
	cfg.Logger = a.logger

	calendars, err := davclient.FindCalendarsWithConfig(ctx, a.cfg.CalendarURL, auth, cfg)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, c := range calendars {
		mode := "rw"
		if c.ReadOnly {
			mode = "ro"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.URI, c.Name, mode, c.Color)
	}
	return tw.Flush()
}

func runSync(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("sync", a)
	once := fs.Bool("once", false, "sync once and exit")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	store, err := mirror.Open(a.cfg.MirrorPath)
	if err != nil {
		return err
	}
	defer store.Close()

	job := syncjob.New(a.client.Calendar(), store, a.cfg.SyncWindow, a.logger)
	res, err := job.Run(ctx)
	if *once {
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "mirrored %d events (skipped=%t, dropped=%d)\n", res.Mirrored, res.Skipped, res.Dropped)
		return nil
	}
	if err != nil {
		a.logger.Error("initial sync failed", "error", err)
	}

	sched, err := syncjob.Schedule(job, a.cfg.SyncSchedule, a.cfg.Location())
	if err != nil {
		return err
	}
	sched.Start(ctx)
	return nil
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list", a)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	store, err := mirror.Open(a.cfg.MirrorPath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx, a.client.URL())
	if err != nil {
		return err
	}

	loc := a.cfg.Location()
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(e.Start, loc), formatTime(e.End, loc), e.Summary, e.Href)
	}
	return tw.Flush()
}
