package extractor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/browser"
	"github.com/IliaW/css-inline-worker/internal/filter"
	"github.com/IliaW/css-inline-worker/internal/inliner"
	"github.com/IliaW/css-inline-worker/internal/telemetry"
)

var (
	// ErrNoStylesheet ends a run early: the document references no stylesheet.
	ErrNoStylesheet  = errors.New("document has no stylesheet")
	ErrNoCSS         = browser.ErrNoCSS
	ErrTokenNotFound = inliner.ErrTokenNotFound
	ErrTimeout       = browser.ErrTimeout
)

// Browser is one page instance of a run.
type Browser interface {
	Load() (string, error)
	Extract() (string, error)
	Close()
}

// Launcher opens the page for a run. Requests issued by the page must be decided by f.
type Launcher func(ctx context.Context, cfg browser.Config, f *filter.Filter, record *telemetry.Record) (Browser, error)

// ChromeLauncher starts a headless Chrome tab.
func ChromeLauncher(log *slog.Logger) Launcher {
	return func(ctx context.Context, cfg browser.Config, f *filter.Filter, record *telemetry.Record) (Browser, error) {
		return browser.New(ctx, cfg, f, record, log)
	}
}

// Job is the input of one run besides its options.
type Job struct {
	// HTML is the original document if the caller already has it.
	HTML string
	// Stdin supplies the document in synthetic mode when HTML is empty.
	Stdin io.Reader
}

// Result is the output of a run.
type Result struct {
	Output string
	HTML   string
	CSS    string
	Debug  *telemetry.Record
}

type Extractor struct {
	launch Launcher
	log    *slog.Logger
	now    func() time.Time
}

func New(launch Launcher, log *slog.Logger) *Extractor {
	return &Extractor{launch: launch, log: log, now: time.Now}
}

// Run loads the page, extracts its CSS and produces either the CSS or the document with the CSS
// inlined. The browser is closed before the output is built.
func (e *Extractor) Run(ctx context.Context, opts *config.Options, job Job) (*Result, error) {
	record := telemetry.NewRecord(e.now())

	patterns, err := filter.Compile(opts.Strip)
	if err != nil {
		return nil, err
	}
	var reporter filter.Reporter
	if opts.Debug || opts.Diagnostics {
		reporter = record
	}
	f := filter.New(opts.BaseURL(), patterns, reporter)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	b, err := e.launch(ctx, browserConfig(opts, job), f, record)
	if err != nil {
		return nil, err
	}
	closed := false
	closeBrowser := func() {
		if !closed {
			closed = true
			b.Close()
		}
	}
	defer closeBrowser()

	html, err := b.Load()
	if err != nil {
		return nil, err
	}
	if !strings.Contains(html, "stylesheet") {
		return nil, ErrNoStylesheet
	}
	record.LoadFinished(e.now())
	if e.log.Enabled(ctx, slog.LevelDebug) {
		e.log.Debug("document loaded.", slog.Int("length", len(html)),
			slog.Int("stylesheets", len(inliner.Stylesheets(html))))
	}

	css, err := b.Extract()
	if err != nil {
		return nil, err
	}
	closeBrowser()
	e.log.Debug("css extracted.", slog.Int("length", len(css)))

	res := &Result{HTML: html, CSS: css, Debug: record}
	if opts.CSSOnly {
		res.Output = css
	} else {
		res.Output, err = inliner.Inline(html, css, inliner.Options{
			Token:    opts.Token,
			ID:       opts.CSSID,
			Expose:   opts.Expose,
			Prefetch: opts.Prefetch,
		})
		if err != nil {
			return nil, err
		}
	}

	record.Finish(e.now(), len(css))
	if opts.Debug {
		comment, err := record.Comment()
		if err != nil {
			return nil, err
		}
		res.Output += comment
	}
	return res, nil
}

func browserConfig(opts *config.Options, job Job) browser.Config {
	return browser.Config{
		URL:       opts.URL,
		FakeURL:   opts.FakeURL,
		HTML:      job.HTML,
		Stdin:     job.Stdin,
		Width:     opts.Width,
		Height:    opts.Height,
		UserAgent: opts.UserAgent,
		Options: browser.ExtractionOptions{
			MatchMQ:  opts.MatchMQ,
			Required: opts.Required,
		},
		LocalStorage: opts.LocalStorage,
		Script:       opts.Script,
	}
}
