package extractor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/browser"
	"github.com/IliaW/css-inline-worker/internal/filter"
	"github.com/IliaW/css-inline-worker/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `<html><head><link rel="stylesheet" href="a.css"/></head><body>x</body></html>`

type fakeBrowser struct {
	html       string
	css        string
	loadErr    error
	extractErr error
	requests   []string
	faults     []string
	closed     int
	extracted  bool

	cfg    browser.Config
	filter *filter.Filter
	record *telemetry.Record
}

func (b *fakeBrowser) Load() (string, error) {
	for _, u := range b.requests {
		b.filter.Decide(u)
	}
	return b.html, b.loadErr
}

func (b *fakeBrowser) Extract() (string, error) {
	b.extracted = true
	for _, f := range b.faults {
		b.record.Error(f)
	}
	return b.css, b.extractErr
}

func (b *fakeBrowser) Close() { b.closed++ }

func (b *fakeBrowser) launcher() Launcher {
	return func(ctx context.Context, cfg browser.Config, f *filter.Filter, record *telemetry.Record) (Browser, error) {
		b.cfg, b.filter, b.record = cfg, f, record
		return b, nil
	}
}

func newExtractor(b *fakeBrowser) *Extractor {
	e := New(b.launcher(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	e.now = func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * 100 * time.Millisecond)
	}
	return e
}

func TestRun_InlinesCSS(t *testing.T) {
	b := &fakeBrowser{html: doc, css: "body{color:red}"}

	res, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://example.com/"}, Job{})
	require.NoError(t, err)

	assert.NotContains(t, res.Output, `<link rel="stylesheet"`)
	assert.Contains(t, res.Output, "<style media=\"screen\">\n\t\t\tbody{color:red}")
	assert.NotContains(t, res.Output, "<!--")
	assert.Equal(t, 1, b.closed)
}

func TestRun_CSSOnly(t *testing.T) {
	b := &fakeBrowser{html: doc, css: "body{color:red}"}

	res, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://example.com/", CSSOnly: true}, Job{})
	require.NoError(t, err)

	assert.Equal(t, "body{color:red}", res.Output)
}

func TestRun_NoStylesheetShortCircuits(t *testing.T) {
	b := &fakeBrowser{html: "<html><body>plain</body></html>", css: "a{}"}

	_, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://example.com/"}, Job{})

	assert.ErrorIs(t, err, ErrNoStylesheet)
	assert.False(t, b.extracted)
	assert.Equal(t, 1, b.closed)
}

func TestRun_MissingCSS(t *testing.T) {
	b := &fakeBrowser{html: doc, extractErr: browser.ErrNoCSS}

	_, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://example.com/"}, Job{})

	require.ErrorIs(t, err, ErrNoCSS)
	assert.Equal(t, "browser did not return any CSS", err.Error())
	assert.Equal(t, 1, b.closed)
}

func TestRun_MissingToken(t *testing.T) {
	b := &fakeBrowser{html: "<p>stylesheet mentioned, never linked</p>", css: "a{}"}

	_, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://example.com/"}, Job{})

	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRun_LoadError(t *testing.T) {
	loadErr := errors.New("navigation failed: net::ERR_NAME_NOT_RESOLVED")
	b := &fakeBrowser{loadErr: loadErr}

	_, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://nowhere.invalid/"}, Job{})

	assert.ErrorIs(t, err, loadErr)
}

func TestRun_InvalidStripPattern(t *testing.T) {
	b := &fakeBrowser{html: doc, css: "a{}"}

	_, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://example.com/", Strip: []string{"("}}, Job{})

	assert.Error(t, err)
	assert.Equal(t, 0, b.closed)
}

func TestRun_DebugComment(t *testing.T) {
	b := &fakeBrowser{
		html: doc,
		css:  "a{}",
		requests: []string{
			"https://example.com/a.css",
			"https://example.com/logo.png",
			"https://example.com/a.css",
			"data:image/gif;base64,R0lG",
		},
		faults: []string{"agent: Uncaught TypeError"},
	}
	opts := &config.Options{URL: "https://example.com/", Debug: true, Strip: []string{`\.png$`}}

	res, err := newExtractor(b).Run(context.Background(), opts, Job{})
	require.NoError(t, err)

	idx := strings.Index(res.Output, "\n<!--\n\t{")
	require.Greater(t, idx, 0)
	comment := res.Output[idx:]
	assert.True(t, strings.HasSuffix(comment, "}\n-->"))
	assert.Contains(t, comment, `"requests":["a.css","logo.png"]`)
	assert.Contains(t, comment, `"stripped":["logo.png"]`)
	assert.Contains(t, comment, `"errors":["agent: Uncaught TypeError"]`)
	assert.Contains(t, comment, `"cssLength":3`)
	assert.Contains(t, comment, `"loadTime":100`)
}

func TestRun_NoDiagnosticsWithoutDebug(t *testing.T) {
	b := &fakeBrowser{html: doc, css: "a{}", requests: []string{"https://example.com/a.css"}}

	res, err := newExtractor(b).Run(context.Background(), &config.Options{URL: "https://example.com/"}, Job{})
	require.NoError(t, err)

	assert.Empty(t, res.Debug.Snapshot().Requests)
}

func TestRun_PassesOptionsToBrowser(t *testing.T) {
	b := &fakeBrowser{html: doc, css: "a{}"}
	opts := &config.Options{
		FakeURL:      "http://fake.local/",
		Width:        1024,
		MatchMQ:      true,
		Required:     []string{"(?:\\.nav)"},
		LocalStorage: map[string]any{"k": "v"},
		Script:       "extractCSS.js",
		UserAgent:    "cssextract",
	}

	_, err := newExtractor(b).Run(context.Background(), opts, Job{HTML: doc})
	require.NoError(t, err)

	assert.Equal(t, "", b.cfg.URL)
	assert.Equal(t, "http://fake.local/", b.cfg.FakeURL)
	assert.Equal(t, doc, b.cfg.HTML)
	assert.Equal(t, int64(1024), b.cfg.Width)
	assert.True(t, b.cfg.Options.MatchMQ)
	assert.Equal(t, []string{"(?:\\.nav)"}, b.cfg.Options.Required)
	assert.Equal(t, "extractCSS.js", b.cfg.Script)
	assert.Equal(t, "index.css", b.filter.Relativize("http://fake.local/index.css").Relative)
}

func TestRun_DiagnosticsWithoutComment(t *testing.T) {
	b := &fakeBrowser{html: doc, css: "a{}", requests: []string{"https://example.com/a.css"}}

	res, err := newExtractor(b).Run(context.Background(),
		&config.Options{URL: "https://example.com/", Diagnostics: true}, Job{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.css"}, res.Debug.Snapshot().Requests)
	assert.NotContains(t, res.Output, "<!--")
}

func TestRun_LogsStylesheetCount(t *testing.T) {
	b := &fakeBrowser{html: doc, css: "a{}"}
	buf := &strings.Builder{}
	e := newExtractor(b)
	e.log = slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := e.Run(context.Background(), &config.Options{URL: "https://example.com/"}, Job{})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "stylesheets=1")
}
