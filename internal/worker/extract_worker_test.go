package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/extractor"
	"github.com/IliaW/css-inline-worker/internal/model"
	"github.com/IliaW/css-inline-worker/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	opts  []config.Options
	jobs  []extractor.Job
	errs  []error
	calls int
}

func (f *fakeRunner) Run(_ context.Context, opts *config.Options, job extractor.Job) (*extractor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, *opts)
	f.jobs = append(f.jobs, job)
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	start := time.Unix(0, 0)
	rec := telemetry.NewRecord(start)
	rec.LoadStarted(start)
	rec.LoadFinished(start.Add(100 * time.Millisecond))
	rec.Request("style.css")
	rec.Finish(start.Add(150*time.Millisecond), 3)
	return &extractor.Result{Output: "out", CSS: "a{}", Debug: rec}, nil
}

type fakeArchive struct {
	html string
	err  error
}

func (f *fakeArchive) GetHTML(string) (string, error) { return f.html, f.err }

type fakeFetcher struct {
	html string
	err  error
}

func (f *fakeFetcher) Fetch(string) (string, error) { return f.html, f.err }

type fakeCache struct {
	links map[string]string
}

func (f *fakeCache) GetOutputLink(url string) (string, bool) {
	l, ok := f.links[url]
	return l, ok
}

func (f *fakeCache) SaveOutputLink(url, link string) { f.links[url] = link }

func (f *fakeCache) Close() {}

type fakeBucket struct{ saved []*model.Extraction }

func (f *fakeBucket) WriteOutput(e *model.Extraction) string {
	f.saved = append(f.saved, e)
	return "https://bucket/" + e.URL
}

type fakeStorage struct{ saved []*model.Extraction }

func (f *fakeStorage) Save(e *model.Extraction) { f.saved = append(f.saved, e) }

func newTestWorker(runner *fakeRunner) (*ExtractWorker, chan *model.ExtractTask, chan *model.Extraction) {
	in := make(chan *model.ExtractTask, 4)
	out := make(chan *model.Extraction, 4)
	w := &ExtractWorker{
		InputChan:  in,
		OutputChan: out,
		PanicChan:  make(chan struct{}, 1),
		Extractor:  runner,
		Archive:    &fakeArchive{html: "<html>archived</html>"},
		Fetcher:    &fakeFetcher{html: "<html>fetched</html>"},
		Cfg: &config.Config{
			Version:        "1.0.0",
			WorkerSettings: &config.WorkerConfig{RetryAttempts: 2, RetryDelay: time.Millisecond},
		},
		Options: &config.Options{Width: 1200, Debug: true},
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Db:      &fakeStorage{},
		S3:      &fakeBucket{},
		Cache:   &fakeCache{links: map[string]string{}},
		Wg:      &sync.WaitGroup{},
	}
	return w, in, out
}

func TestExtractWorker_Run(t *testing.T) {
	runner := &fakeRunner{}
	w, in, out := newTestWorker(runner)

	in <- &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true}
	close(in)
	w.Wg.Add(1)
	w.Run(context.Background())

	require.Len(t, out, 1)
	e := <-out
	assert.Equal(t, "https://example.com/", e.URL)
	assert.Equal(t, "https://bucket/https://example.com/", e.OutputLink)
	assert.Equal(t, 3, e.CSSLength)
	assert.Equal(t, int64(100), e.LoadTime)
	assert.Equal(t, int64(50), e.ProcessingTime)
	assert.Equal(t, []string{"style.css"}, e.Requests)
	assert.Equal(t, "browser", e.HTMLSource)
	assert.Equal(t, "1.0.0", e.WorkerVersion)

	link, ok := w.Cache.GetOutputLink("https://example.com/")
	assert.True(t, ok)
	assert.Equal(t, e.OutputLink, link)
	assert.Len(t, w.Db.(*fakeStorage).saved, 1)

	require.Len(t, runner.opts, 1)
	assert.False(t, runner.opts[0].Debug)
	assert.True(t, runner.opts[0].Diagnostics)
	assert.Equal(t, "https://example.com/", runner.opts[0].URL)
}

func TestExtractWorker_SkipsCached(t *testing.T) {
	runner := &fakeRunner{}
	w, in, out := newTestWorker(runner)
	w.Cache.SaveOutputLink("https://example.com/", "https://bucket/old")

	in <- &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true}
	close(in)
	w.Wg.Add(1)
	w.Run(context.Background())

	assert.Zero(t, runner.calls)
	assert.Empty(t, out)
}

func TestExtractWorker_SkipsNoStylesheet(t *testing.T) {
	runner := &fakeRunner{errs: []error{extractor.ErrNoStylesheet}}
	w, in, out := newTestWorker(runner)

	in <- &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true}
	close(in)
	w.Wg.Add(1)
	w.Run(context.Background())

	assert.Equal(t, 1, runner.calls)
	assert.Empty(t, out)
	assert.Empty(t, w.S3.(*fakeBucket).saved)
}

func TestExtractWorker_RetriesTimeout(t *testing.T) {
	runner := &fakeRunner{errs: []error{extractor.ErrTimeout, extractor.ErrTimeout}}
	w, _, _ := newTestWorker(runner)

	e, err := w.process(context.Background(), &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true})
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, 3, runner.calls)
}

func TestExtractWorker_RetriesExhausted(t *testing.T) {
	runner := &fakeRunner{errs: []error{extractor.ErrTimeout, extractor.ErrTimeout, extractor.ErrTimeout}}
	w, _, _ := newTestWorker(runner)

	_, err := w.process(context.Background(), &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true})
	assert.ErrorIs(t, err, extractor.ErrTimeout)
	assert.Equal(t, 3, runner.calls)
}

func TestExtractWorker_NoRetryOnOtherErrors(t *testing.T) {
	runner := &fakeRunner{errs: []error{extractor.ErrNoCSS}}
	w, _, _ := newTestWorker(runner)

	_, err := w.process(context.Background(), &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true})
	assert.ErrorIs(t, err, extractor.ErrNoCSS)
	assert.Equal(t, 1, runner.calls)
}

func TestExtractWorker_Prepare(t *testing.T) {
	tests := []struct {
		name     string
		task     *model.ExtractTask
		source   model.HTMLSource
		expected model.HTMLSource
		url      string
		fakeURL  string
		html     string
	}{
		{
			name:     "supplied html",
			task:     &model.ExtractTask{URL: "https://example.com/page", HTML: "<html>own</html>", IsAllowedToScrape: true},
			expected: model.Supplied,
			fakeURL:  "https://example.com/page/",
			html:     "<html>own</html>",
		},
		{
			name:     "supplied html with fake url",
			task:     &model.ExtractTask{HTML: "<html>own</html>", FakeURL: "https://fake.test/index.html"},
			expected: model.Supplied,
			fakeURL:  "https://fake.test/index.html",
			html:     "<html>own</html>",
		},
		{
			name:     "not allowed to scrape",
			task:     &model.ExtractTask{URL: "https://example.com/blog"},
			expected: model.CommonCrawl,
			fakeURL:  "https://example.com/blog/",
			html:     "<html>archived</html>",
		},
		{
			name:     "commoncrawl",
			task:     &model.ExtractTask{URL: "https://example.com/blog", IsAllowedToScrape: true},
			source:   model.CommonCrawl,
			expected: model.CommonCrawl,
			fakeURL:  "https://example.com/blog/",
			html:     "<html>archived</html>",
		},
		{
			name:     "curl",
			task:     &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true},
			source:   model.Curl,
			expected: model.Curl,
			url:      "https://example.com/",
			html:     "<html>fetched</html>",
		},
		{
			name:     "browser",
			task:     &model.ExtractTask{URL: "https://example.com/", IsAllowedToScrape: true},
			expected: model.Browser,
			url:      "https://example.com/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, _ := newTestWorker(&fakeRunner{})
			w.HTMLSource = tt.source

			opts, job, source, err := w.prepare(tt.task)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, source)
			assert.Equal(t, tt.url, opts.URL)
			assert.Equal(t, tt.fakeURL, opts.FakeURL)
			assert.Equal(t, tt.html, job.HTML)
			assert.Equal(t, int64(1200), opts.Width)
			assert.True(t, w.Options.Debug, "shared options must not be modified")
		})
	}
}

func TestExtractWorker_PrepareArchiveError(t *testing.T) {
	w, _, _ := newTestWorker(&fakeRunner{})
	w.Archive = &fakeArchive{err: errors.New("no archive")}

	_, _, source, err := w.prepare(&model.ExtractTask{URL: "https://example.com/"})
	assert.Error(t, err)
	assert.Equal(t, model.CommonCrawl, source)
}
