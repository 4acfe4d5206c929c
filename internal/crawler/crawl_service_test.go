package crawler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/karust/gogetcrawl/commoncrawl"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHtml(t *testing.T) {
	body := "WARC/1.0\r\nWARC-Type: response\r\n\r\nHTTP/1.1 200 OK\r\nETag: \"abc\"\r\n\r\n" +
		"<!DOCTYPE html>\n<html><head><link rel=\"stylesheet\" href=\"a.css\"/></head></html>\n\r\n"

	assert.Equal(t, "<!DOCTYPE html>\n<html><head><link rel=\"stylesheet\" href=\"a.css\"/></head></html>", extractHtml(&body))

	empty := "WARC/1.0\r\n\r\nnot html"
	assert.Equal(t, "", extractHtml(&empty))
}

func TestCollyFetcher_Fetch(t *testing.T) {
	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.UserAgent()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="stylesheet" href="a.css"/></head></html>`))
	}))
	defer srv.Close()

	f := NewCollyFetcher(5*time.Second, "cssextract", slog.New(slog.NewTextHandler(io.Discard, nil)))

	html, err := f.Fetch(srv.URL)
	require.NoError(t, err)

	assert.Contains(t, html, `rel="stylesheet"`)
	assert.Equal(t, "cssextract", userAgent)
}

func TestCollyFetcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewCollyFetcher(5*time.Second, "cssextract", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := f.Fetch(srv.URL)

	assert.Error(t, err)
}

func TestCommonCrawlerService_ClientReconnectsOnce(t *testing.T) {
	var calls atomic.Int32
	c := &CommonCrawlerService{
		cfg: &config.CrawlerConfig{RequestTimeout: 1, Retries: 1},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		connect: func(timeout, retries int) (*commoncrawl.CommonCrawl, error) {
			calls.Add(1)
			time.Sleep(time.Millisecond)
			return &commoncrawl.CommonCrawl{MaxTimeout: timeout, MaxRetries: retries}, nil
		},
	}

	clients := make([]*commoncrawl.CommonCrawl, 8)
	wg := sync.WaitGroup{}
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := c.client()
			assert.NoError(t, err)
			clients[i] = client
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, client := range clients {
		assert.Same(t, clients[0], client)
	}
}

func TestCommonCrawlerService_ClientRetriesAfterFailure(t *testing.T) {
	fail := true
	c := &CommonCrawlerService{
		cfg: &config.CrawlerConfig{},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		connect: func(int, int) (*commoncrawl.CommonCrawl, error) {
			if fail {
				return nil, errors.New("too many requests")
			}
			return &commoncrawl.CommonCrawl{}, nil
		},
	}

	_, err := c.GetHTML("https://example.com/")
	assert.Error(t, err)

	fail = false
	client, err := c.client()
	require.NoError(t, err)
	assert.NotNil(t, client)
}
