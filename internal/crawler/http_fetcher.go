package crawler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly"
)

// HTMLFetcher downloads the server-rendered HTML of a page.
type HTMLFetcher interface {
	Fetch(url string) (string, error)
}

type CollyFetcher struct {
	timeout   time.Duration
	userAgent string
	log       *slog.Logger
}

func NewCollyFetcher(timeout time.Duration, userAgent string, log *slog.Logger) *CollyFetcher {
	return &CollyFetcher{timeout: timeout, userAgent: userAgent, log: log}
}

func (f *CollyFetcher) Fetch(url string) (string, error) {
	c := colly.NewCollector()
	c.SetRequestTimeout(f.timeout)
	c.UserAgent = f.userAgent

	var html string
	status := 0
	c.OnResponse(func(resp *colly.Response) {
		html = string(resp.Body)
		status = resp.StatusCode
	})
	var fetchErr error
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	t := time.Now()
	err := c.Visit(url)
	f.log.Debug("fetched html.", slog.String("url", url), slog.Int("status", status),
		slog.Int64("time", time.Since(t).Milliseconds()))
	if fetchErr != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, fetchErr)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if status != http.StatusOK {
		return "", errors.New("unexpected status: " + http.StatusText(status))
	}

	return html, nil
}
