package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/aws_s3"
	"github.com/IliaW/css-inline-worker/internal/cache"
	"github.com/IliaW/css-inline-worker/internal/crawler"
	"github.com/IliaW/css-inline-worker/internal/extractor"
	"github.com/IliaW/css-inline-worker/internal/model"
	"github.com/IliaW/css-inline-worker/internal/persistence"
)

type Runner interface {
	Run(ctx context.Context, opts *config.Options, job extractor.Job) (*extractor.Result, error)
}

type ExtractWorker struct {
	InputChan  <-chan *model.ExtractTask
	OutputChan chan<- *model.Extraction
	PanicChan  chan struct{}
	Extractor  Runner
	Archive    crawler.ArchiveSource
	Fetcher    crawler.HTMLFetcher
	Cfg        *config.Config
	Options    *config.Options
	Log        *slog.Logger
	Db         persistence.MetadataStorage
	S3         aws_s3.BucketClient
	Cache      cache.CachedClient
	Wg         *sync.WaitGroup
	HTMLSource model.HTMLSource
}

// Run starts the extract worker. It will process tasks until InputChan is closed and send the results
// to the output channel.
func (w *ExtractWorker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("PANIC!", slog.Any("err", r))
			w.PanicChan <- struct{}{}
		}
	}()
	defer w.Wg.Done()
	w.Log.Debug("starting extract worker.")

	for task := range w.InputChan {
		if link, ok := w.Cache.GetOutputLink(task.URL); ok && task.HTML == "" {
			w.Log.Debug("already extracted. Skip.", slog.String("url", task.URL), slog.String("link", link))
			continue
		}
		extraction, err := w.process(ctx, task)
		if err != nil {
			if errors.Is(err, extractor.ErrNoStylesheet) {
				w.Log.Info("no stylesheet found. Skip.", slog.String("url", task.URL))
			} else {
				w.Log.Error("extraction failed.", slog.String("url", task.URL), slog.String("err", err.Error()))
			}
			continue
		}
		w.saveExtraction(extraction)
	}
}

func (w *ExtractWorker) saveExtraction(extraction *model.Extraction) {
	extraction.OutputLink = w.S3.WriteOutput(extraction)          // Save to S3
	w.Cache.SaveOutputLink(extraction.URL, extraction.OutputLink) // Save the S3 link to Cache
	w.Db.Save(extraction)                                         // Save metadata to database
	w.OutputChan <- extraction                                    // Send the result to kafka producer
}

// process runs the pipeline for a task. Timeouts are retried with exponential backoff.
func (w *ExtractWorker) process(ctx context.Context, task *model.ExtractTask) (*model.Extraction, error) {
	opts, job, source, err := w.prepare(task)
	if err != nil {
		return nil, err
	}

	res, err := w.Extractor.Run(ctx, opts, job)
	for retry, delay := w.Cfg.WorkerSettings.RetryAttempts, w.Cfg.WorkerSettings.RetryDelay; errors.Is(err,
		extractor.ErrTimeout) && retry > 0; retry, delay = retry-1, delay*2 {
		w.Log.Warn("extraction timed out. retrying...", slog.Int("attempts left", retry))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		res, err = w.Extractor.Run(ctx, opts, job)
	}
	if err != nil {
		return nil, err
	}

	url := task.URL
	if url == "" {
		url = opts.BaseURL()
	}
	snapshot := res.Debug.Snapshot()
	return &model.Extraction{
		URL:            url,
		Output:         res.Output,
		CSSOnly:        opts.CSSOnly,
		CSSLength:      snapshot.CSSLength,
		LoadTime:       snapshot.LoadTime,
		ProcessingTime: snapshot.ProcessingTime,
		Requests:       snapshot.Requests,
		Stripped:       snapshot.Stripped,
		Errors:         snapshot.Errors,
		HTMLSource:     source.String(),
		WorkerVersion:  w.Cfg.Version,
	}, nil
}

// prepare picks where the original HTML comes from and derives the run options for task.
func (w *ExtractWorker) prepare(task *model.ExtractTask) (*config.Options, extractor.Job, model.HTMLSource, error) {
	opts := *w.Options
	opts.Debug = false
	opts.Diagnostics = true
	job := extractor.Job{}

	switch {
	case task.HTML != "":
		opts.URL = ""
		opts.FakeURL = fakeURL(task.FakeURL, task.URL, w.Options.FakeURL)
		job.HTML = task.HTML
		return &opts, job, model.Supplied, nil
	case !task.IsAllowedToScrape, w.HTMLSource == model.CommonCrawl:
		html, err := w.Archive.GetHTML(task.URL)
		if err != nil {
			return nil, job, model.CommonCrawl, err
		}
		opts.URL = ""
		opts.FakeURL = fakeURL(task.URL)
		job.HTML = html
		return &opts, job, model.CommonCrawl, nil
	case w.HTMLSource == model.Curl:
		html, err := w.Fetcher.Fetch(task.URL)
		if err != nil {
			return nil, job, model.Curl, err
		}
		opts.URL = task.URL
		job.HTML = html
		return &opts, job, model.Curl, nil
	default:
		opts.URL = task.URL
		return &opts, job, model.Browser, nil
	}
}

func fakeURL(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return config.NormalizeFakeURL(c)
		}
	}
	return ""
}
