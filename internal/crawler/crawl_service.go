package crawler

import (
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/patrickmn/go-cache"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

var (
	ErrNoArchive = errors.New("no archived copy found")
	htmlRe       = regexp.MustCompile(`(?si)<!doctype html>.*?</html>`)
)

type Index struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

// ArchiveSource returns archived HTML for pages that may not be loaded from their origin.
type ArchiveSource interface {
	GetHTML(url string) (string, error)
}

type CommonCrawlerService struct {
	mu         sync.Mutex
	crawler    *commoncrawl.CommonCrawl
	connect    func(timeout, retries int) (*commoncrawl.CommonCrawl, error)
	cfg        *config.CrawlerConfig
	log        *slog.Logger
	localCache *cache.Cache
}

func NewCrawlService(cfg *config.CrawlerConfig, log *slog.Logger) *CommonCrawlerService {
	c, err := commoncrawl.New(cfg.RequestTimeout, cfg.Retries)
	if err != nil {
		log.Error("failed to create common crawl client", slog.String("err", err.Error()))
	}
	return &CommonCrawlerService{
		crawler:    c,
		connect:    commoncrawl.New,
		cfg:        cfg,
		log:        log,
		localCache: cache.New(72*time.Hour, 72*time.Hour), // indexes update every month
	}
}

// GetHTML returns the most recent archived HTML of url found in the last configured indexes.
func (c *CommonCrawlerService) GetHTML(url string) (string, error) {
	crawler, err := c.client()
	if err != nil {
		return "", err
	}

	indexList, err := c.getIndexes(crawler)
	if err != nil {
		return "", err
	}
	requestCfg := common.RequestConfig{
		URL:     url,
		Filters: []string{"statuscode:200", "mimetype:text/html"},
	}

	for i := 0; i < c.cfg.LastCrawlIndexes && i < len(indexList); i++ {
		p, _ := crawler.GetPagesIndex(requestCfg, indexList[i].Id)
		if len(p) == 0 {
			c.log.Debug("no archived pages found", slog.String("url", url),
				slog.String("index", indexList[i].Id))
			continue
		}
		resp, err := crawler.GetFile(p[len(p)-1]) // last one is the most recent
		if err != nil {
			c.log.Error("failed to get file", slog.String("err", err.Error()))
			break
		}
		body := string(resp)
		if html := extractHtml(&body); html != "" {
			return html, nil
		}
	}
	c.log.Info("no archived pages found", slog.String("url", url))

	return "", ErrNoArchive
}

// client returns the Common Crawl client, connecting again when the connection at startup failed.
func (c *CommonCrawlerService) client() (*commoncrawl.CommonCrawl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crawler != nil {
		return c.crawler, nil
	}
	// due to request limitations, the crawler may not be initialized when the application starts
	c.log.Info("connection retry to common crawl.")
	crawler, err := c.connect(c.cfg.RequestTimeout, c.cfg.Retries)
	if err != nil {
		c.log.Error("failed to create common crawl client", slog.String("err", err.Error()))
		return nil, errors.New("connection to common crawl failed")
	}
	c.crawler = crawler
	return crawler, nil
}

func (c *CommonCrawlerService) getIndexes(crawler *commoncrawl.CommonCrawl) ([]Index, error) {
	if i, ok := c.localCache.Get("indexes"); ok {
		return i.([]Index), nil
	}

	response, err := common.Get(indexListUrl, crawler.MaxTimeout, crawler.MaxRetries)
	if err != nil {
		return nil, err
	}

	var indexes []Index
	err = jsoniter.Unmarshal(response, &indexes)
	if err != nil {
		return indexes, err
	}
	c.localCache.Set("indexes", indexes, cache.DefaultExpiration)

	return indexes, nil
}

// extractHtml cuts the HTML document out of a WARC record.
func extractHtml(body *string) string {
	match := htmlRe.FindString(*body)
	return match
}
