package model

import "fmt"

// HTMLSource tells where the original document of a task comes from.
type HTMLSource int

const (
	// Browser reads the document from the loaded page.
	Browser HTMLSource = iota
	// Curl fetches the server HTML with an HTTP client before the page is loaded.
	Curl
	// CommonCrawl takes the latest archived copy and renders it against a fake URL.
	CommonCrawl
	// Supplied is HTML that came with the task.
	Supplied
)

func (s HTMLSource) String() string {
	return [...]string{"browser", "curl", "commoncrawl", "supplied"}[s]
}

func ParseHTMLSource(s string) (HTMLSource, error) {
	switch s {
	case "", "browser":
		return Browser, nil
	case "curl":
		return Curl, nil
	case "commoncrawl":
		return CommonCrawl, nil
	default:
		return Browser, fmt.Errorf("unsupported html source %q", s)
	}
}

type ExtractTask struct {
	URL               string `json:"url"`
	HTML              string `json:"html,omitempty"`
	FakeURL           string `json:"fake_url,omitempty"`
	IsAllowedToScrape bool   `json:"allowed_to_scrape"`
}

type Extraction struct {
	URL            string   `json:"url"`
	Output         string   `json:"output,omitempty"`
	OutputLink     string   `json:"output_link,omitempty"`
	CSSOnly        bool     `json:"css_only"`
	CSSLength      int      `json:"css_length"`
	LoadTime       int64    `json:"load_time"`       // in milliseconds
	ProcessingTime int64    `json:"processing_time"` // in milliseconds
	Requests       []string `json:"requests"`
	Stripped       []string `json:"stripped"`
	Errors         []string `json:"errors"`
	HTMLSource     string   `json:"html_source"`
	WorkerVersion  string   `json:"worker_version"`
}
