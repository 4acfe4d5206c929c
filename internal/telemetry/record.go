package telemetry

import (
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json leaves <, > and & unescaped so request URLs read the same as in the page.
var json = jsoniter.Config{EscapeHTML: false, SortMapKeys: true, ValidateJsonRawMessage: true}.Froze()

// Record accumulates diagnostics for a single extraction run. It is owned by the orchestrator and
// handed by reference to the components that report into it. All methods are safe for concurrent use.
type Record struct {
	mu             sync.Mutex
	start          time.Time
	loadStart      time.Time
	loadTime       time.Duration
	processingTime time.Duration
	total          time.Duration
	requests       []string
	seen           map[string]struct{}
	stripped       []string
	errors         []string
	cssLength      int
}

func NewRecord(start time.Time) *Record {
	return &Record{
		start:    start,
		requests: make([]string, 0),
		seen:     make(map[string]struct{}),
		stripped: make([]string, 0),
		errors:   make([]string, 0),
	}
}

// LoadStarted marks the beginning of document loading.
func (r *Record) LoadStarted(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadStart = t
}

// LoadFinished stores the time elapsed since LoadStarted.
func (r *Record) LoadFinished(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadStart.IsZero() {
		r.loadStart = r.start
	}
	r.loadTime = t.Sub(r.loadStart)
}

// Finish closes the record: the processing time is the total run time minus the load time.
func (r *Record) Finish(t time.Time, cssLength int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cssLength = cssLength
	r.total = t.Sub(r.start)
	r.processingTime = r.total - r.loadTime
}

// Request records an observed request URL. Data URLs and duplicates are ignored.
func (r *Record) Request(url string) {
	if strings.HasPrefix(url, "data") {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[url]; ok {
		return
	}
	r.seen[url] = struct{}{}
	r.requests = append(r.requests, url)
}

// Stripped records an aborted request URL. Duplicates are kept.
func (r *Record) Stripped(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stripped = append(r.stripped, url)
}

// Error records a non-fatal in-page fault.
func (r *Record) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

// Snapshot is the serialized form of a Record. Durations are in milliseconds.
type Snapshot struct {
	Time           int64    `json:"time"`
	LoadTime       int64    `json:"loadTime"`
	ProcessingTime int64    `json:"processingTime"`
	Requests       []string `json:"requests"`
	Stripped       []string `json:"stripped"`
	Errors         []string `json:"errors"`
	CSSLength      int      `json:"cssLength"`
}

func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Time:           r.total.Milliseconds(),
		LoadTime:       r.loadTime.Milliseconds(),
		ProcessingTime: r.processingTime.Milliseconds(),
		Requests:       append([]string{}, r.requests...),
		Stripped:       append([]string{}, r.stripped...),
		Errors:         append([]string{}, r.errors...),
		CSSLength:      r.cssLength,
	}
}

// Comment renders the record as an HTML comment holding a single-line JSON object.
// It is appended verbatim to the run output.
func (r *Record) Comment() (string, error) {
	body, err := json.Marshal(r.Snapshot())
	if err != nil {
		return "", err
	}
	return "\n<!--\n\t" + string(body) + "\n-->", nil
}
