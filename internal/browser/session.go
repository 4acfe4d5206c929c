package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/css-inline-worker/internal/filter"
	"github.com/IliaW/css-inline-worker/internal/telemetry"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	placeholderBody = "<html><body><div>Empty dummy page</div></body></html>"
	defaultHeight   = 800
	commandTimeout  = 5 * time.Second
)

// ExtractionOptions is published to the page as window.extractCSSOptions.
type ExtractionOptions struct {
	MatchMQ  bool     `json:"matchMQ,omitempty"`
	Required []string `json:"required,omitempty"`
}

func (o ExtractionOptions) IsZero() bool {
	return !o.MatchMQ && len(o.Required) == 0
}

type Config struct {
	// URL selects live mode. When empty the session runs in synthetic mode against FakeURL.
	URL     string
	FakeURL string
	// HTML is the original document when the caller already has it.
	HTML string
	// Stdin supplies the document in synthetic mode when HTML is empty.
	Stdin        io.Reader
	Width        int64
	Height       int64
	UserAgent    string
	Options      ExtractionOptions
	LocalStorage map[string]any
	// Script is the path of the extraction agent.
	Script string
}

// Session is a single headless page driving one extraction run.
type Session struct {
	cfg     Config
	log     *slog.Logger
	filter  *filter.Filter
	record  *telemetry.Record
	ctx     context.Context
	abort   context.CancelCauseFunc
	cancel  context.CancelFunc
	scripts *scripts
	result  *Future
	// placeholder answers the first request of a synthetic navigation.
	placeholder atomic.Bool
	closeOnce   sync.Once
}

// New starts a browser tab and installs request interception and the in-page listeners.
// The tab lives until Close or until ctx ends.
func New(ctx context.Context, cfg Config, f *filter.Filter, record *telemetry.Record, log *slog.Logger) (*Session, error) {
	causeCtx, abort := context.WithCancelCause(ctx)
	tabCtx, cancel := chromedp.NewContext(causeCtx)
	s := &Session{
		cfg:     cfg,
		log:     log,
		filter:  f,
		record:  record,
		ctx:     tabCtx,
		abort:   abort,
		cancel:  cancel,
		scripts: newScripts(),
		result:  NewFuture(ResultTag),
	}

	chromedp.ListenTarget(tabCtx, s.onEvent)

	height := cfg.Height
	if height == 0 {
		height = defaultHeight
	}
	err := chromedp.Run(tabCtx,
		runtime.Enable(),
		inspector.Enable(),
		network.Enable(),
		fetch.Enable(),
		enableLifeCycleEvents(),
		emulation.SetUserAgentOverride(cfg.UserAgent),
		emulation.SetDeviceMetricsOverride(cfg.Width, height, 1, false),
	)
	if err != nil {
		err = s.wrap(err)
		s.Close()
		return nil, err
	}
	return s, nil
}

// Load produces the original HTML of the page and leaves the page loaded.
func (s *Session) Load() (string, error) {
	if s.cfg.URL != "" {
		return s.loadLive()
	}
	return s.loadSynthetic()
}

func (s *Session) loadLive() (string, error) {
	html := s.cfg.HTML
	s.record.LoadStarted(time.Now())
	s.log.Debug("navigating.", slog.String("url", s.cfg.URL))
	err := chromedp.Run(s.ctx,
		navigateAndWaitFor(s.cfg.URL, "load"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if html != "" {
				return nil
			}
			return chromedp.Evaluate(`(function () {
				var xhr = new XMLHttpRequest();
				var html = "";
				xhr.open("get", window.location.href, false);
				xhr.onload = function () {
					html = xhr.responseText;
				};
				xhr.send();
				return html;
			})()`, &html).Do(ctx)
		}),
	)
	if err != nil {
		return "", s.wrap(err)
	}
	return html, nil
}

func (s *Session) loadSynthetic() (string, error) {
	if s.cfg.FakeURL == "" {
		return "", ErrMissingFakeURL
	}
	html := s.cfg.HTML
	if html == "" {
		if s.cfg.Stdin == nil {
			return "", errors.New("no HTML supplied")
		}
		b, err := io.ReadAll(s.cfg.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read HTML: %w", err)
		}
		html = string(b)
	}

	s.record.LoadStarted(time.Now())
	s.placeholder.Store(true)
	s.log.Debug("navigating to fake url.", slog.String("url", s.cfg.FakeURL))
	err := chromedp.Run(s.ctx,
		navigateAndWaitFor(s.cfg.FakeURL, "load"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		waitForDocumentComplete(),
	)
	if err != nil {
		return "", s.wrap(err)
	}
	return html, nil
}

// Extract configures the page, injects the extraction agent and waits for its result.
func (s *Session) Extract() (string, error) {
	src, err := readScript(s.cfg.Script)
	if err != nil {
		return "", err
	}

	err = chromedp.Run(s.ctx,
		chromedp.ActionFunc(s.publishOptions),
		chromedp.ActionFunc(s.seedLocalStorage),
		chromedp.ActionFunc(s.fitViewport),
		chromedp.ActionFunc(func(ctx context.Context) error {
			s.result.Arm()
			return s.injectAgent(ctx, src)
		}),
	)
	if err != nil {
		return "", s.wrap(err)
	}

	res, err := s.result.Await(s.ctx)
	if err != nil {
		return "", s.wrap(err)
	}
	if res.CSS == "" {
		return "", ErrNoCSS
	}
	return res.CSS, nil
}

// Close tears the browser down. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("failed to close browser.", slog.String("err", err.Error()))
		}
		s.cancel()
		s.abort(nil)
	})
}

func (s *Session) publishOptions(ctx context.Context) error {
	if s.cfg.Options.IsZero() {
		return nil
	}
	body, err := json.Marshal(s.cfg.Options)
	if err != nil {
		return err
	}
	return chromedp.Evaluate("window.extractCSSOptions = "+string(body)+";", nil).Do(ctx)
}

func (s *Session) seedLocalStorage(ctx context.Context) error {
	if len(s.cfg.LocalStorage) == 0 {
		return nil
	}
	body, err := json.Marshal(s.cfg.LocalStorage)
	if err != nil {
		return err
	}
	return chromedp.Evaluate(`(function (data) {
		var storage = window.localStorage;
		if (storage) {
			for (var key in data) {
				var value = data[key];
				storage.setItem(key, typeof value === "string" ? value : JSON.stringify(value));
			}
		}
	})(`+string(body)+`)`, nil).Do(ctx)
}

// fitViewport resizes the viewport to the document height unless a height was requested.
func (s *Session) fitViewport(ctx context.Context) error {
	if s.cfg.Height != 0 {
		return nil
	}
	var height int64
	if err := chromedp.Evaluate(`document.body ? document.body.offsetHeight : 0`, &height).Do(ctx); err != nil {
		return err
	}
	s.log.Debug("measured document height.", slog.Int64("height", height))
	if height <= 0 {
		return nil
	}
	return emulation.SetDeviceMetricsOverride(s.cfg.Width, height, 1, false).Do(ctx)
}

// injectAgent compiles the agent under its own script id so faults it raises can be told apart
// from faults of the host page.
func (s *Session) injectAgent(ctx context.Context, src string) error {
	sourceURL := "file://" + s.cfg.Script
	if abs, err := filepath.Abs(s.cfg.Script); err == nil {
		sourceURL = "file://" + abs
	}
	id, exc, err := runtime.CompileScript(src, sourceURL, true).Do(ctx)
	if err != nil {
		return err
	}
	if exc != nil {
		return fmt.Errorf("failed to compile script: %s", describeException(exc))
	}
	s.scripts.Register(id)

	_, exc, err = runtime.RunScript(id).Do(ctx)
	if err != nil {
		return err
	}
	if exc != nil {
		s.report(classify(exc, s.scripts))
	}
	return nil
}

func (s *Session) onEvent(event interface{}) {
	switch ev := event.(type) {
	case *fetch.EventRequestPaused:
		go s.intercept(ev)
	case *runtime.EventConsoleAPICalled:
		if len(ev.Args) == 0 || ev.Args[0].Type != runtime.TypeString {
			return
		}
		var first string
		if err := json.Unmarshal([]byte(ev.Args[0].Value), &first); err != nil {
			return
		}
		if !s.result.Matches(len(ev.Args), first) {
			return
		}
		go s.receive(ev.Args[1])
	case *runtime.EventExceptionThrown:
		s.report(classify(ev.ExceptionDetails, s.scripts))
	case *inspector.EventTargetCrashed:
		s.report(&Fault{Origin: OriginHost, Message: "page crashed"})
	}
}

// report keeps agent faults as diagnostics and aborts the run on host faults.
func (s *Session) report(f *Fault) {
	if f.Origin == OriginAgent {
		s.log.Debug("agent error.", slog.String("err", f.Message))
		s.record.Error(f.Message)
		return
	}
	s.log.Error("page error.", slog.String("err", f.Message))
	s.abort(f)
}

// routing is how an intercepted request is answered.
type routing int

const (
	routeContinue routing = iota
	routeAbort
	routePlaceholder
)

// route answers the first request of a synthetic navigation with the placeholder page and leaves
// every other request to the filter.
func (s *Session) route(url string) routing {
	if s.placeholder.CompareAndSwap(true, false) {
		return routePlaceholder
	}
	if _, d := s.filter.Decide(url); d == filter.Abort {
		return routeAbort
	}
	return routeContinue
}

func (s *Session) intercept(ev *fetch.EventRequestPaused) {
	cmdCtx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	c := chromedp.FromContext(cmdCtx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(cmdCtx, c.Target)

	var err error
	switch s.route(ev.Request.URL) {
	case routePlaceholder:
		err = fetch.FulfillRequest(ev.RequestID, 200).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html"}}).
			WithBody(base64.StdEncoding.EncodeToString([]byte(placeholderBody))).
			Do(ctx)
	case routeAbort:
		s.log.Debug("request stripped.", slog.String("url", ev.Request.URL))
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonFailed).Do(ctx)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil {
		s.log.Debug("failed to resolve intercepted request.", slog.String("url", ev.Request.URL),
			slog.String("err", err.Error()))
	}
}

func (s *Session) receive(arg *runtime.RemoteObject) {
	// Results passed by value need no round trip to the page.
	if arg.ObjectID == "" {
		s.result.Resolve(decodeResult(s.ctx, arg))
		return
	}
	cmdCtx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	c := chromedp.FromContext(cmdCtx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(cmdCtx, c.Target)

	s.result.Resolve(decodeResult(ctx, arg))
}

func decodeResult(ctx context.Context, arg *runtime.RemoteObject) (AgentResult, error) {
	var res AgentResult
	raw := []byte(arg.Value)
	if arg.ObjectID != "" {
		obj, exc, err := runtime.CallFunctionOn(`function () { return JSON.stringify(this); }`).
			WithObjectID(arg.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return res, err
		}
		if exc != nil {
			return res, fmt.Errorf("failed to read result: %s", describeException(exc))
		}
		var body string
		if err := json.Unmarshal([]byte(obj.Value), &body); err != nil {
			return res, err
		}
		raw = []byte(body)
	}
	if len(raw) == 0 {
		return res, ErrNoCSS
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("failed to decode result: %w", err)
	}
	return res, nil
}

// wrap reports why the tab context ended when err comes from a cancelled run.
func (s *Session) wrap(err error) error {
	if s.ctx.Err() == nil {
		return err
	}
	if cerr := contextError(s.ctx); cerr != nil {
		return cerr
	}
	return err
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func readScript(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w at: %s", ErrAgentUnavailable, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w at: %s", ErrAgentUnavailable, path)
	}
	return string(b), nil
}
