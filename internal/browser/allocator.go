package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/chromedp"
)

// Start launches a headless Chrome and returns a context that owns it. Sessions created from the
// returned context open tabs in that browser. cancel shuts the browser down.
func Start(ctx context.Context, execPath string, log *slog.Logger) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)

	logf := func(format string, args ...any) {
		log.Debug(fmt.Sprintf(format, args...))
	}
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logf),
		chromedp.WithErrorf(logf),
	)
	cancel := func() {
		cancelBrowser()
		cancelAlloc()
	}

	// An empty run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to start browser: %w", err)
	}
	log.Debug("browser started.")
	return browserCtx, cancel, nil
}
