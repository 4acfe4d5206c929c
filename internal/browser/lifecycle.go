package browser

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

// navigateAndWaitFor navigates the main frame to url and blocks until it reports eventName.
// The listener is installed before navigating so a fast load is not missed.
func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		wait := waitFor(ctx, tree.Frame.ID, eventName)
		_, _, errorText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return errors.New("navigation failed: " + errorText)
		}
		return wait()
	}
}

// waitFor starts listening for a lifecycle event of frame and returns a function blocking until it fires.
func waitFor(ctx context.Context, frame cdp.FrameID, eventName string) func() error {
	ch := make(chan struct{})
	once := sync.Once{}
	cctx, cancel := context.WithCancel(ctx)
	chromedp.ListenTarget(cctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == eventName && e.FrameID == frame {
				once.Do(func() {
					cancel()
					close(ch)
				})
			}
		}
	})
	return func() error {
		defer cancel()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForDocumentComplete resolves once the current document reached readyState "complete".
func waitForDocumentComplete() chromedp.Action {
	var done bool
	return chromedp.Evaluate(`new Promise(function (resolve) {
		if (document.readyState === "complete") {
			resolve(true);
			return;
		}
		window.addEventListener("load", function () { resolve(true); });
	})`, &done, awaitPromise)
}
