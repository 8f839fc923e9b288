package marketplace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"carprice-aggregator/utils"
)

// Browser hands out isolated page sessions.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one browser tab. Close must be safe to call more than once.
type Session interface {
	// Fetch navigates to url, waits up to wait for network idle and for
	// readySelector to appear, and returns the rendered markup. A wait that
	// times out is not an error.
	Fetch(ctx context.Context, url, readySelector string, wait time.Duration) (string, error)
	Close() error
}

// ChromeBrowser runs headless Chrome through chromedp. One exec allocator is
// shared by every session; each session gets its own tab.
type ChromeBrowser struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	logger      *utils.Logger
}

// NewChromeBrowser prepares the allocator. Chrome itself starts with the first session.
func NewChromeBrowser(chromeBin string, logger *utils.Logger) *ChromeBrowser {
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	logger.Info("[marketplace] Using browser binary: %q", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeBrowser{allocCtx: allocCtx, cancelAlloc: cancel, logger: logger}
}

func (b *ChromeBrowser) NewSession(ctx context.Context) (Session, error) {
	tabCtx, cancel := chromedp.NewContext(b.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	stop := context.AfterFunc(ctx, cancel)

	// An empty Run starts the browser (first time) and opens the tab.
	if err := chromedp.Run(tabCtx); err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("start browser tab: %w", err)
	}
	return &chromeSession{ctx: tabCtx, cancel: cancel, stop: stop, logger: b.logger}, nil
}

// Close shuts down the Chrome process.
func (b *ChromeBrowser) Close() error {
	b.cancelAlloc()
	return nil
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	logger *utils.Logger
	once   sync.Once
}

func (s *chromeSession) Fetch(ctx context.Context, url, readySelector string, wait time.Duration) (string, error) {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	idle := make(chan struct{}, 1)
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})

	if err := chromedp.Run(runCtx,
		page.SetLifecycleEventsEnabled(true),
		chromedp.Navigate(url),
	); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}

	waitCtx, cancelWait := context.WithTimeout(runCtx, wait)
	select {
	case <-idle:
	case <-waitCtx.Done():
		s.logger.Debug("[marketplace] Network not idle after %v, continuing", wait)
	}
	if readySelector != "" {
		if err := chromedp.Run(waitCtx, chromedp.WaitReady(readySelector, chromedp.ByQuery)); err != nil {
			s.logger.Debug("[marketplace] Listing markup not present after %v, capturing anyway", wait)
		}
	}
	cancelWait()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var html string
	if err := chromedp.Run(runCtx,
		chromedp.Evaluate(`document.documentElement.outerHTML`, &html),
	); err != nil {
		return "", fmt.Errorf("capture markup: %w", err)
	}
	return html, nil
}

// Close closes the tab exactly once.
func (s *chromeSession) Close() error {
	s.once.Do(func() {
		s.stop()
		s.cancel()
	})
	return nil
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	for _, name := range []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	for _, p := range []string{
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
