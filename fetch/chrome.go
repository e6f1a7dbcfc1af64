package fetch

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"karui-search/utils"
)

// stabilityJS reports the body size once the document finished loading,
// -1 before that.
const stabilityJS = `document.readyState === "complete" && document.body ? document.body.innerHTML.length : -1`

const stabilityPoll = 250 * time.Millisecond

// ChromeSessions is a SessionFactory backed by one headless Chrome process,
// started lazily and opening a fresh tab per session.
type ChromeSessions struct {
	mu            sync.Mutex
	opts          []chromedp.ExecAllocatorOption
	cancelAlloc   context.CancelFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	logger        *utils.Logger
}

// NewChromeSessions prepares the browser flags. chromeBin may be empty, in
// which case well-known locations are searched.
func NewChromeSessions(chromeBin string, logger *utils.Logger) *ChromeSessions {
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("lang", "ja-JP"),
		chromedp.UserAgent(defaultUserAgent),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}
	if logger != nil {
		logger.Debug("[fetch] browser binary: %q", chromeBin)
	}
	return &ChromeSessions{opts: opts, logger: logger}
}

func (c *ChromeSessions) ensureBrowser(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browserCtx != nil && c.browserCtx.Err() == nil {
		return c.browserCtx, nil
	}
	c.teardown()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), c.opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	// The first Run on a fresh context launches the process.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			cancelBrowser()
			cancelAlloc()
			return nil, err
		}
	case <-ctx.Done():
		cancelBrowser()
		cancelAlloc()
		return nil, ctx.Err()
	}

	c.cancelAlloc = cancelAlloc
	c.browserCtx = browserCtx
	c.cancelBrowser = cancelBrowser
	return browserCtx, nil
}

// Open starts a new tab. The tab is torn down when ctx ends or on Close.
func (c *ChromeSessions) Open(ctx context.Context) (Session, error) {
	browserCtx, err := c.ensureBrowser(ctx)
	if err != nil {
		return nil, err
	}
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	stop := context.AfterFunc(ctx, cancelTab)
	if err := chromedp.Run(tabCtx); err != nil {
		stop()
		cancelTab()
		return nil, err
	}
	return &chromeSession{ctx: tabCtx, cancel: cancelTab, stop: stop}, nil
}

func (c *ChromeSessions) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.teardown()
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Warn("[fetch] browser process reset")
	}
	_, err := c.ensureBrowser(ctx)
	return err
}

func (c *ChromeSessions) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown()
	return nil
}

// teardown cancels the browser contexts. Callers hold mu.
func (c *ChromeSessions) teardown() {
	if c.cancelBrowser != nil {
		c.cancelBrowser()
	}
	if c.cancelAlloc != nil {
		c.cancelAlloc()
	}
	c.browserCtx, c.cancelBrowser, c.cancelAlloc = nil, nil, nil
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
}

// Navigate loads url; the tab context carries the caller's deadline
// through the AfterFunc registered in Open.
func (s *chromeSession) Navigate(_ context.Context, url string) (int, string, error) {
	resp, err := chromedp.RunResponse(s.ctx, chromedp.Navigate(url))
	if err != nil {
		return 0, "", err
	}
	if resp == nil {
		return 0, url, errors.New("no response for main document")
	}
	return int(resp.Status), finalURL(resp, url), nil
}

func (s *chromeSession) WaitStable(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	last := int64(-2)
	for {
		var size int64
		if err := chromedp.Run(s.ctx, chromedp.Evaluate(stabilityJS, &size)); err != nil {
			return err
		}
		if size >= 0 && size == last {
			return nil
		}
		last = size
		if time.Now().After(deadline) {
			return ErrNotStable
		}
		if err := utils.Sleep(ctx, stabilityPoll); err != nil {
			return err
		}
	}
}

func (s *chromeSession) HTML(_ context.Context) (string, error) {
	var html string
	err := chromedp.Run(s.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *chromeSession) Close() error {
	s.stop()
	s.cancel()
	return nil
}

func finalURL(resp *network.Response, fallback string) string {
	if resp.URL != "" {
		return resp.URL
	}
	return fallback
}

// findChromeBinary locates a Chrome/Chromium binary.
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
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium-browser",
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
