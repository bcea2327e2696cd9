package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/spec-harvester/convergence/internal/logging"
)

// BrowserRenderer is a lazily-launched, shared headless Chrome instance used
// as the second rung of the fetch fallback ladder, for JS-only pages HTTP
// fetching cannot render.
type BrowserRenderer struct {
	mu             sync.Mutex
	browser        *rod.Browser
	controlURL     string
	debuggerURL    string
	navTimeout     time.Duration
}

// NewBrowserRenderer configures a renderer. debuggerURL, if non-empty,
// connects to an already-running Chrome instance instead of launching one.
func NewBrowserRenderer(debuggerURL string, navTimeout time.Duration) *BrowserRenderer {
	if navTimeout == 0 {
		navTimeout = 20 * time.Second
	}
	return &BrowserRenderer{debuggerURL: debuggerURL, navTimeout: navTimeout}
}

func (b *BrowserRenderer) ensureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return nil
	}

	controlURL := b.debuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return fmt.Errorf("launch headless chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect headless chrome: %w", err)
	}
	b.browser = browser
	b.controlURL = controlURL
	return nil
}

// Render navigates to rawURL in a fresh page, waits for load, and returns
// the rendered HTML plus the final (post-redirect) URL.
func (b *BrowserRenderer) Render(ctx context.Context, rawURL string) (string, []byte, error) {
	if err := b.ensureStarted(); err != nil {
		return "", nil, err
	}

	page, err := b.browser.Context(ctx).Page(rod.PageOpts{})
	if err != nil {
		return "", nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			logging.Get(logging.CategoryFetch).Warn("close headless page: %v", closeErr)
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, b.navTimeout)
	defer cancel()
	page = page.Context(navCtx)

	if err := page.Navigate(rawURL); err != nil {
		return "", nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", nil, fmt.Errorf("wait load: %w", err)
	}

	info, err := page.Info()
	if err != nil {
		return "", nil, fmt.Errorf("page info: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return "", nil, fmt.Errorf("extract html: %w", err)
	}
	return info.URL, []byte(html), nil
}

// Close releases the underlying browser connection, if any.
func (b *BrowserRenderer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}
