package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const maxPageText = 4000

// WebFetch renders a page in a headless browser and returns its title and
// visible text. The browser starts on first use and is shared by all agents.
type WebFetch struct {
	mu       sync.Mutex
	browser  *rod.Browser
	headless bool
	timeout  time.Duration
}

// NewWebFetch creates a WebFetch tool. No browser is launched until the
// first call.
func NewWebFetch(headless bool, timeout time.Duration) *WebFetch {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &WebFetch{headless: headless, timeout: timeout}
}

func (w *WebFetch) Name() string { return "web_fetch" }
func (w *WebFetch) Description() string {
	return `Load a URL in a browser and return its title and text. Args: {"url": string}`
}

// Available reports whether a Chrome or Chromium binary can be found.
func (w *WebFetch) Available() bool {
	_, ok := launcher.LookPath()
	return ok
}

func (w *WebFetch) Execute(ctx context.Context, args map[string]any) (string, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("unsupported url %q", url)
	}

	browser, err := w.ensureBrowser()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer func() { _ = page.Close() }()

	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate to %s: %w", url, err)
	}
	// A page can be usable before the load event fires.
	_ = page.WaitLoad()

	var title, text string
	if res, err := page.Eval(`() => document.title`); err == nil && res != nil {
		title = res.Value.String()
	}
	if res, err := page.Eval(`() => document.body ? document.body.innerText : ""`); err == nil && res != nil {
		text = res.Value.String()
	}
	text = clip(text, maxPageText)
	return fmt.Sprintf("Title: %s\n\n%s", title, text), nil
}

func (w *WebFetch) ensureBrowser() (*rod.Browser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.browser != nil {
		return w.browser, nil
	}
	controlURL, err := launcher.New().Headless(w.headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	w.browser = b
	return b, nil
}

// Close shuts down the browser if it was started.
func (w *WebFetch) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.browser == nil {
		return nil
	}
	err := w.browser.Close()
	w.browser = nil
	return err
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
