package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const browserPageTimeout = 30 * time.Second

// BrowserTool renders a page in a headless browser and returns its text.
// For JavaScript-heavy sites where web_fetch only sees an empty shell.
type BrowserTool struct {
	headless bool

	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserTool(headless bool) *BrowserTool {
	return &BrowserTool{headless: headless}
}

func (t *BrowserTool) Name() string { return "browser_visit" }

func (t *BrowserTool) Description() string {
	return "Open a URL in a headless browser and return the rendered page text. Use for pages that need JavaScript."
}

func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to open",
			},
			"wait_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Extra seconds to wait after load for dynamic content (max 10)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkSSRF(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}

	wait := time.Duration(0)
	if w, ok := args["wait_seconds"].(float64); ok && w > 0 {
		if w > 10 {
			w = 10
		}
		wait = time.Duration(w * float64(time.Second))
	}

	title, text, err := t.Visit(ctx, rawURL, wait)
	if err != nil {
		return ErrorResult(fmt.Sprintf("browser visit failed: %v", err))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nURL: %s\n\n", title, rawURL)
	fmt.Fprintf(&sb, "<web_content source=\"external\" url=%q>\n", rawURL)
	sb.WriteString(Truncate(text, defaultFetchMaxChars))
	sb.WriteString("\n</web_content>")
	return NewResult(sb.String())
}

// Visit renders the page and returns its title and extracted text. Shared
// with the gateway's deep link-preview handler.
func (t *BrowserTool) Visit(ctx context.Context, rawURL string, extraWait time.Duration) (string, string, error) {
	browser, err := t.connect()
	if err != nil {
		return "", "", err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return "", "", fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(browserPageTimeout)
	if err := page.WaitLoad(); err != nil {
		return "", "", fmt.Errorf("wait load: %w", err)
	}
	if extraWait > 0 {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(extraWait):
		}
	}

	info, err := page.Info()
	if err != nil {
		return "", "", fmt.Errorf("page info: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return "", "", fmt.Errorf("page html: %w", err)
	}
	return info.Title, htmlToText(html), nil
}

// connect lazily launches one shared headless browser. Launch failures are
// returned per call so a missing chromium shows up as a tool error, not a
// startup crash.
func (t *BrowserTool) connect() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}
	controlURL, err := launcher.New().Headless(t.headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	t.browser = browser
	return browser, nil
}

// Close tears down the shared browser, if one was ever launched.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		_ = t.browser.Close()
		t.browser = nil
	}
}
