package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/adytum-sh/adytum/internal/tools"
)

const (
	previewTimeout  = 15 * time.Second
	previewMaxBytes = 256 * 1024
	previewDescMax  = 300
)

// Preview is the metadata card for one URL.
type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
}

// LinkPreview fetches OpenGraph-ish metadata for the dashboard. The fast
// path is a plain GET; deep mode renders the page so client-side apps still
// produce a title.
type LinkPreview struct {
	client   *http.Client
	renderer PageRenderer
}

func NewLinkPreview(renderer PageRenderer) *LinkPreview {
	return &LinkPreview{
		client:   &http.Client{Timeout: previewTimeout},
		renderer: renderer,
	}
}

var (
	reOGTitle = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:title["'][^>]+content=["']([^"']*)["']`)
	reOGDesc  = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:description["'][^>]+content=["']([^"']*)["']`)
	reOGImage = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:image["'][^>]+content=["']([^"']*)["']`)
	reOGSite  = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:site_name["'][^>]+content=["']([^"']*)["']`)
	reMetaDes = regexp.MustCompile(`(?is)<meta[^>]+name=["']description["'][^>]+content=["']([^"']*)["']`)
	reTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// Fetch builds a preview for url. Private and loopback targets are refused.
func (p *LinkPreview) Fetch(ctx context.Context, rawURL string, deep bool) (*Preview, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("only http and https URLs are supported")
	}
	if err := tools.CheckSSRF(rawURL); err != nil {
		return nil, err
	}

	if deep && p.renderer != nil {
		title, text, err := p.renderer.Visit(ctx, rawURL, 0)
		if err == nil {
			return &Preview{
				URL:         rawURL,
				Title:       title,
				Description: clip(text, previewDescMax),
			}, nil
		}
		// fall through to the plain fetch
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, previewMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return parsePreview(rawURL, string(body)), nil
}

func parsePreview(url, html string) *Preview {
	pv := &Preview{URL: url}
	if m := reOGTitle.FindStringSubmatch(html); m != nil {
		pv.Title = cleanMeta(m[1])
	}
	if pv.Title == "" {
		if m := reTitle.FindStringSubmatch(html); m != nil {
			pv.Title = cleanMeta(m[1])
		}
	}
	if m := reOGDesc.FindStringSubmatch(html); m != nil {
		pv.Description = cleanMeta(m[1])
	} else if m := reMetaDes.FindStringSubmatch(html); m != nil {
		pv.Description = cleanMeta(m[1])
	}
	if m := reOGImage.FindStringSubmatch(html); m != nil {
		pv.Image = strings.TrimSpace(m[1])
	}
	if m := reOGSite.FindStringSubmatch(html); m != nil {
		pv.SiteName = cleanMeta(m[1])
	}
	pv.Description = clip(pv.Description, previewDescMax)
	return pv
}

func cleanMeta(s string) string {
	s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return tools.Truncate(s, max)
}
