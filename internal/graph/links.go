package graph

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DiscoveredLink is one outbound anchor found on a page, resolved to an
// absolute URL.
type DiscoveredLink struct {
	URL    string
	Anchor string
}

// ExtractOutboundLinks parses anchor elements from rawContent and resolves
// every href against baseURL. Fragment-only and javascript: targets are
// discarded, as is anything that does not resolve to http(s). URLs are
// deduplicated preserving first-seen order; the anchor text of the last
// occurrence wins, matching the edge upsert semantics. Pure function, no
// side effects.
func ExtractOutboundLinks(rawContent []byte, baseURL string) ([]DiscoveredLink, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawContent))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]int)
	var links []DiscoveredLink
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved, ok := resolveHref(base, href)
		if !ok {
			return
		}
		anchor := strings.TrimSpace(sel.Text())
		if idx, dup := seen[resolved]; dup {
			if anchor != "" {
				links[idx].Anchor = anchor
			}
			return
		}
		seen[resolved] = len(links)
		links = append(links, DiscoveredLink{URL: resolved, Anchor: anchor})
	})
	return links, nil
}

func resolveHref(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Host == "" {
		return "", false
	}
	// Same-page fragments collapse onto the page itself.
	resolved.Fragment = ""
	return resolved.String(), true
}
