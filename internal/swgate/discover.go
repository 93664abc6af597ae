package swgate

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"
)

// sitemapDoc is a parsed urlset or sitemapindex.
type sitemapDoc struct {
	URLs     []string
	Sitemaps []string
}

func parseSitemap(body []byte) (sitemapDoc, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return sitemapDoc{}, err
	}
	if doc.Root() == nil {
		return sitemapDoc{}, fmt.Errorf("empty sitemap")
	}
	var out sitemapDoc
	for _, el := range doc.FindElements("//url/loc") {
		out.URLs = append(out.URLs, el.Text())
	}
	for _, el := range doc.FindElements("//sitemap/loc") {
		out.Sitemaps = append(out.Sitemaps, el.Text())
	}
	return out, nil
}

// discoverPrecache walks the given sitemaps (following sitemap indexes) and
// returns the same-origin paths they list, in first-seen order.
func discoverPrecache(ctx context.Context, client Doer, origin *url.URL, sitemaps []string) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var paths []string

	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, absoluteURL(origin, sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, client, smURL)
		if err != nil {
			return paths, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, absoluteURL(origin, nested))
			}
		}
		for _, loc := range doc.URLs {
			p, ok := sameOriginPath(origin, loc)
			if !ok {
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func absoluteURL(origin *url.URL, u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return origin.String() + u
}

// sameOriginPath turns a sitemap <loc> into a request key. Locations on other
// origins are rejected.
func sameOriginPath(origin *url.URL, loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.Host != "" && !(strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)) {
		return "", false
	}
	if u.Path == "" || !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.RequestURI(), true
}

func fetchSitemap(ctx context.Context, client Doer, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may or may not also be served with Content-Encoding.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	return parseSitemap(body)
}

// mergeManifest appends extra paths not already in base.
func mergeManifest(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	out := append([]string(nil), base...)
	for _, p := range base {
		seen[p] = struct{}{}
	}
	for _, p := range extra {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
