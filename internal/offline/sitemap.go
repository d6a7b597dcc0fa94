package offline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverSitemapURLs walks the configured sitemaps, following nested sitemap
// indexes, and returns the page URLs that live on the origin. Results are
// deduplicated and capped at the configured limit. Any sitemap that cannot be
// fetched or parsed fails the whole walk.
func (w *Worker) discoverSitemapURLs(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	queue := append([]string(nil), w.sitemaps...)
	var out []string

	for len(queue) > 0 && len(out) < w.sitemapLimit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if u := w.sameOrigin(nested); u != "" {
				queue = append(queue, u)
			}
		}

		fit, ignored := 0, 0
		for _, loc := range doc.URLs {
			u := w.sameOrigin(loc)
			if u == "" {
				ignored++
				continue
			}
			if _, dup := seenPages[u]; dup {
				continue
			}
			if len(out) >= w.sitemapLimit {
				ignored++
				continue
			}
			seenPages[u] = struct{}{}
			out = append(out, u)
			fit++
		}
		w.log.WithFields(logrus.Fields{
			"action":  "sitemap",
			"sitemap": smURL,
			"urls":    len(doc.URLs),
			"fit":     fit,
			"ignored": ignored,
		}).Debug("sitemap read")
	}
	return out, nil
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}

	// .gz sitemaps may arrive already decoded when the server also sets
	// Content-Encoding, so only the magic bytes decide.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// sameOrigin resolves loc against the origin and returns it without the
// fragment, or "" when it points elsewhere.
func (w *Worker) sameOrigin(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := w.origin.Parse(loc)
	if err != nil || !strings.EqualFold(u.Host, w.origin.Host) || u.Scheme != w.origin.Scheme {
		return ""
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
