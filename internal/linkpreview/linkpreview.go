// Package linkpreview fetches OpenGraph metadata for the first URL
// found in a sent message's text, producing a model.LinkPreview for
// the link-preview chat item content (text content
// union).
package linkpreview

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"chatcore/internal/model"
)

// FetchTimeout is the maximum time spent fetching a URL for preview
// metadata. Kept short so message delivery is never delayed waiting
// on it.
const FetchTimeout = 4 * time.Second

// MaxBody is the maximum number of bytes read from a page when
// extracting OpenGraph metadata. Only the <head> section is needed.
const MaxBody = 256 * 1024

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// ExtractFirstURL returns the first http(s) URL found in text, or "".
func ExtractFirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Fetch retrieves rawURL and extracts its OpenGraph metadata. The
// caller is expected to run this off the chat lock, in a goroutine,
// since it involves real network I/O.
func Fetch(ctx context.Context, rawURL string) (model.LinkPreview, error) {
	client := &http.Client{
		Timeout: FetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", "chatcore-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return model.LinkPreview{}, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return model.LinkPreview{URL: rawURL}, nil
	}

	body := io.LimitReader(resp.Body, MaxBody)
	return parseOGTags(rawURL, body)
}

// maxTitleLen and maxDescLen bound what a remote page can inject into
// a stored ChatItem's content — a page with a pathological <title> or
// og:description should shrink to a preview, not balloon the item.
const (
	maxTitleLen = 300
	maxDescLen  = 1000
)

// parseOGTags reads HTML from r and extracts OpenGraph and favicon
// metadata, stopping once <body> is reached. og:url, when present,
// overrides rawURL as the canonical link for the preview; an og:image
// absence falls back to the page's favicon so a preview is never
// purely textual when a page offers any image at all.
func parseOGTags(rawURL string, r io.Reader) (model.LinkPreview, error) {
	lp := model.LinkPreview{URL: rawURL}
	tokenizer := html.NewTokenizer(r)
	var inTitle bool
	var titleText string
	var favicon string

	finish := func() (model.LinkPreview, error) {
		if lp.Title == "" && titleText != "" {
			lp.Title = truncate(titleText, maxTitleLen)
		}
		if lp.Image == "" && favicon != "" {
			lp.Image = favicon
		}
		return lp, nil
	}

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "title":
				inTitle = true
			case "body":
				return finish()
			case "meta":
				if hasAttr {
					applyMetaTag(tagAttrs(tokenizer), &lp)
				}
			case "link":
				if hasAttr {
					if href := faviconHref(tagAttrs(tokenizer)); href != "" {
						favicon = href
					}
				}
			}

		case html.TextToken:
			if inTitle {
				titleText += string(tokenizer.Text())
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = false
			}
		}
	}
}

// tagAttrs drains the current tag's attributes into a map, the shape
// every applyMetaTag / faviconHref lookup works against.
func tagAttrs(tokenizer *html.Tokenizer) map[string]string {
	attrs := make(map[string]string, 4)
	for {
		key, val, more := tokenizer.TagAttr()
		attrs[string(key)] = string(val)
		if !more {
			return attrs
		}
	}
}

// applyMetaTag folds one <meta> tag's attributes into lp, preferring
// OpenGraph properties and falling back to the standard "description"
// meta name when no og:description was present.
func applyMetaTag(attrs map[string]string, lp *model.LinkPreview) {
	content := attrs["content"]
	if content == "" {
		return
	}

	switch attrs["property"] {
	case "og:title":
		lp.Title = truncate(content, maxTitleLen)
	case "og:description":
		lp.Desc = truncate(content, maxDescLen)
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	case "og:url":
		if content != "" {
			lp.URL = content
		}
	}

	if attrs["name"] == "description" && lp.Desc == "" {
		lp.Desc = truncate(content, maxDescLen)
	}
}

// faviconHref returns href when attrs describes a <link rel="icon">
// or "shortcut icon" tag, else "".
func faviconHref(attrs map[string]string) string {
	switch attrs["rel"] {
	case "icon", "shortcut icon":
		return attrs["href"]
	default:
		return ""
	}
}

// truncate bounds s to n runes, appending an ellipsis when it is cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
