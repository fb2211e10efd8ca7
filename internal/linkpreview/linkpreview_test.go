package linkpreview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractFirstURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"https url", "check out https://example.com/page", "https://example.com/page"},
		{"http url", "visit http://example.com", "http://example.com"},
		{"no url", "just a plain message", ""},
		{"url only", "https://example.com", "https://example.com"},
		{"multiple urls picks first", "see https://a.com and https://b.com", "https://a.com"},
		{"url with path and query", "link: https://example.com/path?q=1&b=2", "https://example.com/path?q=1&b=2"},
		{"url with fragment", "https://example.com/page#section", "https://example.com/page#section"},
		{"no scheme", "check example.com", ""},
		{"ftp not matched", "ftp://files.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractFirstURL(tt.input)
			if got != tt.want {
				t.Errorf("ExtractFirstURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseOGTags(t *testing.T) {
	html := `<!DOCTYPE html>
<html>
<head>
	<title>Fallback Title</title>
	<meta property="og:title" content="OG Title">
	<meta property="og:description" content="OG Description">
	<meta property="og:image" content="https://example.com/img.jpg">
	<meta property="og:site_name" content="Example Site">
</head>
<body></body>
</html>`
	lp, err := parseOGTags("https://example.com", strings.NewReader(html))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if lp.Title != "OG Title" {
		t.Errorf("Title: got %q, want %q", lp.Title, "OG Title")
	}
	if lp.Desc != "OG Description" {
		t.Errorf("Desc: got %q, want %q", lp.Desc, "OG Description")
	}
	if lp.Image != "https://example.com/img.jpg" {
		t.Errorf("Image: got %q, want %q", lp.Image, "https://example.com/img.jpg")
	}
	if lp.SiteName != "Example Site" {
		t.Errorf("SiteName: got %q, want %q", lp.SiteName, "Example Site")
	}
	if lp.URL != "https://example.com" {
		t.Errorf("URL: got %q, want %q", lp.URL, "https://example.com")
	}
}

func TestParseOGTagsFallbackTitle(t *testing.T) {
	html := `<html><head><title>Page Title</title></head><body></body></html>`
	lp, err := parseOGTags("https://example.com", strings.NewReader(html))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if lp.Title != "Page Title" {
		t.Errorf("Title: got %q, want %q", lp.Title, "Page Title")
	}
}

func TestParseOGTagsFallbackMetaDescription(t *testing.T) {
	html := `<html><head><meta name="description" content="Meta Desc"></head><body></body></html>`
	lp, err := parseOGTags("https://example.com", strings.NewReader(html))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if lp.Desc != "Meta Desc" {
		t.Errorf("Desc: got %q, want %q", lp.Desc, "Meta Desc")
	}
}

func TestParseOGTagsOGOverridesFallback(t *testing.T) {
	html := `<html><head>
		<title>Fallback</title>
		<meta name="description" content="Fallback desc">
		<meta property="og:title" content="OG Title">
		<meta property="og:description" content="OG Desc">
	</head><body></body></html>`
	lp, _ := parseOGTags("https://example.com", strings.NewReader(html))
	if lp.Title != "OG Title" {
		t.Errorf("Title should prefer OG: got %q", lp.Title)
	}
	if lp.Desc != "OG Desc" {
		t.Errorf("Desc should prefer OG: got %q", lp.Desc)
	}
}

func TestParseOGTagsEmptyHTML(t *testing.T) {
	lp, err := parseOGTags("https://example.com", strings.NewReader(""))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if lp.Title != "" || lp.Desc != "" || lp.Image != "" {
		t.Errorf("empty HTML should produce empty preview, got %+v", lp)
	}
}

func TestParseOGTagsStopsAtBody(t *testing.T) {
	html := `<html><head><title>Head Title</title></head><body><title>Body Title</title></body></html>`
	lp, _ := parseOGTags("https://example.com", strings.NewReader(html))
	if lp.Title != "Head Title" {
		t.Errorf("Title: got %q, want %q (should stop at <body>)", lp.Title, "Head Title")
	}
}

func TestParseOGTagsFaviconFallback(t *testing.T) {
	html := `<html><head>
		<link rel="icon" href="https://example.com/favicon.ico">
		<title>No OG Image</title>
	</head><body></body></html>`
	lp, _ := parseOGTags("https://example.com", strings.NewReader(html))
	if lp.Image != "https://example.com/favicon.ico" {
		t.Errorf("Image should fall back to favicon: got %q", lp.Image)
	}
}

func TestParseOGTagsOGImagePrefersOverFavicon(t *testing.T) {
	html := `<html><head>
		<link rel="shortcut icon" href="https://example.com/favicon.ico">
		<meta property="og:image" content="https://example.com/hero.jpg">
	</head><body></body></html>`
	lp, _ := parseOGTags("https://example.com", strings.NewReader(html))
	if lp.Image != "https://example.com/hero.jpg" {
		t.Errorf("Image should prefer og:image over favicon: got %q", lp.Image)
	}
}

func TestParseOGTagsOGURLOverridesCanonical(t *testing.T) {
	html := `<html><head>
		<meta property="og:url" content="https://example.com/canonical">
	</head><body></body></html>`
	lp, _ := parseOGTags("https://example.com/amp", strings.NewReader(html))
	if lp.URL != "https://example.com/canonical" {
		t.Errorf("URL should prefer og:url: got %q", lp.URL)
	}
}

func TestParseOGTagsTruncatesOversizedFields(t *testing.T) {
	longTitle := strings.Repeat("a", maxTitleLen+50)
	html := `<html><head><title>` + longTitle + `</title></head><body></body></html>`
	lp, _ := parseOGTags("https://example.com", strings.NewReader(html))
	if len([]rune(lp.Title)) != maxTitleLen+1 {
		t.Errorf("expected title truncated to %d runes plus ellipsis, got %d", maxTitleLen, len([]rune(lp.Title)))
	}
	if !strings.HasSuffix(lp.Title, "…") {
		t.Errorf("expected truncated title to end with an ellipsis, got %q", lp.Title)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head>
			<meta property="og:title" content="Test Page">
			<meta property="og:description" content="A test description">
			<meta property="og:image" content="https://example.com/preview.jpg">
			<meta property="og:site_name" content="Test Site">
		</head><body></body></html>`)
	}))
	defer srv.Close()

	lp, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if lp.Title != "Test Page" {
		t.Errorf("Title: got %q, want %q", lp.Title, "Test Page")
	}
	if lp.Desc != "A test description" {
		t.Errorf("Desc: got %q, want %q", lp.Desc, "A test description")
	}
	if lp.Image != "https://example.com/preview.jpg" {
		t.Errorf("Image: got %q, want %q", lp.Image, "https://example.com/preview.jpg")
	}
	if lp.SiteName != "Test Site" {
		t.Errorf("SiteName: got %q, want %q", lp.SiteName, "Test Site")
	}
}

func TestFetchNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"key": "value"}`)
	}))
	defer srv.Close()

	lp, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if lp.Title != "" || lp.Desc != "" || lp.Image != "" {
		t.Errorf("non-HTML should have empty metadata, got %+v", lp)
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	lp, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch should not error on 500, got: %v", err)
	}
	if lp.Title != "" {
		t.Errorf("500 response should have empty title, got %q", lp.Title)
	}
}
