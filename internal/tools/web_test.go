package tools

import (
	"strings"
	"testing"
)

func TestNormalizeFreshness(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"pd", "pd"},
		{"PW", "pw"},
		{" py ", "py"},
		{"2024-01-01to2024-06-01", "2024-01-01to2024-06-01"},
		{"2024-06-01to2024-01-01", ""},
		{"yesterday", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeFreshness(c.in); got != c.want {
			t.Errorf("normalizeFreshness(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDDGUnwrapRedirect(t *testing.T) {
	wrapped := "//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=abc"
	if got := ddgUnwrapRedirect(wrapped); got != "https://example.com/page" {
		t.Errorf("unwrap = %q", got)
	}
	plain := "https://example.com/direct"
	if got := ddgUnwrapRedirect(plain); got != plain {
		t.Errorf("plain URL changed: %q", got)
	}
}

func TestHTMLToMarkdown(t *testing.T) {
	html := `<html><head><style>p{}</style></head><body>
<h1>Title</h1>
<p>Some <strong>bold</strong> text with a <a href="https://example.com">link</a>.</p>
<ul><li>one</li><li>two</li></ul>
<script>alert(1)</script>
</body></html>`

	md := htmlToMarkdown(html)
	for _, want := range []string{"# Title", "**bold**", "[link](https://example.com)", "- one"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "alert(1)") {
		t.Error("script content must be stripped")
	}
}

func TestCheckSSRFBlocksLoopback(t *testing.T) {
	if err := checkSSRF("http://127.0.0.1/admin"); err == nil {
		t.Error("loopback must be blocked")
	}
	if err := checkSSRF("http://169.254.169.254/latest/meta-data/"); err == nil {
		t.Error("metadata endpoint must be blocked")
	}
}

func TestWebCacheTTL(t *testing.T) {
	c := newWebCache(2, -1)
	c.set("a", "1")
	if _, ok := c.get("a"); ok {
		t.Error("expired entry must not be served")
	}
}
