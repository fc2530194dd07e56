package publish

import "testing"

func TestContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	tests := []struct {
		key  string
		body []byte
		want string
	}{
		{"index.html", nil, "text/html; charset=utf-8"},
		{"blog/POST.HTML", nil, "text/html; charset=utf-8"},
		{"app.js", nil, "text/javascript; charset=utf-8"},
		{"site.webmanifest", nil, "application/manifest+json"},
		{"fonts/a.woff2", nil, "font/woff2"},
		{"images/logo", png, "image/png"},
		{"LICENSE", []byte("plain words\n"), "text/plain; charset=utf-8"},
		{"blob", nil, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := ContentType(tt.key, tt.body); got != tt.want {
				t.Fatalf("ContentType(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
