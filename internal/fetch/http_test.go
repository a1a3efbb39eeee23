package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

func newTestHTTPFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPFetcherConfig{
		Timeout: 5 * time.Second,
		Governor: GovernorConfig{
			Threshold: 1000,
		},
	}, zap.NewNop())
}

func TestHTTPFetcherPlainBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	res, err := newTestHTTPFetcher().Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d", res.StatusCode)
	}
	if !strings.Contains(string(res.HTML), "hello") {
		t.Fatalf("body = %q", res.HTML)
	}
}

func TestHTTPFetcherDecompressesGzip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("<html><body>compressed page</body></html>"))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	res, err := newTestHTTPFetcher().Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.Contains(string(res.HTML), "compressed page") {
		t.Fatalf("body = %q", res.HTML)
	}
}

func TestHTTPFetcherDecompressesBrotli(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte("<html><body>brotli page</body></html>"))
		_ = bw.Close()
		w.Header().Set("Content-Encoding", "br")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	res, err := newTestHTTPFetcher().Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.Contains(string(res.HTML), "brotli page") {
		t.Fatalf("body = %q", res.HTML)
	}
}

func TestHTTPFetcherStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestHTTPFetcher().Fetch(context.Background(), srv.URL, Options{})
	se := AsStatusError(err)
	if se == nil || se.Code != http.StatusNotFound {
		t.Fatalf("Fetch() error = %v, want StatusError 404", err)
	}
}

func TestDecodeCharsetGB18030Fallback(t *testing.T) {
	t.Parallel()

	original := "简体中文内容"
	encoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewEncoder(), []byte(original))
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	// No charset hint anywhere: the decoder must fall back to GB18030.
	decoded := decodeCharset(encoded, "text/html", zap.NewNop())
	if string(decoded) != original {
		t.Fatalf("decodeCharset() = %q, want %q", decoded, original)
	}
}

func TestDecodeCharsetKeepsUTF8(t *testing.T) {
	t.Parallel()

	body := []byte("<html>uncompressed utf-8 ✓</html>")
	decoded := decodeCharset(body, "text/html; charset=utf-8", zap.NewNop())
	if !bytes.Equal(decoded, body) {
		t.Fatalf("decodeCharset() altered valid UTF-8: %q", decoded)
	}
}
