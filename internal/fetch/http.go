package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/pagevault/pagevault/internal/metrics"
)

// maxBodyBytes caps how much of a response we keep.
const maxBodyBytes = 10 << 20

// HTTPFetcher performs one stateless GET per request via a Colly
// collector clone, with rotating realistic headers, manual decompression
// and charset normalization.
type HTTPFetcher struct {
	baseCollector *colly.Collector
	rotator       *HeaderRotator
	governor      *Governor
	timeout       time.Duration
	logger        *zap.Logger
}

// HTTPFetcherConfig tunes the direct HTTP strategy.
type HTTPFetcherConfig struct {
	Timeout  time.Duration
	Governor GovernorConfig
}

// NewHTTPFetcher constructs the direct HTTP fetch strategy.
func NewHTTPFetcher(cfg HTTPFetcherConfig, logger *zap.Logger) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := colly.NewCollector(colly.Async(true))
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		// Accept-Encoding is set explicitly per request so the transport
		// hands us the raw compressed body.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	})
	base.SetRequestTimeout(cfg.Timeout)

	return &HTTPFetcher{
		baseCollector: base,
		rotator:       NewHeaderRotator(time.Now().UnixNano()),
		governor:      NewGovernor(cfg.Governor),
		timeout:       cfg.Timeout,
		logger:        logger,
	}
}

// Fetch retrieves rawURL with one GET. Non-2xx/3xx terminal statuses are
// returned as *StatusError so the retry ladder can classify them.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (RawResult, error) {
	if err := f.governor.Wait(ctx); err != nil {
		return RawResult{}, fmt.Errorf("pre-request delay: %w", err)
	}
	metrics.FetchAttemptsTotal.WithLabelValues("http").Inc()

	collector := f.baseCollector.Clone()
	if opts.Timeout > 0 {
		collector.SetRequestTimeout(opts.Timeout)
	}

	profileHeaders := f.rotator.Headers()
	if opts.Referer != "" {
		profileHeaders.Set("Referer", opts.Referer)
	}
	collector.OnRequest(func(r *colly.Request) {
		for k, vs := range profileHeaders {
			for _, v := range vs {
				r.Headers.Set(k, v)
			}
		}
	})

	start := time.Now()
	resultCh := make(chan httpResult, 1)
	var once sync.Once
	send := func(res httpResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(f.buildResult(r, rawURL, start))
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			send(httpResult{err: &StatusError{Code: r.StatusCode}})
			return
		}
		if err == nil {
			err = errors.New("unknown transport error")
		}
		send(httpResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return RawResult{}, fmt.Errorf("visit %s: %w", rawURL, err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return RawResult{}, err
		}
		return res.raw, res.err
	default:
		return RawResult{}, errors.New("fetch produced no result")
	}
}

type httpResult struct {
	raw RawResult
	err error
}

func (f *HTTPFetcher) buildResult(r *colly.Response, rawURL string, start time.Time) httpResult {
	if r.StatusCode >= 400 {
		return httpResult{err: &StatusError{Code: r.StatusCode}}
	}

	headers := http.Header{}
	if r.Headers != nil {
		for k, v := range *r.Headers {
			headers[k] = append([]string(nil), v...)
		}
	}

	body := r.Body
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}
	body, err := decompress(body, headers.Get("Content-Encoding"))
	if err != nil {
		return httpResult{err: fmt.Errorf("decompress body: %w", err)}
	}
	body = decodeCharset(body, headers.Get("Content-Type"), f.logger)

	finalURL := rawURL
	if r.Request != nil && r.Request.URL != nil {
		finalURL = r.Request.URL.String()
	}
	return httpResult{raw: RawResult{
		HTML:       body,
		StatusCode: r.StatusCode,
		Headers:    headers,
		FinalURL:   finalURL,
		Duration:   time.Since(start),
	}}
}

// decompress inflates the body according to Content-Encoding. The
// transport's automatic handling is disabled so br works alongside gzip.
func decompress(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(io.LimitReader(zr, maxBodyBytes))
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = fr.Close() }()
		return io.ReadAll(io.LimitReader(fr, maxBodyBytes))
	case "br":
		return io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), maxBodyBytes))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// decodeCharset converts the body to UTF-8. Detection order: a charset
// declared in the Content-Type header or an in-document meta tag, then
// UTF-8 as-is, then GB18030 as the regional fallback for legacy CJK
// pages that declare nothing.
func decodeCharset(body []byte, contentType string, logger *zap.Logger) []byte {
	if hasDeclaredCharset(body, contentType) {
		reader, err := charset.NewReader(bytes.NewReader(body), contentType)
		if err == nil {
			if decoded, readErr := io.ReadAll(reader); readErr == nil {
				return decoded
			}
		}
	}
	if utf8.Valid(body) {
		return body
	}
	decoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), body)
	if err != nil {
		if logger != nil {
			logger.Debug("charset fallback failed; keeping raw bytes", zap.Error(err))
		}
		return body
	}
	return decoded
}

// hasDeclaredCharset reports whether the response names its encoding,
// either in the Content-Type header or in the document head.
func hasDeclaredCharset(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "charset=") {
		return true
	}
	head := body
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(bytes.ToLower(head), []byte("charset="))
}

var _ Fetcher = (*HTTPFetcher)(nil)
