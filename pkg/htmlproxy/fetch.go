package htmlproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// hopHeaders are not forwarded to the origin.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

// Target is the parsed query of a forwarded request.
type Target struct {
	URL      string
	MatchIdx []int
}

// ParseTarget extracts reqUrl and matchIdx from the query of a request
// shaped by Router.Route. A path-only reqUrl is resolved against host using
// scheme, or http when scheme is empty.
func ParseTarget(query url.Values, host, scheme string) (Target, error) {
	raw := query.Get(paramReqURL)
	if raw == "" {
		return Target{}, ErrMissingTarget
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme == "" {
		if host == "" {
			return Target{}, fmt.Errorf("%w: relative url %q without host", ErrInvalidTarget, raw)
		}
		if scheme == "" {
			scheme = "http"
		}
		u.Scheme = strings.ToLower(scheme)
		u.Host = host
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}

	t := Target{URL: u.String()}
	for _, v := range query[paramMatchIdx] {
		idx, err := strconv.Atoi(v)
		if err != nil || idx < 0 {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidMatchIndex, v)
		}
		t.MatchIdx = append(t.MatchIdx, idx)
	}
	return t, nil
}

// FetchedDocument is an origin response decoded to UTF-8.
type FetchedDocument struct {
	URL             string
	StatusCode      int
	Header          http.Header
	Charset         string
	ContentEncoding string
	// Body is the decompressed body in the origin charset.
	Body []byte
	// Text is Body transcoded to UTF-8.
	Text string
}

// Fetcher performs origin GETs.
type Fetcher struct {
	client       *http.Client
	maxBodyBytes int64
	metrics      *Metrics
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBodyBytes caps the number of decompressed body bytes read.
func WithMaxBodyBytes(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBodyBytes = n }
}

// WithFetchMetrics records fetch durations and failures.
func WithFetchMetrics(m *Metrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher creates a Fetcher. The default client has the given timeout and
// leaves compression to the Fetcher.
func NewFetcher(timeout time.Duration, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, DisableCompression: true},
		},
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch GETs target forwarding header, then decompresses and transcodes the
// body into UTF-8.
func (f *Fetcher) Fetch(ctx context.Context, target string, header http.Header) (*FetchedDocument, error) {
	start := time.Now()
	doc, err := f.fetch(ctx, target, header)
	if f.metrics != nil {
		f.metrics.observeFetch(time.Since(start), err)
	}
	return doc, err
}

func (f *Fetcher) fetch(ctx context.Context, target string, header http.Header) (*FetchedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: err}
	}
	for key, values := range header {
		req.Header[key] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &UpstreamFetchError{URL: target, StatusCode: resp.StatusCode}
	}

	doc := &FetchedDocument{
		URL:             target,
		StatusCode:      resp.StatusCode,
		Header:          resp.Header,
		Charset:         DetectCharset(resp.Header.Get("Content-Type")),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
	}

	body, err := newDecodedBody(resp.Body, parseEncodings(doc.ContentEncoding))
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: err}
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, f.maxBodyBytes+1))
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(raw)) > f.maxBodyBytes {
		return nil, &UpstreamFetchError{URL: target, Err: errors.New("body exceeds size limit")}
	}
	doc.Body = raw

	doc.Text, err = DecodeToUTF8(raw, doc.Charset)
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: fmt.Errorf("decode %s: %w", doc.Charset, err)}
	}

	log.WithFields(log.Fields{
		"url":      target,
		"status":   resp.StatusCode,
		"charset":  doc.Charset,
		"encoding": doc.ContentEncoding,
		"size":     len(raw),
	}).Debug("fetched origin document")

	return doc, nil
}
