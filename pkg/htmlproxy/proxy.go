// Package htmlproxy fetches origin pages and swaps selected DOM regions for
// local fragments before returning them in the origin's charset.
package htmlproxy

import (
	"context"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/andesco/htmlproxy/pkg/mock"
)

// Response is a finished, re-encoded document.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Charset    string
	Rewrite    Result
}

// Proxy wires the compiled rules to the fetch, rewrite and encode stages.
// It holds no mutable state and is shared by all requests.
type Proxy struct {
	Config   *Config
	Index    *ConfigIndex
	Router   *Router
	Fetcher  *Fetcher
	Rewriter *Rewriter
	Encoder  *Encoder
	Metrics  *Metrics
}

// New compiles cfg and builds the pipeline.
func New(cfg *Config) (*Proxy, error) {
	index, err := Compile(cfg.HTMLProxyConfig)
	if err != nil {
		return nil, err
	}

	store, err := NewFragmentStore(cfg.FragmentRoot)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()

	return &Proxy{
		Config:   cfg,
		Index:    index,
		Router:   NewRouter(index, cfg.ProxyHost, cfg.Port, cfg.FirstMatchOnly),
		Fetcher:  NewFetcher(cfg.Timeout, WithMaxBodyBytes(cfg.MaxBodyBytes), WithFetchMetrics(metrics)),
		Rewriter: NewRewriter(store, mock.NewRenderer(), cfg.FragmentErrorPolicy, metrics),
		Encoder:  NewEncoder(cfg.Pretty),
		Metrics:  metrics,
	}, nil
}

// Replacements collects the replacement rules of the given ordinals, in the
// order given.
func (p *Proxy) Replacements(matchIdx []int) ([]ReplacementRule, error) {
	if len(matchIdx) == 0 {
		return nil, fmt.Errorf("%w: missing", ErrInvalidMatchIndex)
	}
	var out []ReplacementRule
	for _, idx := range matchIdx {
		m, ok := p.Index.Rule(idx)
		if !ok {
			return nil, fmt.Errorf("%w: %d out of range [0, %d)", ErrInvalidMatchIndex, idx, p.Index.Len())
		}
		out = append(out, m.Replacements...)
	}
	return out, nil
}

// Process fetches target, applies the replacements of its matched rules and
// encodes the result back into the origin charset.
func (p *Proxy) Process(ctx context.Context, target Target, header http.Header) (*Response, error) {
	replacements, err := p.Replacements(target.MatchIdx)
	if err != nil {
		return nil, err
	}

	doc, err := p.Fetcher.Fetch(ctx, target.URL, header)
	if err != nil {
		return nil, err
	}

	res, err := p.Rewriter.Rewrite(ctx, doc.Text, replacements)
	if err != nil {
		return nil, err
	}

	body, err := p.Encoder.Finalize(res.Text, doc.Charset)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc.Charset, err)
	}

	log.WithFields(log.Fields{
		"url":      target.URL,
		"matchIdx": target.MatchIdx,
		"charset":  doc.Charset,
		"replaced": res.Replaced,
		"skipped":  len(res.Skipped),
	}).Info("rewrote document")

	// Without this the server would fall back to its own default type.
	respHeader := ResponseHeader(doc.Header)
	if respHeader.Get("Content-Type") == "" {
		respHeader.Set("Content-Type", "text/html; charset="+doc.Charset)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Header:     respHeader,
		Body:       body,
		Charset:    doc.Charset,
		Rewrite:    res,
	}, nil
}
