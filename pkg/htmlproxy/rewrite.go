package htmlproxy

import (
	"context"
	"fmt"
	"html"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/andesco/htmlproxy/pkg/mock"
)

const maxParallelFragmentReads = 8

// Result describes a rewritten document.
type Result struct {
	Text string
	// Replaced counts the nodes whose children were replaced.
	Replaced int
	// Skipped lists selectors that replaced no node.
	Skipped []string
	// Errors holds fragment failures that were replaced by placeholders.
	Errors []error
}

// Rewriter applies replacement rules to HTML documents.
type Rewriter struct {
	store    *FragmentStore
	renderer *mock.Renderer
	policy   FragmentErrorPolicy
	metrics  *Metrics
}

// NewRewriter creates a Rewriter reading fragments from store.
func NewRewriter(store *FragmentStore, renderer *mock.Renderer, policy FragmentErrorPolicy, metrics *Metrics) *Rewriter {
	if renderer == nil {
		renderer = mock.NewRenderer()
	}
	if policy == "" {
		policy = PolicyPlaceholder
	}
	return &Rewriter{
		store:    store,
		renderer: renderer,
		policy:   policy,
		metrics:  metrics,
	}
}

// Rewrite replaces the inner HTML of every node matched by each rule, in
// rule order. Fragment text is spliced into the document as is and bytes
// outside the replaced spans are never re-serialized.
func (rw *Rewriter) Rewrite(ctx context.Context, document string, replacements []ReplacementRule) (Result, error) {
	res := Result{Text: document}
	if len(replacements) == 0 {
		return res, nil
	}

	contents, errs, err := rw.loadFragments(ctx, replacements)
	if err != nil {
		return res, err
	}
	for _, e := range errs {
		if e != nil {
			res.Errors = append(res.Errors, e)
		}
	}

	text := document
	for i, r := range replacements {
		out, n, err := spliceInner(text, r.Selector, contents[i])
		if err != nil {
			return res, fmt.Errorf("rule %q: %w", r.Selector, err)
		}
		if n == 0 {
			res.Skipped = append(res.Skipped, r.Selector)
			continue
		}
		text = out
		res.Replaced += n
	}
	res.Text = text

	rw.metrics.observeRewrite(res)
	return res, nil
}

// loadFragments resolves every rule's content concurrently. Under the
// placeholder policy failures are returned per rule instead of as err.
func (rw *Rewriter) loadFragments(ctx context.Context, replacements []ReplacementRule) ([]string, []error, error) {
	contents := make([]string, len(replacements))
	errs := make([]error, len(replacements))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFragmentReads)
	for i, r := range replacements {
		i, r := i, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := rw.resolve(r.Fragment)
			if err == nil {
				contents[i] = content
				return nil
			}
			if rw.policy == PolicyFail {
				return err
			}
			log.WithFields(log.Fields{
				"selector": r.Selector,
				"fragment": r.Fragment,
			}).Warnf("using placeholder: %v", err)
			contents[i] = placeholder(r.Fragment)
			errs[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return contents, errs, nil
}

// resolve reads a fragment and renders it when it carries mock markers.
func (rw *Rewriter) resolve(fragment string) (string, error) {
	text, err := rw.store.Read(fragment)
	if err != nil {
		return "", err
	}
	if !mock.HasMarkers(text) {
		return text, nil
	}
	rendered, err := rw.renderer.Render(text)
	if err != nil {
		return "", &FragmentRenderError{Path: fragment, Err: err}
	}
	return PrettyHTML(rendered), nil
}

func placeholder(fragment string) string {
	name := strings.ReplaceAll(html.EscapeString(fragment), "--", "")
	return "<!-- htmlproxy: fragment " + name + " unavailable -->"
}
