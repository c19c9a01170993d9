package htmlproxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basePage = `<!DOCTYPE html><html><head><title>Shop</title></head><body><div id="a">old a</div><ul class="list"><li>one</li></ul><ul class="list"><li>two</li></ul><footer>keep</footer></body></html>`

func writeFragments(t *testing.T, files map[string]string) *FragmentStore {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	store, err := NewFragmentStore(root)
	require.NoError(t, err)
	return store
}

func parse(t *testing.T, text string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	require.NoError(t, err)
	return doc
}

func TestRewriteReplacesInnerContent(t *testing.T) {
	fragment := `<p class="new">fresh <b>markup</b></p>`
	store := writeFragments(t, map[string]string{"home/a.html": fragment})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	res, err := rw.Rewrite(context.Background(), basePage, []ReplacementRule{{Selector: "#a", Fragment: "home/a.html"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)
	assert.Empty(t, res.Skipped)

	doc := parse(t, res.Text)
	assert.Equal(t, 1, doc.Find("div#a").Length(), "the matched element itself is kept")
	inner, err := doc.Find("#a").Html()
	require.NoError(t, err)
	assert.Equal(t, fragment, inner)

	assert.Equal(t, `<!DOCTYPE html><html><head><title>Shop</title></head><body><div id="a">`+fragment+`</div><ul class="list"><li>one</li></ul><ul class="list"><li>two</li></ul><footer>keep</footer></body></html>`, res.Text)
}

func TestRewriteZeroMatchesIsIdentity(t *testing.T) {
	store := writeFragments(t, map[string]string{"x.html": "<i>x</i>"})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	// not in canonical serializer form, so any re-serialization would show
	page := "<html>\n<body>\n<DIV ID=a>text</DIV>\n</body>\n</html>\n"
	res, err := rw.Rewrite(context.Background(), page, []ReplacementRule{{Selector: "#missing", Fragment: "x.html"}})
	require.NoError(t, err)
	assert.Equal(t, page, res.Text)
	assert.Equal(t, []string{"#missing"}, res.Skipped)
	assert.Zero(t, res.Replaced)
}

const untidyPage = "<!doctype html>\n<html lang=fr>\n<head><meta charset=windows-1252><title>Caf&eacute; &amp; co</title></head>\n<body>\n<p>a&nbsp;b<br>c</p>\n<div id=\"a\">ancien</div>\n<img src=x.png alt=\"\">\n</body>\n</html>\n\n  "

func TestRewritePreservesUntouchedBytes(t *testing.T) {
	store := writeFragments(t, map[string]string{"a.html": "<em>neu</em>"})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	res, err := rw.Rewrite(context.Background(), untidyPage, []ReplacementRule{{Selector: "#a", Fragment: "a.html"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, strings.Replace(untidyPage, "ancien", "<em>neu</em>", 1), res.Text)
}

func TestRewriteSplicesFragmentVerbatim(t *testing.T) {
	fragment := "<p>one<br>two &nbsp;x"
	store := writeFragments(t, map[string]string{"a.html": fragment})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	res, err := rw.Rewrite(context.Background(), untidyPage, []ReplacementRule{{Selector: "#a", Fragment: "a.html"}})
	require.NoError(t, err)

	start := strings.Index(res.Text, `<div id="a">`) + len(`<div id="a">`)
	end := strings.Index(res.Text[start:], "</div>")
	require.GreaterOrEqual(t, end, 0)
	assert.Equal(t, fragment, res.Text[start:start+end])
}

func TestRewriteNestedMatchesReplaceOuter(t *testing.T) {
	store := writeFragments(t, map[string]string{"x.html": "X"})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	page := "<body><div class=box>a<div class=box>b</div>c</div><div class=box>d</div></body>"
	res, err := rw.Rewrite(context.Background(), page, []ReplacementRule{{Selector: ".box", Fragment: "x.html"}})
	require.NoError(t, err)
	assert.Equal(t, "<body><div class=box>X</div><div class=box>X</div></body>", res.Text)
	assert.Equal(t, 2, res.Replaced)
}

func TestRewriteImplicitlyClosedElements(t *testing.T) {
	store := writeFragments(t, map[string]string{"x.html": "X"})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	page := "<ul><li>a<li>b</ul><div><p>one<p>two</div>"
	res, err := rw.Rewrite(context.Background(), page, []ReplacementRule{
		{Selector: "li", Fragment: "x.html"},
		{Selector: "p", Fragment: "x.html"},
	})
	require.NoError(t, err)
	assert.Equal(t, "<ul><li>X<li>X</ul><div><p>X<p>X</div>", res.Text)
	assert.Equal(t, 4, res.Replaced)
}

func TestRewriteIgnoresMarkupInsideScript(t *testing.T) {
	store := writeFragments(t, map[string]string{"x.html": "X"})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	page := `<script>var s = "<div id=a>fake</div>";</script><div id=a>real</div>`
	res, err := rw.Rewrite(context.Background(), page, []ReplacementRule{{Selector: "#a", Fragment: "x.html"}})
	require.NoError(t, err)
	assert.Equal(t, `<script>var s = "<div id=a>fake</div>";</script><div id=a>X</div>`, res.Text)
}

func TestRewriteImpliedElementIsSkipped(t *testing.T) {
	store := writeFragments(t, map[string]string{"x.html": "X"})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	// body is created by the parser and has no tag in the source
	page := "<p>text</p>"
	res, err := rw.Rewrite(context.Background(), page, []ReplacementRule{{Selector: "body", Fragment: "x.html"}})
	require.NoError(t, err)
	assert.Equal(t, page, res.Text)
	assert.Equal(t, []string{"body"}, res.Skipped)
}

func TestRewriteAllMatchesAndRuleOrder(t *testing.T) {
	store := writeFragments(t, map[string]string{
		"list.html":  `<li>replaced</li>`,
		"outer.html": `<ul class="list"><li>inner</li></ul>`,
		"late.html":  `<li>late</li>`,
	})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	res, err := rw.Rewrite(context.Background(), basePage, []ReplacementRule{
		{Selector: ".list", Fragment: "list.html"},
		{Selector: "footer", Fragment: "outer.html"},
		// applies to the two original lists and the one inserted by the previous rule
		{Selector: ".list", Fragment: "late.html"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2+1+3, res.Replaced)

	doc := parse(t, res.Text)
	var items []string
	doc.Find("li").Each(func(_ int, s *goquery.Selection) {
		items = append(items, s.Text())
	})
	assert.Equal(t, []string{"late", "late", "late"}, items)
}

func TestRewriteMockFragment(t *testing.T) {
	store := writeFragments(t, map[string]string{"mock.html": `<!--#def
title: Deals
items:
  - name: Lamp
  - name: Chair
-->
<h2>{{ .title }}</h2><ul>{{ range .items }}<li>{{ .name }}</li>{{ end }}</ul>`})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	res, err := rw.Rewrite(context.Background(), basePage, []ReplacementRule{{Selector: "#a", Fragment: "mock.html"}})
	require.NoError(t, err)

	assert.NotContains(t, res.Text, "{{")
	assert.NotContains(t, res.Text, "#def")

	doc := parse(t, res.Text)
	assert.Equal(t, "Deals", strings.TrimSpace(doc.Find("#a h2").Text()))
	var names []string
	doc.Find("#a li").Each(func(_ int, s *goquery.Selection) {
		names = append(names, strings.TrimSpace(s.Text()))
	})
	assert.Equal(t, []string{"Lamp", "Chair"}, names)
}

func TestRewriteMissingFragmentPlaceholder(t *testing.T) {
	store := writeFragments(t, map[string]string{"ok.html": "<b>ok</b>"})
	rw := NewRewriter(store, nil, PolicyPlaceholder, nil)

	res, err := rw.Rewrite(context.Background(), basePage, []ReplacementRule{
		{Selector: "#a", Fragment: "missing.html"},
		{Selector: "footer", Fragment: "ok.html"},
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors[0], ErrFragmentNotFound))

	doc := parse(t, res.Text)
	inner, _ := doc.Find("#a").Html()
	assert.Equal(t, "<!-- htmlproxy: fragment missing.html unavailable -->", inner)
	assert.Equal(t, "ok", doc.Find("footer b").Text())
}

func TestRewriteFailPolicy(t *testing.T) {
	store := writeFragments(t, nil)
	rw := NewRewriter(store, nil, PolicyFail, nil)

	_, err := rw.Rewrite(context.Background(), basePage, []ReplacementRule{{Selector: "#a", Fragment: "missing.html"}})
	var ferr *FragmentReadError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "missing.html", ferr.Path)
	assert.True(t, errors.Is(err, ErrFragmentNotFound))
}

func TestRewriteBrokenMockFragment(t *testing.T) {
	store := writeFragments(t, map[string]string{"bad.html": "<!--#def\ntitle: x\n-->{{ .nope }}"})
	rw := NewRewriter(store, nil, PolicyFail, nil)

	_, err := rw.Rewrite(context.Background(), basePage, []ReplacementRule{{Selector: "#a", Fragment: "bad.html"}})
	var rerr *FragmentRenderError
	assert.True(t, errors.As(err, &rerr))
}

func TestRewriteNoReplacements(t *testing.T) {
	rw := NewRewriter(writeFragments(t, nil), nil, PolicyPlaceholder, nil)
	res, err := rw.Rewrite(context.Background(), "<p>unparsed", nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>unparsed", res.Text)
}

func TestFragmentStoreRejectsEscapes(t *testing.T) {
	store := writeFragments(t, map[string]string{"a.html": "a"})

	for _, p := range []string{"../secret.html", "../../etc/passwd", "x/../../y.html"} {
		_, err := store.Read(p)
		assert.True(t, errors.Is(err, ErrFragmentOutsideRoot), p)
	}

	text, err := store.Read("sub/../a.html")
	require.NoError(t, err)
	assert.Equal(t, "a", text)
}

func TestFragmentStorePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	store := writeFragments(t, map[string]string{"locked.html": "x"})
	p, err := store.Path("locked.html")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(p, 0o000))

	_, err = store.Read("locked.html")
	assert.True(t, errors.Is(err, ErrFragmentPermission))
	assert.False(t, errors.Is(err, ErrFragmentNotFound))
}
