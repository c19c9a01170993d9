package htmlproxy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

// offsetAttr tags every start tag of a scanned copy of the document with the
// byte offset of that tag in the original text.
const offsetAttr = "data-htmlproxy-offset"

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "keygen": true, "link": true,
	"meta": true, "param": true, "source": true, "track": true, "wbr": true,
}

// span is the half-open byte range [start, end) holding an element's
// children in the original text.
type span struct {
	start, end int
}

// spliceInner replaces the children of every element matched by selector
// with content. Bytes outside the replaced spans are copied unchanged.
// It returns the new text and the number of elements replaced.
func spliceInner(text, selector, content string) (string, int, error) {
	spans, matched, err := locateInner(text, selector)
	if err != nil {
		return text, 0, err
	}
	if matched > 0 && len(spans) == 0 {
		log.WithField("selector", selector).Warn("matched elements have no source position, nothing replaced")
	}
	if len(spans) == 0 {
		return text, 0, nil
	}

	var b strings.Builder
	b.Grow(len(text) + len(spans)*len(content))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.start])
		b.WriteString(content)
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String(), len(spans), nil
}

// locateInner finds the source spans of the children of every element
// matching selector. Spans nested inside another returned span are dropped,
// since replacing the outer element removes them. matched is the number of
// elements the selector found, including ones that have no source span.
func locateInner(text, selector string) ([]span, int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(annotate(text)))
	if err != nil {
		return nil, 0, fmt.Errorf("parse document: %w", err)
	}
	sel := doc.Find(selector)

	var spans []span
	for _, n := range sel.Nodes {
		start, ok := offsetOf(n)
		if !ok || voidElements[n.Data] {
			continue
		}
		s, ok := innerSpan(text, start, n)
		if !ok {
			continue
		}
		spans = append(spans, s)
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	outer := spans[:0]
	end := -1
	for _, s := range spans {
		if s.start < end {
			continue
		}
		outer = append(outer, s)
		end = s.end
	}
	return outer, sel.Length(), nil
}

// annotate copies text, inserting offsetAttr into every start tag. Attributes
// do not change how the document is parsed, so the annotated tree has the
// same shape as the original one.
func annotate(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)

	z := html.NewTokenizer(strings.NewReader(text))
	pos := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		raw := z.Raw()
		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			n := tagNameEnd(raw)
			b.Write(raw[:n])
			b.WriteString(" " + offsetAttr + `="` + strconv.Itoa(pos) + `"`)
			b.Write(raw[n:])
		} else {
			b.Write(raw)
		}
		pos += len(raw)
	}
	if pos < len(text) {
		b.WriteString(text[pos:])
	}
	return b.String()
}

func tagNameEnd(raw []byte) int {
	i := 1
	for i < len(raw) {
		switch raw[i] {
		case ' ', '\t', '\n', '\f', '\r', '/', '>':
			return i
		}
		i++
	}
	return i
}

func offsetOf(n *html.Node) (int, bool) {
	for _, a := range n.Attr {
		if a.Key == offsetAttr {
			v, err := strconv.Atoi(a.Val)
			return v, err == nil
		}
	}
	return 0, false
}

// innerSpan scans text from the start tag of n at offset start and returns
// where the children of n begin and end. The content ends at the matching
// end tag, at a start tag the parser placed outside n, or at an end tag
// closing one of the ancestors of n.
func innerSpan(text string, start int, n *html.Node) (span, bool) {
	inside := map[int]bool{}
	var walk func(*html.Node)
	walk = func(parent *html.Node) {
		for c := parent.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				if off, ok := offsetOf(c); ok {
					inside[off] = true
				}
			}
			walk(c)
		}
	}
	walk(n)

	ancestors := map[string]bool{}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			ancestors[strings.ToLower(p.Data)] = true
		}
	}
	name := strings.ToLower(n.Data)

	z := html.NewTokenizer(strings.NewReader(text[start:]))
	if tt := z.Next(); tt != html.StartTagToken && tt != html.SelfClosingTagToken {
		return span{}, false
	}
	pos := start + len(z.Raw())
	begin := pos

	var open []string
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return span{begin, pos}, true
		}
		// Raw must be measured before TagName, which lowercases in place.
		size := len(z.Raw())
		switch tt {
		case html.StartTagToken:
			if !inside[pos] {
				return span{begin, pos}, true
			}
			tag, _ := z.TagName()
			if !voidElements[string(tag)] {
				open = append(open, string(tag))
			}
		case html.SelfClosingTagToken:
			if !inside[pos] {
				return span{begin, pos}, true
			}
		case html.EndTagToken:
			tag, _ := z.TagName()
			t := string(tag)
			if i := lastIndex(open, t); i >= 0 {
				open = open[:i]
			} else if t == name || ancestors[t] {
				return span{begin, pos}, true
			}
		}
		pos += size
	}
}

func lastIndex(stack []string, name string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == name {
			return i
		}
	}
	return -1
}
