package htmlproxy

import (
	"net/http"
	"strings"

	"github.com/yosssi/gohtml"
)

// strippedResponseHeaders describe the origin body and no longer apply once
// the document has been re-serialized.
var strippedResponseHeaders = []string{
	"Content-Encoding",
	"Transfer-Encoding",
	"Content-Length",
	"Connection",
	"Keep-Alive",
	"Trailer",
	"Upgrade",
}

// PrettyHTML indents markup for consistent formatting.
func PrettyHTML(markup string) string {
	return strings.TrimSpace(gohtml.Format(markup))
}

// Encoder turns rewritten UTF-8 documents into response bodies.
type Encoder struct {
	pretty bool
}

// NewEncoder creates an Encoder. With pretty set the whole document is
// reformatted before encoding, which also reformats untouched regions.
func NewEncoder(pretty bool) *Encoder {
	return &Encoder{pretty: pretty}
}

// Finalize encodes text in targetCharset.
func (e *Encoder) Finalize(text, targetCharset string) ([]byte, error) {
	if e.pretty {
		text = PrettyHTML(text)
	}
	return EncodeFromUTF8(text, targetCharset)
}

// ResponseHeader copies the origin headers that still describe the
// re-encoded body.
func ResponseHeader(origin http.Header) http.Header {
	h := origin.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, k := range strippedResponseHeaders {
		h.Del(k)
	}
	return h
}
