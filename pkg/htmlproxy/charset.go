package htmlproxy

import (
	"mime"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// DefaultCharset is used whenever the origin declares no usable charset.
const DefaultCharset = "utf-8"

var charsetParam = regexp.MustCompile(`(?i)charset\s*=\s*["']?([\w.:-]+)`)

// DetectCharset returns the charset parameter of a Content-Type header value,
// lower-cased, or DefaultCharset when there is none.
func DetectCharset(contentType string) string {
	if contentType == "" {
		return DefaultCharset
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return strings.ToLower(cs)
		}
		return DefaultCharset
	}
	// malformed media types still often carry a readable charset
	if m := charsetParam.FindStringSubmatch(contentType); m != nil {
		return strings.ToLower(m[1])
	}
	return DefaultCharset
}

// lookupEncoding resolves a charset label. Unknown labels fall back to UTF-8.
func lookupEncoding(label string) (encoding.Encoding, string) {
	enc, name := charset.Lookup(label)
	if enc == nil {
		log.Debugf("unknown charset %q, falling back to %s", label, DefaultCharset)
		return unicode.UTF8, DefaultCharset
	}
	return enc, name
}

// DecodeToUTF8 transcodes body from the given charset into a UTF-8 string.
func DecodeToUTF8(body []byte, label string) (string, error) {
	enc, name := lookupEncoding(label)
	if name == DefaultCharset {
		return string(body), nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncodeFromUTF8 transcodes text into the given charset. Runes the charset
// cannot represent are written as numeric character references.
func EncodeFromUTF8(text, label string) ([]byte, error) {
	enc, name := lookupEncoding(label)
	if name == DefaultCharset {
		return []byte(text), nil
	}
	return encoding.HTMLEscapeUnsupported(enc.NewEncoder()).Bytes([]byte(text))
}
