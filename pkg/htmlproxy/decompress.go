package htmlproxy

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// decodedBody reads through decoder and closes both decoder and original.
type decodedBody struct {
	original io.Closer
	decoder  io.ReadCloser
}

func (b decodedBody) Read(p []byte) (int, error) {
	return b.decoder.Read(p)
}

func (b decodedBody) Close() error {
	derr := b.decoder.Close()
	oerr := b.original.Close()
	if derr != nil {
		return derr
	}
	return oerr
}

// parseEncodings splits a Content-Encoding header into its codings, dropping
// identity.
func parseEncodings(header string) []string {
	var encs []string
	for _, e := range strings.Split(header, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && e != "identity" {
			encs = append(encs, e)
		}
	}
	return encs
}

func newDecoder(r io.Reader, enc string) (io.ReadCloser, error) {
	switch enc {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
}

// newDecodedBody wraps original so reads yield the decompressed content.
// Codings are undone in reverse order of application.
func newDecodedBody(original io.ReadCloser, encs []string) (io.ReadCloser, error) {
	body := original
	for i := len(encs) - 1; i >= 0; i-- {
		d, err := newDecoder(body, encs[i])
		if err != nil {
			return nil, err
		}
		body = decodedBody{original: body, decoder: d}
	}
	return body, nil
}
