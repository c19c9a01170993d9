package htmlproxy

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTarget is returned when a forwarded request carries no reqUrl.
	ErrMissingTarget = errors.New("missing reqUrl parameter")

	// ErrInvalidTarget is returned when reqUrl cannot be turned into an
	// absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid reqUrl parameter")

	// ErrInvalidMatchIndex is returned when matchIdx is not a valid ordinal.
	ErrInvalidMatchIndex = errors.New("invalid matchIdx parameter")

	// ErrUnsupportedEncoding is returned for an unknown Content-Encoding.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")

	// ErrFragmentNotFound marks a fragment file that does not exist.
	ErrFragmentNotFound = errors.New("fragment not found")

	// ErrFragmentPermission marks a fragment file that cannot be read.
	ErrFragmentPermission = errors.New("fragment permission denied")

	// ErrFragmentOutsideRoot marks a fragment path escaping the fragment root.
	ErrFragmentOutsideRoot = errors.New("fragment path outside fragment root")
)

// ConfigParseError reports an invalid rule in the proxy configuration.
type ConfigParseError struct {
	Ordinal int
	Pattern string
	Err     error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("rule %d (urlReg %q): %v", e.Ordinal, e.Pattern, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

// UpstreamFetchError reports a failed origin fetch. StatusCode is zero when
// the request never produced a response.
type UpstreamFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// FragmentReadError reports a fragment file that could not be loaded.
type FragmentReadError struct {
	Path string
	Err  error
}

func (e *FragmentReadError) Error() string {
	return fmt.Sprintf("fragment %s: %v", e.Path, e.Err)
}

func (e *FragmentReadError) Unwrap() error { return e.Err }

// FragmentRenderError reports a mock fragment whose template failed to render.
type FragmentRenderError struct {
	Path string
	Err  error
}

func (e *FragmentRenderError) Error() string {
	return fmt.Sprintf("fragment %s: render: %v", e.Path, e.Err)
}

func (e *FragmentRenderError) Unwrap() error { return e.Err }
