package htmlproxy

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ForcedAccept is the Accept header sent on every routed request.
const ForcedAccept = "text/html,application/xhtml+xml,application/xml,*/*;"

const (
	paramReqURL   = "reqUrl"
	paramMatchIdx = "matchIdx"
)

// ForwardingDescriptor is the request-redirection structure owned by the
// external reverse proxy. Route mutates it in place.
type ForwardingDescriptor struct {
	Host    string
	Port    int
	Path    string
	Headers http.Header
}

// Router retargets matching requests to the html proxy listener.
type Router struct {
	index          *ConfigIndex
	host           string
	port           int
	firstMatchOnly bool
}

// NewRouter creates a Router over index that points requests at host:port.
func NewRouter(index *ConfigIndex, host string, port int, firstMatchOnly bool) *Router {
	if host == "" {
		host = DefaultProxyHost
	}
	if port == 0 {
		port = DefaultPort
	}
	return &Router{
		index:          index,
		host:           host,
		port:           port,
		firstMatchOnly: firstMatchOnly,
	}
}

// Route mutates d so that the external proxy dispatches r to this proxy.
// Requests matching no rule leave d untouched. The same pointer is returned.
func (rt *Router) Route(r *http.Request, d *ForwardingDescriptor) *ForwardingDescriptor {
	reqURL := requestURL(r)
	matched := rt.index.Match(reqURL)
	if len(matched) == 0 {
		return d
	}
	if rt.firstMatchOnly {
		matched = matched[:1]
	}

	if d.Headers == nil {
		d.Headers = make(http.Header)
	}

	for i, m := range matched {
		d.Host = rt.host
		d.Port = rt.port

		var params string
		if i == 0 {
			params = paramReqURL + "=" + url.QueryEscape(reqURL) + "&"
		}
		params += paramMatchIdx + "=" + strconv.Itoa(m.Ordinal)
		d.Path = appendQuery(d.Path, params)

		for key, values := range r.Header {
			d.Headers[key] = append([]string(nil), values...)
		}
		if r.Host != "" {
			d.Headers.Set("Host", r.Host)
		}
		if r.TLS != nil && d.Headers.Get("X-Forwarded-Proto") == "" {
			d.Headers.Set("X-Forwarded-Proto", "https")
		}
		d.Headers.Del("Accept-Encoding")
		d.Headers.Set("Accept", ForcedAccept)
	}

	return d
}

func requestURL(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.String()
}

// appendQuery appends params to path, separated by & when path already
// carries a query string and by ? otherwise.
func appendQuery(path, params string) string {
	if strings.Contains(path, "?") {
		if strings.HasSuffix(path, "?") || strings.HasSuffix(path, "&") {
			return path + params
		}
		return path + "&" + params
	}
	return path + "?" + params
}
