package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/andesco/htmlproxy/pkg/htmlproxy"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// NewApp builds the fiber app serving the proxy endpoint. A panic while
// handling one request is turned into a 500 for that request only.
func NewApp(p *htmlproxy.Proxy) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	if p.Config.Metrics {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(p.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	// The external proxy keeps the original path and appends its parameters,
	// so every path is served.
	app.Get("/*", ProxySite(p))

	return app
}

// ProxySite is a Fiber handler that runs forwarded requests through the
// html proxy pipeline.
func ProxySite(p *htmlproxy.Proxy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		query, err := url.ParseQuery(string(c.Request().URI().QueryString()))
		if err != nil {
			log.Errorf("Could not parse query %q: %v", c.OriginalURL(), err)
			p.Metrics.ObserveRequest("bad_request")
			return c.Status(fiber.StatusBadRequest).SendString("Could not parse query")
		}

		scheme, _, _ := strings.Cut(c.Get("X-Forwarded-Proto", p.Config.OriginScheme), ",")
		scheme = strings.TrimSpace(scheme)
		target, err := htmlproxy.ParseTarget(query, string(c.Request().Host()), scheme)
		if err != nil {
			log.Errorf("Could not extract target from %q: %v", c.OriginalURL(), err)
			p.Metrics.ObserveRequest("bad_request")
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}

		if os.Getenv("LOG_URLS") == "true" {
			log.Infof("html proxy: %s %v", target.URL, target.MatchIdx)
		}

		// Convert Fiber headers to http.Header
		headers := make(http.Header)
		c.Request().Header.VisitAll(func(key, value []byte) {
			headers.Add(string(key), string(value))
		})

		// fasthttp does not report client disconnects, so the fetch is bounded
		// by the configured timeout only.
		ctx, cancel := context.WithTimeout(c.UserContext(), p.Config.Timeout)
		defer cancel()

		resp, err := p.Process(ctx, target, headers)
		if err != nil {
			status, outcome := classify(err)
			log.WithField("url", target.URL).Errorf("Failed to process request: %v", err)
			p.Metrics.ObserveRequest(outcome)
			return c.Status(status).SendString(err.Error())
		}

		// Set response headers from the origin response
		for key, values := range resp.Header {
			for _, value := range values {
				c.Response().Header.Add(key, value)
			}
		}

		p.Metrics.ObserveRequest("ok")
		return c.Status(resp.StatusCode).Send(resp.Body)
	}
}

// classify maps a pipeline error to a response status and metrics outcome.
func classify(err error) (int, string) {
	var upstream *htmlproxy.UpstreamFetchError
	var fragment *htmlproxy.FragmentReadError
	var render *htmlproxy.FragmentRenderError
	switch {
	case errors.As(err, &upstream):
		return fiber.StatusBadGateway, "upstream_error"
	case errors.Is(err, htmlproxy.ErrInvalidMatchIndex), errors.Is(err, htmlproxy.ErrInvalidTarget), errors.Is(err, htmlproxy.ErrMissingTarget):
		return fiber.StatusBadRequest, "bad_request"
	case errors.As(err, &fragment), errors.As(err, &render):
		return fiber.StatusInternalServerError, "fragment_error"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}
