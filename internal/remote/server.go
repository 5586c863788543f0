package remote

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/roach88/fhirengine/internal/metrics"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/syncer"
)

// ServerOption configures the reference server.
type ServerOption func(*server)

// WithServerLogger sets the request logger. Defaults to a no-op logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *server) { s.logger = l }
}

type server struct {
	mem    *Memory
	logger zerolog.Logger
}

// NewServer exposes mem over HTTP:
//
//	POST /            batch Bundle upload
//	GET  /_history    history Bundle download (_since, _count)
//	GET  /:type/:id   read one live record
//	GET  /metrics     prometheus metrics of collector
func NewServer(mem *Memory, collector *metrics.Collector, opts ...ServerOption) *echo.Echo {
	s := &server{mem: mem, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.POST("/", s.batch)
	e.GET("/_history", s.history)
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	e.GET("/:type/:id", s.read)
	return e
}

func (s *server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
		return nil
	}
}

func outcome(c echo.Context, status int, code, diagnostics string) error {
	return c.JSON(status, operationOutcome(code, diagnostics))
}

// failure maps a repository error: transient and injected failures become
// 503 so clients retry; the rest are bad requests.
func failure(c echo.Context, err error) error {
	if syncer.IsTransient(err) {
		return outcome(c, http.StatusServiceUnavailable, "transient", err.Error())
	}
	return outcome(c, http.StatusBadRequest, "invalid", err.Error())
}

func (s *server) batch(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxResponseBytes))
	if err != nil {
		return outcome(c, http.StatusBadRequest, "invalid", "read body: "+err.Error())
	}
	items, err := decodeUpload(data)
	if err != nil {
		return outcome(c, http.StatusBadRequest, "invalid", err.Error())
	}

	acks, err := s.mem.Upload(c.Request().Context(), items)
	if err != nil {
		return failure(c, err)
	}
	b, err := encodeAcks(items, acks)
	if err != nil {
		return outcome(c, http.StatusInternalServerError, "exception", err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (s *server) history(c echo.Context) error {
	token := c.QueryParam("_since")
	count := 0
	if raw := c.QueryParam("_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return outcome(c, http.StatusBadRequest, "invalid", "_count must be a non-negative integer")
		}
		count = n
	}

	page, err := s.mem.DownloadPage(c.Request().Context(), token, count)
	if err != nil {
		return failure(c, err)
	}

	next := ""
	if page.More {
		q := url.Values{"_since": {page.Token}}
		if count > 0 {
			q.Set("_count", strconv.Itoa(count))
		}
		next = "/_history?" + q.Encode()
	}
	b, err := encodeHistory(page, next)
	if err != nil {
		return outcome(c, http.StatusInternalServerError, "exception", err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (s *server) read(c echo.Context) error {
	ref := resource.Reference{Type: c.Param("type"), ID: c.Param("id")}
	r, version, ok := s.mem.Get(ref)
	if !ok {
		return outcome(c, http.StatusNotFound, "not-found", ref.String()+" not found")
	}
	c.Response().Header().Set("ETag", etag(version))
	return c.JSON(http.StatusOK, r.Content)
}
