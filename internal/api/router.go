package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// NewRouter builds the echo instance serving the REST API, health, metrics
// and API docs.
func NewRouter(s *Server, serviceName string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return c.Path() == "/health" || c.Path() == "/metrics"
	})))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if id := c.Response().Header().Get(traceHeader); id != "" {
				args = append(args, "trace_id", id)
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(args, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", args...)
			return nil
		},
	}))

	e.GET("/health", s.HandleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	e.GET("/openapi.yaml", SpecHandler)
	e.GET("/docs", SwaggerHandler)

	s.RegisterHandlers(e.Group("/api/v1"))
	return e
}
