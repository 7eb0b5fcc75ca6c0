package webserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/config"
	"go.uber.org/zap"
)

const ApiPrefix = "/api/v1"

// WebServer is the echo server that carries the admin API.
type WebServer struct {
	root *echo.Echo
	api  *echo.Group
	addr string
}

func NewWebServer(cfg *config.AppConfig) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			zap.L().Error("webserver: handler panic",
				zap.String("path", c.Path()), zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("webserver: request",
				zap.String("namespace", "web"),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP))
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok", "time": time.Now()})
	})

	api := e.Group(ApiPrefix)
	if key := strings.TrimSpace(cfg.Web.ApiKey); key != "" {
		api.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key,query:api_key",
			Validator: func(k string, c echo.Context) (bool, error) {
				return k == key, nil
			},
		}))
	}
	return &WebServer{
		root: e,
		api:  api,
		addr: fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
	}
}

// Echo exposes the underlying router, mainly to tests.
func (s *WebServer) Echo() *echo.Echo {
	return s.root
}

func (s *WebServer) ApiGET(path string, h echo.HandlerFunc) {
	s.api.GET(path, h)
}

func (s *WebServer) ApiPOST(path string, h echo.HandlerFunc) {
	s.api.POST(path, h)
}

func (s *WebServer) ApiDELETE(path string, h echo.HandlerFunc) {
	s.api.DELETE(path, h)
}

// Start serves until Shutdown is called.
func (s *WebServer) Start() error {
	zap.L().Info("webserver: listening", zap.String("namespace", "web"), zap.String("addr", s.addr))
	err := s.root.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server")
	}
	return nil
}

func (s *WebServer) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}
