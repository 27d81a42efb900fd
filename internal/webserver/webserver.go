package webserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/wagatehq/wagate/internal/app"
	"go.uber.org/zap"
)

// Context keys for values injected into every request.
const (
	ContextAppKey = "wagate_app"
	ContextDBKey  = "wagate_db"
)

type routeEntry struct {
	method  string
	path    string
	handler echo.HandlerFunc
}

var apiRoutes []routeEntry

// ApiGET registers an authenticated GET route under /api.
func ApiGET(path string, handler echo.HandlerFunc) {
	apiRoutes = append(apiRoutes, routeEntry{http.MethodGet, path, handler})
}

// ApiPOST registers an authenticated POST route under /api.
func ApiPOST(path string, handler echo.HandlerFunc) {
	apiRoutes = append(apiRoutes, routeEntry{http.MethodPost, path, handler})
}

// ApiPUT registers an authenticated PUT route under /api.
func ApiPUT(path string, handler echo.HandlerFunc) {
	apiRoutes = append(apiRoutes, routeEntry{http.MethodPut, path, handler})
}

// ApiDELETE registers an authenticated DELETE route under /api.
func ApiDELETE(path string, handler echo.HandlerFunc) {
	apiRoutes = append(apiRoutes, routeEntry{http.MethodDelete, path, handler})
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

type WebServer struct {
	root   *echo.Echo
	appCtx *app.Application
}

var server *WebServer

// Get returns the running web server instance.
func Get() *WebServer {
	return server
}

func Init(application *app.Application) *WebServer {
	server = &WebServer{
		root:   echo.New(),
		appCtx: application,
	}
	server.initRouter()
	return server
}

func (s *WebServer) Echo() *echo.Echo {
	return s.root
}

func (s *WebServer) initRouter() {
	e := s.root
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				zap.L().Warn("http request", fields...)
			} else {
				zap.L().Debug("http request", fields...)
			}
			return nil
		},
	}))

	// inject application context into every request
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContextAppKey, s.appCtx)
			c.Set(ContextDBKey, s.appCtx.DB())
			return next(c)
		}
	})

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	api := e.Group("/api")
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(s.appCtx.Config().Web.JwtSecret),
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Path(), "/api/login")
		},
	}))
	for _, r := range apiRoutes {
		api.Add(r.method, r.path, r.handler)
	}
}

// Start blocks serving HTTP until the listener fails or is closed.
func (s *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.appCtx.Config().Web.Host, s.appCtx.Config().Web.Port)
	zap.L().Info("admin api listening", zap.String("addr", addr))
	return s.root.Start(addr)
}

// Stop shuts the listener down.
func (s *WebServer) Stop() {
	_ = s.root.Close()
}
