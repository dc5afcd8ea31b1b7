// Package adminapi is the optional local HTTP surface: health, Prometheus
// metrics, session management, broadcasts and a websocket event stream.
package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wafleet/internal/dispatch"
	"wafleet/internal/eventbus"
	"wafleet/internal/phone"
	rtsup "wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// everything except /healthz.
	Token string
	// Pprof mounts the runtime profiler under /debug/pprof.
	Pprof bool
}

type Sessions interface {
	List() []session.Info
	Logout(ctx context.Context, shortID string) (int, error)
	SetLocked(ctx context.Context, shortID string, locked bool) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, run dispatch.Run) (dispatch.Report, error)
}

type Deps struct {
	Sessions     Sessions
	Broadcaster  Broadcaster
	Destinations storage.DestinationStore
	Normalizer   *phone.Normalizer
	Bus          eventbus.Bus
	Runtime      *rtsup.Supervisor
	Log          logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	e    *echo.Echo
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "adminapi"))
	if deps.Normalizer == nil {
		deps.Normalizer = phone.New("")
	}
	if deps.Runtime == nil {
		deps.Runtime = rtsup.New(context.Background(), rtsup.WithLogger(log))
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8085"
	}

	s := &Server{cfg: cfg, deps: deps, log: log}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request",
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), s.auth)

	api := e.Group("/api", s.auth)
	api.GET("/sessions", s.listSessions)
	api.POST("/sessions/:short/lock", s.lockSession)
	api.POST("/sessions/:short/logout", s.logoutSession)
	api.POST("/broadcast", s.broadcast)
	api.GET("/normalize", s.normalize)
	api.GET("/events", s.events)

	if cfg.Pprof {
		pp := e.Group("/debug/pprof", s.auth)
		pp.GET("/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
		pp.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		pp.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		pp.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		pp.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		// Index serves the named runtime profiles (heap, goroutine, ...).
		pp.GET("/:name", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}

	s.e = e
	return s
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.e.Start(s.cfg.Addr) }()
	s.log.Info("admin api listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.Token == "" {
			return next(c)
		}
		got, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok {
			// Browsers cannot set headers on websocket upgrades.
			got = c.QueryParam("token")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.cfg.Token)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}
