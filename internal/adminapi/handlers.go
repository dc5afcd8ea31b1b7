package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"wafleet/internal/dispatch"
	"wafleet/internal/identity"
	"wafleet/internal/session"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

type lockRequest struct {
	Locked *bool `json:"locked"`
}

type broadcastRequest struct {
	Text    string   `json:"text"`
	Targets []string `json:"targets"`
}

type normalizeResponse struct {
	Input         string `json:"input"`
	Valid         bool   `json:"valid"`
	Local         string `json:"local,omitempty"`
	International string `json:"international,omitempty"`
	Country       string `json:"country,omitempty"`
	Code          string `json:"code,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSessions(c echo.Context) error {
	list := s.deps.Sessions.List()
	if list == nil {
		list = []session.Info{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) lockSession(c echo.Context) error {
	short := strings.ToLower(c.Param("short"))
	var req lockRequest
	if err := c.Bind(&req); err != nil || req.Locked == nil {
		return echo.NewHTTPError(http.StatusBadRequest, `body must be {"locked": true|false}`)
	}
	if err := s.deps.Sessions.SetLocked(c.Request().Context(), short, *req.Locked); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"short_id": short, "locked": *req.Locked})
}

func (s *Server) logoutSession(c echo.Context) error {
	short := strings.ToLower(c.Param("short"))
	if !identity.ValidShortID(short) {
		return echo.NewHTTPError(http.StatusNotFound, identity.ErrUnknownShortID.Error())
	}
	n, err := s.deps.Sessions.Logout(c.Request().Context(), short)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"short_id": short, "companions_removed": n})
}

func (s *Server) broadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json body")
	}
	payload := wire.Text(strings.TrimSpace(req.Text))
	if err := payload.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	targets := req.Targets
	if len(targets) == 0 {
		all, err := s.deps.Destinations.ListAll(c.Request().Context())
		if err != nil {
			return httpError(err)
		}
		targets = all
	}
	if len(targets) == 0 {
		return echo.NewHTTPError(http.StatusConflict, "no destinations")
	}

	run := dispatch.Run{ID: uuid.NewString(), Targets: targets, Payload: payload}
	s.deps.Runtime.Go0("adminapi.broadcast", func(ctx context.Context) {
		rep, err := s.deps.Broadcaster.Broadcast(ctx, run)
		if err != nil {
			s.log.Warn("broadcast failed", logx.String("run_id", run.ID), logx.Err(err))
			return
		}
		s.log.Info("broadcast finished", logx.String("run_id", rep.RunID), logx.Int("delivered", rep.Delivered), logx.Int("failed", rep.Failed))
	})
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": run.ID, "total": len(targets)})
}

func (s *Server) normalize(c echo.Context) error {
	q := c.QueryParam("q")
	if strings.TrimSpace(q) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing q")
	}
	out := normalizeResponse{Input: q}
	if res, ok := s.deps.Normalizer.Normalize(q); ok {
		out.Valid = true
		out.Local = res.Local
		out.International = res.International()
		out.Country = res.Country
		out.Code = res.Code
	}
	return c.JSON(http.StatusOK, out)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, identity.ErrUnknownShortID):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrNotOpen), errors.Is(err, dispatch.ErrNoOpenSessions):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
