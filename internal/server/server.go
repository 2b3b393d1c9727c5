// Package server exposes the admin surface of a running deposit daemon: an
// echo HTTP API for queue introspection and operator actions, Prometheus
// metrics, and the standard gRPC health service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/archive-deposit/internal/controller"
	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/metrics"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// ServiceName is the gRPC health service name of the daemon.
const ServiceName = "archive.deposit"

const shutdownTimeout = 5 * time.Second

// Server 管理 API 與 gRPC health
type Server struct {
	ctrl    *controller.Controller
	metrics *metrics.Collector
	echo    *echo.Echo
	health  *health.Server
	grpc    *grpc.Server
}

// UIDRequest 操作員動作的請求內容
type UIDRequest struct {
	UID   string `json:"uid"`
	State string `json:"state,omitempty"` // advance 的目標狀態
}

// LimitRequest 調整任務類型上限
type LimitRequest struct {
	Limit int `json:"limit"`
}

// New 建立 Server；m 為 nil 時不提供 /metrics
func New(ctrl *controller.Controller, m *metrics.Collector) *Server {
	s := &Server{
		ctrl:    ctrl,
		metrics: m,
		health:  health.NewServer(),
		grpc:    grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	s.echo = s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// SetServing 更新 gRPC health 狀態
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve 監聽 addr（HTTP）與 grpcAddr（空字串表示不啟動），直到 ctx 結束後優雅關閉
func (s *Server) Serve(ctx context.Context, addr, grpcAddr string) error {
	errCh := make(chan error, 2)

	httpLis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.echo.Listener = httpLis
	go func() {
		slog.Info("Admin API listening", "addr", httpLis.Addr().String())
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if grpcAddr != "" {
		grpcLis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			_ = s.echo.Close()
			return err
		}
		go func() {
			slog.Info("gRPC health listening", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	s.health.Shutdown()
	s.grpc.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := s.echo.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	slog.Info("Admin server stopped")
	return err
}

// ============================================================================
// Routes
// ============================================================================

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		slog.Warn("Admin request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
	}

	// server-side latency
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)
			slog.Debug("Admin request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(begin))
			return err
		}
	})

	e.GET("/healthz", s.getHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := e.Group("/api")
	api.GET("/status", s.getStatus)

	api.GET("/queue", s.getQueue)
	api.POST("/queue/pause", s.setPaused(true))
	api.POST("/queue/resume", s.setPaused(false))
	api.PUT("/queue/limits/:type", s.putLimit)

	api.GET("/depositables", s.listDepositables)
	api.GET("/depositables/*", s.getDepositable)
	api.POST("/depositables/recover", s.recoverDepositable)
	api.POST("/depositables/advance", s.advanceDepositable)
	api.POST("/depositables/release", s.releaseDepositable)

	return e
}

func (s *Server) getHealth(c echo.Context) error {
	if !s.ctrl.Running() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.GetStatus())
}

func (s *Server) getQueue(c echo.Context) error {
	q := s.ctrl.Queue()
	if q == nil {
		return echo.NewHTTPError(http.StatusNotFound, controller.ErrNoQueue.Error())
	}
	return c.JSON(http.StatusOK, q.Snapshot())
}

func (s *Server) setPaused(paused bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.ctrl.SetQueuePaused(paused); err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, map[string]bool{"paused": paused})
	}
}

func (s *Server) putLimit(c echo.Context) error {
	q := s.ctrl.Queue()
	if q == nil {
		return echo.NewHTTPError(http.StatusNotFound, controller.ErrNoQueue.Error())
	}
	jobType := c.Param("type")
	if !knownTool(jobType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown job type "+jobType)
	}
	var req LimitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q.SetLimit(jobType, req.Limit)
	slog.Info("Queue limit changed", "type", jobType, "limit", req.Limit)
	return c.JSON(http.StatusOK, map[string]any{"type": jobType, "limit": req.Limit})
}

func (s *Server) listDepositables(c echo.Context) error {
	list := s.ctrl.List()
	if st := c.QueryParam("state"); st != "" {
		want, err := types.ParseStateType(st)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filtered := list[:0]
		for _, d := range list {
			if d.State == want {
				filtered = append(filtered, d)
			}
		}
		list = filtered
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getDepositable(c echo.Context) error {
	st, err := s.ctrl.Get(c.Param("*"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) recoverDepositable(c echo.Context) error {
	req, err := bindUID(c)
	if err != nil {
		return err
	}
	if err := s.ctrl.Recover(c.Request().Context(), req.UID); err != nil {
		return toHTTPError(err)
	}
	return s.respondWith(c, req.UID)
}

func (s *Server) advanceDepositable(c echo.Context) error {
	req, err := bindUID(c)
	if err != nil {
		return err
	}
	target, err := types.ParseStateType(req.State)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.ctrl.Advance(c.Request().Context(), req.UID, target); err != nil {
		return toHTTPError(err)
	}
	return s.respondWith(c, req.UID)
}

func (s *Server) releaseDepositable(c echo.Context) error {
	req, err := bindUID(c)
	if err != nil {
		return err
	}
	if err := s.ctrl.Release(req.UID); err != nil {
		return toHTTPError(err)
	}
	return s.respondWith(c, req.UID)
}

// ============================================================================
// 輔助函式
// ============================================================================

func (s *Server) respondWith(c echo.Context, uid string) error {
	st, err := s.ctrl.Get(uid)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func bindUID(c echo.Context) (UIDRequest, error) {
	var req UIDRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UID == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "uid is required")
	}
	return req, nil
}

// toHTTPError 將領域錯誤對應到 HTTP 狀態碼
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, deposit.ErrUnknownDepositable), errors.Is(err, controller.ErrNoQueue):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, deposit.ErrIllegalEvent):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, controller.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}

func knownTool(t string) bool {
	for _, tool := range deposit.Tools() {
		if tool == t {
			return true
		}
	}
	return false
}
