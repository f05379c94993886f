// Package server is the read-only viewer: a small fasthttp service
// exposing the store and the generated report files to operators.
package server

import (
	"fmt"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"boxaudit/internal/config"
	"boxaudit/internal/db"
	"boxaudit/internal/logging"
)

type Server struct {
	cfg          *config.Config
	store        *db.Store
	passwordHash []byte
	log          *zap.Logger
}

func New(cfg *config.Config, store *db.Store) (*Server, error) {
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil, fmt.Errorf("ADMIN_USER and ADMIN_PASSWORD are required for the viewer")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:          cfg,
		store:        store,
		passwordHash: hash,
		log:          logging.L(),
	}, nil
}

func (s *Server) Run() error {
	r := router.New()

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.GET("/metrics", s.basicAuth(s.metricsHandler()))

	r.GET("/v1/status", s.basicAuth(s.statusHandler()))
	r.GET("/v1/anomalies", s.basicAuth(s.recentAnomaliesHandler()))
	r.GET("/v1/anomalies/{date}", s.basicAuth(s.anomaliesForDateHandler()))
	r.GET("/v1/stats/{date}", s.basicAuth(s.statsForDateHandler()))
	r.GET("/v1/summary/users/{month}", s.basicAuth(s.monthlyUsersHandler()))
	r.GET("/v1/summary/files/{month}", s.basicAuth(s.monthlyFilesHandler()))

	fs := &fasthttp.FS{
		Root:               s.cfg.ReportOutputDir,
		PathRewrite:        fasthttp.NewPathSlashesStripper(1),
		GenerateIndexPages: true,
		AcceptByteRange:    true,
	}
	r.GET("/reports/{filepath:*}", s.basicAuth(fs.NewRequestHandler()))

	handler := s.requestLogger(r.Handler)

	s.log.Info("viewer listening", zap.String("addr", s.cfg.ListenAddr))
	return fasthttp.ListenAndServe(s.cfg.ListenAddr, handler)
}

func (s *Server) requestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		s.log.Info("request",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Int("status", ctx.Response.StatusCode()))
	}
}
