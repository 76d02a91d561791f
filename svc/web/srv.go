package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"pastebin/cfg"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/sweep"
	"pastebin/svc/util"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      db.Store
	rdb        *db.Redis
	httpServer *http.Server
}

// Deps are the collaborators of the HTTP surface. Redis and Sweeper may be
// nil.
type Deps struct {
	Paste         *svc.Paste
	Limiter       *lim.Limiter
	Store         db.Store
	Redis         *db.Redis
	Sweeper       *sweep.Sweeper
	SessionSecret []byte
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{cfg: c, store: d.Store, rdb: d.Redis}
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, c)
	hdl := NewHdl(d.Paste, d.Limiter, c, d.SessionSecret)

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("ip", util.RedactIP(d.Limiter.RealIP(req))).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Observe)
		r.Use(mw.BodyLimit)
		if c.Sweep.OnRequest && d.Sweeper != nil {
			r.Use(d.Sweeper.Hook(c.Sweep.RequestMinGap))
		}
		r.NotFound(hdl.NotFound)
		r.MethodNotAllowed(hdl.MethodNotAllowed)

		r.Get("/", hdl.Index)
		r.With(mw.RateLimitSubmit).Post("/", hdl.Submit)
		r.Get("/{shortID}", hdl.Show)
		r.Post("/{shortID}", hdl.Access)

		r.Route("/api/pastes", func(r chi.Router) {
			r.With(mw.RateLimitSubmit).Post("/", hdl.CreatePaste)
			r.Get("/{shortID}", hdl.GetPaste)
			r.Delete("/{shortID}", hdl.DeletePaste)
		})
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
