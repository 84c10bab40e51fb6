// Package admin serves the HTTP admin surface: health checks, Prometheus metrics
// and per-link state.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/gadgetlink/internal/auth"
	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/observability"
)

const Version = "0.1.0"

var ErrLinkNotFound = errors.New("link not found")

// DefaultTrustedProxies are the forwarders whose client-IP headers gin honours.
var DefaultTrustedProxies = []string{"127.0.0.1", "::1"}

type Server struct {
	ID      string
	Addr    string
	Started time.Time
	Links   *Registry

	router *gin.Engine
	guard  auth.Validator
}

func New(id, addr string, corsOrigins []string, links *Registry) *Server {
	observability.RegisterMetrics()
	if links == nil {
		links = NewRegistry()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	trustProxies(r, DefaultTrustedProxies, log.Logger)

	return &Server{
		ID:      id,
		Addr:    addr,
		Started: time.Now(),
		Links:   links,
		router:  r,
	}
}

// RequireToken guards mutating routes with v. Call before RegisterRoutes.
func (s *Server) RequireToken(v auth.Validator) {
	s.guard = v
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// MountBridge serves a websocket bridge handler at path.
func (s *Server) MountBridge(path string, h http.Handler) {
	s.router.GET(path, gin.WrapH(h))
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.Links.Len() > 0
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"links":   s.Links.Len(),
			"service": s.ID,
			"version": Version,
		})
	})

	s.router.GET("/links", func(c *gin.Context) {
		names := s.Links.Names()
		out := make(map[string]link.Stats, len(names))
		for _, name := range names {
			if conn, ok := s.Links.Get(name); ok {
				out[name] = conn.Stats()
			}
		}
		c.JSON(http.StatusOK, gin.H{"links": out})
	})

	s.router.GET("/links/:name/stats", s.withLink(func(c *gin.Context, conn *link.Conn) {
		c.JSON(http.StatusOK, conn.Stats())
	}))

	s.router.GET("/links/:name/pending", s.withLink(func(c *gin.Context, conn *link.Conn) {
		c.JSON(http.StatusOK, gin.H{"pending": conn.PendingAcks()})
	}))

	s.router.POST("/links/:name/expire", s.guarded(s.withLink(func(c *gin.Context, conn *link.Conn) {
		slots, lost := conn.Expire(time.Now())
		log.Info().
			Str("link", c.Param("name")).
			Int("slots", slots).
			Int("acks", len(lost)).
			Msg("expire requested")
		c.JSON(http.StatusOK, gin.H{"expired_slots": slots, "expired_acks": lost})
	}))...)
}

func (s *Server) guarded(h gin.HandlerFunc) []gin.HandlerFunc {
	if s.guard == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{auth.Require(s.guard), h}
}

func (s *Server) withLink(fn func(*gin.Context, *link.Conn)) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := s.Links.Get(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrLinkNotFound.Error()})
			return
		}
		fn(c, conn)
	}
}

// Serve runs the admin server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{Addr: s.Addr, Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("service", s.ID).Str("addr", s.Addr).Msg("admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}

// trustProxies applies proxies to r. A rejected list leaves gin trusting no
// forwarders and is logged rather than failing server construction.
func trustProxies(r *gin.Engine, proxies []string, logger zerolog.Logger) {
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn().Err(err).Strs("proxies", proxies).Msg("trusted proxies rejected")
	}
}
