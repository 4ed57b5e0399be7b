package excavation

import (
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/excavctl/internal/auth"
	"github.com/danmuck/excavctl/internal/observability"
	"github.com/danmuck/excavctl/internal/telemetry"
	"github.com/danmuck/excavctl/internal/trace"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type tiltSample struct {
	TiltPosition *float64 `json:"tilt_position" binding:"required"`
}

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ID,
			"version": version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		ready := s.feed == nil || s.feed.Connected()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ID,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := r.Group("/")
	if s.cfg.ControlToken != "" {
		guarded.Use(auth.Require(auth.StaticToken{Token: s.cfg.ControlToken}))
	}
	guarded.POST("/excavation", s.handleExcavate)
	guarded.POST("/excavation/cancel", func(c *gin.Context) {
		if !s.Cancel() {
			c.JSON(http.StatusConflict, gin.H{"error": ErrNoCycle.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "canceling"})
	})
	r.GET("/excavation/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
	r.GET("/excavation/trace", s.handleTrace)
	guarded.POST("/telemetry/health", s.handleTelemetry)
	return r
}

func (s *Service) handleExcavate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: err.Error()})
		return
	}
	// the cycle outlives the request; see package doc
	resp, err := s.Excavate(s.lifecycleContext(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, ErrStartNotRequested):
		c.JSON(http.StatusBadRequest, resp)
	case errors.Is(err, ErrCycleInProgress):
		c.JSON(http.StatusConflict, resp)
	default:
		c.JSON(http.StatusInternalServerError, resp)
	}
}

func (s *Service) handleTelemetry(c *gin.Context) {
	var sample tiltSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.IngestTilt(*sample.TiltPosition); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, telemetry.ErrInvalidSample) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tilt_offset": s.buffer.Read()})
}

func (s *Service) handleTrace(c *gin.Context) {
	samples, err := s.TraceSamples()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := trace.WritePNG(c.Writer, samples, s.cfg.ID, nil); err != nil {
		log.Error().Err(err).Msg("excavation.handleTrace render failed")
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
