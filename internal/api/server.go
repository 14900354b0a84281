// Package api is the HTTP front end: JSON endpoints for login, listing and
// downloads plus session introspection, health and metrics.
package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lucasbenitezc/servidor-scraping/internal/config"
	"github.com/lucasbenitezc/servidor-scraping/internal/journal"
	"github.com/lucasbenitezc/servidor-scraping/internal/observability"
	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
	"github.com/lucasbenitezc/servidor-scraping/internal/session"
)

const internalMessage = "Error interno del servidor"

// Server owns the gin router.
type Server struct {
	cfg     config.ServerConfig
	orch    *scraper.Orchestrator
	journal *journal.Journal
	logger  zerolog.Logger
	router  *gin.Engine
	started time.Time
}

// New builds the router with recovery, logging, metrics and CORS middleware.
// j may be nil when the journal is not wired.
func New(cfg config.ServerConfig, orch *scraper.Orchestrator, j *journal.Journal, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	logger = logger.With().Str("component", "http").Logger()

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": internalMessage, "code": scraper.CodeInternal})
	}))
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetrics())
	origin := cfg.ClientURL
	if origin == "" {
		origin = config.DefaultConfig().Server.ClientURL
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{origin},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Disposition", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		orch:    orch,
		journal: j,
		logger:  logger,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router exposes the engine so other front ends can mount routes on it.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/login", s.login)
	s.router.POST("/notifications", s.notifications)
	s.router.POST("/download", s.download)
	s.router.GET("/sessions", s.sessions)
	s.router.GET("/sessions/events", s.events)
	s.router.DELETE("/sessions/:id", s.closeSession)
}

type loginBody struct {
	Service  string `json:"service"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type notificationsBody struct {
	Service          string `json:"service"`
	SessionID        string `json:"sessionId"`
	BrowserSessionID string `json:"browserSessionId"`
}

type downloadBody struct {
	Service          string `json:"service"`
	NotificationID   string `json:"notificationId"`
	SessionID        string `json:"sessionId"`
	BrowserSessionID string `json:"browserSessionId"`
}

// loginResponse repeats the session id under the name older clients read.
type loginResponse struct {
	scraper.LoginResult
	BrowserSessionID string `json:"browserSessionId,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	pool := s.orch.Pool()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"uptime":    time.Since(s.started).String(),
		"version":   s.cfg.Version,
		"services":  s.orch.Services(),
		"sessions": gin.H{
			"open":     pool.Len(),
			"capacity": pool.Capacity(),
		},
	})
}

func (s *Server) login(c *gin.Context) {
	var body loginBody
	if !s.bind(c, &body) {
		return
	}
	s.logger.Info().Str("service", body.Service).Str("username", body.Username).Msg("login attempt")

	res := s.orch.Login(c.Request.Context(), scraper.LoginRequest{
		Service:  body.Service,
		Username: body.Username,
		Password: body.Password,
	})
	s.shape(&res.Outcome)
	c.JSON(statusFor(res.Outcome), loginResponse{LoginResult: res, BrowserSessionID: res.SessionID})
}

func (s *Server) notifications(c *gin.Context) {
	var body notificationsBody
	if !s.bind(c, &body) {
		return
	}
	res := s.orch.GetNotifications(c.Request.Context(), scraper.NotificationsRequest{
		Service:   body.Service,
		SessionID: firstNonEmpty(body.SessionID, body.BrowserSessionID),
	})
	s.shape(&res.Outcome)
	c.JSON(statusFor(res.Outcome), res)
}

func (s *Server) download(c *gin.Context) {
	var body downloadBody
	if !s.bind(c, &body) {
		return
	}
	s.logger.Info().Str("service", body.Service).Str("notification_id", body.NotificationID).Msg("document download")

	res := s.orch.DownloadDocument(c.Request.Context(), scraper.DownloadRequest{
		Service:        body.Service,
		SessionID:      firstNonEmpty(body.SessionID, body.BrowserSessionID),
		NotificationID: body.NotificationID,
	})
	if !res.Success {
		s.shape(&res.Outcome)
		c.JSON(statusFor(res.Outcome), res)
		return
	}

	c.FileAttachment(res.Path, res.FileName)
	if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", res.Path).Msg("temp document not removed")
	}
}

func (s *Server) sessions(c *gin.Context) {
	pool := s.orch.Pool()
	list := pool.List()
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": list,
		"open":     len(list),
		"capacity": pool.Capacity(),
	})
}

func (s *Server) closeSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.CloseSession(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Sesión no encontrada o expirada", "code": scraper.CodeSessionNotFound})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": internalMessage, "code": scraper.CodeInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": id})
}

// bind decodes the JSON body. An empty body is an empty request so the
// orchestrator reports the missing fields.
func (s *Server) bind(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.logger.Warn().Err(err).Msg("malformed request body")
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "JSON inválido", "code": scraper.CodeInvalidRequest})
	return false
}

// shape hides internal error detail in production.
func (s *Server) shape(out *scraper.Outcome) {
	if out.Code == scraper.CodeInternal && s.cfg.IsProduction() {
		out.Message = internalMessage
	}
}

func statusFor(out scraper.Outcome) int {
	if out.Success {
		return http.StatusOK
	}
	switch out.Code {
	case scraper.CodeInvalidRequest:
		return http.StatusBadRequest
	case scraper.CodeSessionNotFound:
		return http.StatusNotFound
	case scraper.CodeStaleSession:
		return http.StatusGone
	case scraper.CodeUnsupportedService:
		return http.StatusUnprocessableEntity
	case scraper.CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case scraper.CodeAdapterFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
