// Package httpapi serves the chat widget API, the admin API, health and
// metrics over gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Chat       Chatter
	Admin      Admin
	Tokens     *Tokens
	SendLimit  Limiter
	TokenLimit Limiter
	AdminToken string

	AllowOrigins []string
	SecureCookie bool

	HealthPath  string
	MetricsPath string
	Health      []Pinger

	// WebhookPath and Webhook mount the Telegram webhook when set.
	WebhookPath string
	Webhook     http.Handler

	Logger zerolog.Logger
	Now    func() time.Time
}

func NewRouter(cfg Config) *gin.Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	router.GET(cfg.HealthPath, func(c *gin.Context) {
		for _, p := range cfg.Health {
			if err := p.Ping(c.Request.Context()); err != nil {
				cfg.Logger.Warn().Err(err).Msg("health check failed")
				c.String(http.StatusServiceUnavailable, "unavailable")
				return
			}
		}
		c.String(http.StatusOK, "ok")
	})
	router.GET(cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	if cfg.Webhook != nil && cfg.WebhookPath != "" {
		router.POST(cfg.WebhookPath, gin.WrapH(cfg.Webhook))
	}

	if cfg.Chat != nil {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.AllowOrigins
		corsCfg.AllowAllOrigins = len(cfg.AllowOrigins) == 0
		corsCfg.AllowCredentials = len(cfg.AllowOrigins) > 0
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "X-Requested-With", "X-CSRF-Token", "Accept-Language"}
		corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}

		chat := &chatHandler{
			chat:       cfg.Chat,
			tokens:     cfg.Tokens,
			sendLimit:  cfg.SendLimit,
			tokenLimit: cfg.TokenLimit,
			logger:     cfg.Logger,
			now:        cfg.Now,
		}
		api := router.Group("/api/chat", cors.New(corsCfg), withSession(cfg.SecureCookie))
		{
			api.GET("/token", chat.token)
			api.POST("/send", chat.send)
			api.GET("/history", chat.history)
			api.POST("/reset", chat.reset)
		}
	}

	if cfg.Admin != nil {
		h := &adminHandler{svc: cfg.Admin, logger: cfg.Logger}
		adm := router.Group("/api/admin", requireAdmin(cfg.AdminToken))
		{
			adm.GET("/configuration", h.getConfiguration)
			adm.POST("/configuration", h.createConfiguration)
			adm.PUT("/configuration/:id", h.updateConfiguration)
			adm.DELETE("/configuration/:id", h.deleteConfiguration)
			adm.GET("/configuration/:id/models", h.models)

			adm.GET("/configuration/:id/assistant", h.getAssistant)
			adm.POST("/configuration/:id/assistant", h.createAssistant)
			adm.PUT("/assistants/:id", h.updateAssistant)
			adm.DELETE("/assistants/:id", h.deleteAssistant)

			adm.GET("/configuration/:id/files", h.listFiles)
			adm.POST("/configuration/:id/files", h.uploadFiles)
			adm.DELETE("/files/:id", h.deleteFile)

			adm.POST("/keys/validate", h.validateKey)
		}
	}

	return router
}
