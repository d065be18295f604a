package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"assistantbridge/internal/conversation"
)

// Chatter is the conversation core as seen by the widget.
type Chatter interface {
	Send(ctx context.Context, session, text string) (conversation.Reply, error)
	History(ctx context.Context, session string) []conversation.HistoryEntry
	ClearThread(ctx context.Context, session string) error
}

// Limiter spaces out calls per subject.
type Limiter interface {
	Allow(ctx context.Context, subject string) (bool, time.Duration, error)
}

type chatHandler struct {
	chat       Chatter
	tokens     *Tokens
	sendLimit  Limiter
	tokenLimit Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

type sendRequest struct {
	Message string `json:"message" form:"message"`
	Token   string `json:"REQUEST_TOKEN" form:"REQUEST_TOKEN"`
	Locale  string `json:"locale" form:"locale"`
}

func (h *chatHandler) allow(c *gin.Context, l Limiter) bool {
	if l == nil {
		return true
	}
	ok, _, err := l.Allow(c.Request.Context(), sessionOf(c))
	if err != nil {
		h.logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		return true
	}
	return ok
}

func (h *chatHandler) token(c *gin.Context) {
	lang := detectLanguage(c.Query("locale"), c.GetHeader("Accept-Language"))
	if !h.allow(c, h.tokenLimit) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": message(lang, "token_requests_too_frequent")})
		return
	}
	token, err := h.tokens.Issue(sessionOf(c))
	if err != nil {
		h.logger.Error().Err(err).Msg("issue request token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": message(lang, "service_unavailable")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// checkRequest applies the checks shared by state-changing widget calls and
// writes the error response when one fails.
func (h *chatHandler) checkRequest(c *gin.Context, token, lang string) bool {
	if !isXHR(c) {
		c.JSON(http.StatusBadRequest, gin.H{"error": message(lang, "invalid_request")})
		return false
	}
	if token == "" {
		token = c.GetHeader("X-CSRF-Token")
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": message(lang, "csrf_token_missing")})
		return false
	}
	if err := h.tokens.Verify(token, sessionOf(c)); err != nil {
		h.logger.Debug().Err(err).Msg("request token rejected")
		c.JSON(http.StatusForbidden, gin.H{"error": message(lang, "invalid_csrf_token")})
		return false
	}
	return true
}

func (h *chatHandler) send(c *gin.Context) {
	var req sendRequest
	_ = c.ShouldBind(&req)
	lang := detectLanguage(req.Locale, c.GetHeader("Accept-Language"))

	if !h.checkRequest(c, req.Token, lang) {
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": message(lang, "empty_message")})
		return
	}
	if !h.allow(c, h.sendLimit) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": message(lang, "please_wait")})
		return
	}

	reply, err := h.chat.Send(c.Request.Context(), sessionOf(c), text)
	if err != nil {
		h.logger.Error().Err(err).Str("session", sessionOf(c)).Int("message_len", len(text)).Msg("error processing chat message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": message(lang, "service_unavailable")})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reply":     reply.Text,
		"timestamp": h.now().Format(conversation.HistoryTimeLayout),
	})
}

func (h *chatHandler) history(c *gin.Context) {
	lang := detectLanguage(c.Query("locale"), c.GetHeader("Accept-Language"))
	if !isXHR(c) {
		c.JSON(http.StatusBadRequest, gin.H{"error": message(lang, "invalid_request")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": h.chat.History(c.Request.Context(), sessionOf(c))})
}

func (h *chatHandler) reset(c *gin.Context) {
	var req sendRequest
	_ = c.ShouldBind(&req)
	lang := detectLanguage(req.Locale, c.GetHeader("Accept-Language"))
	if !h.checkRequest(c, req.Token, lang) {
		return
	}
	if err := h.chat.ClearThread(c.Request.Context(), sessionOf(c)); err != nil {
		h.logger.Error().Err(err).Msg("clear thread")
		c.JSON(http.StatusInternalServerError, gin.H{"error": message(lang, "service_unavailable")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
