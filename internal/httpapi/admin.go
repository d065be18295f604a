package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"assistantbridge/internal/admin"
	"assistantbridge/internal/apperr"
	"assistantbridge/internal/provision"
	"assistantbridge/internal/storage"
)

// Admin is the administrative service behind /api/admin.
type Admin interface {
	Configuration(ctx context.Context) (admin.ConfigView, error)
	CreateConfiguration(ctx context.Context, actor string, in admin.ConfigInput) (admin.ConfigView, error)
	UpdateConfiguration(ctx context.Context, actor string, id int64, in admin.ConfigInput) (admin.ConfigView, error)
	DeleteConfiguration(ctx context.Context, actor string, id int64) (provision.Outcome, error)
	ValidateKey(ctx context.Context, key string) admin.KeyCheck
	Models(ctx context.Context, configID int64) ([]string, error)

	Assistant(ctx context.Context, configID int64) (storage.Assistant, error)
	CreateAssistant(ctx context.Context, actor string, configID int64, in admin.AssistantInput) (storage.Assistant, error)
	UpdateAssistant(ctx context.Context, actor string, id int64, in admin.AssistantInput) (storage.Assistant, error)
	DeleteAssistant(ctx context.Context, actor string, id int64) error

	Files(ctx context.Context, configID int64) ([]storage.File, error)
	UploadFiles(ctx context.Context, actor string, configID int64, in admin.UploadInput) (provision.Report, error)
	DeleteFile(ctx context.Context, actor string, id int64) error
}

type adminHandler struct {
	svc    Admin
	logger zerolog.Logger
}

type assistantView struct {
	ID           int64                   `json:"id"`
	ConfigID     int64                   `json:"config_id"`
	Name         string                  `json:"name"`
	Instructions string                  `json:"instructions"`
	Model        string                  `json:"model"`
	ModelManual  string                  `json:"model_manual,omitempty"`
	Temperature  float64                 `json:"temperature"`
	TopP         float64                 `json:"top_p"`
	MaxTokens    int                     `json:"max_tokens"`
	RemoteID     string                  `json:"remote_id,omitempty"`
	Status       storage.AssistantStatus `json:"status"`
	StatusCause  string                  `json:"status_cause,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

func newAssistantView(a storage.Assistant) assistantView {
	v := assistantView{
		ID:           a.ID,
		ConfigID:     a.ConfigID,
		Name:         a.Name,
		Instructions: a.Instructions,
		Model:        a.Model.Name(),
		Temperature:  a.Temperature,
		TopP:         a.TopP,
		MaxTokens:    a.MaxTokens,
		RemoteID:     storage.Deref(a.RemoteID),
		Status:       a.Status,
		StatusCause:  a.StatusCause,
		UpdatedAt:    a.UpdatedAt,
	}
	if a.Model.Kind() == storage.ModelCustom {
		v.Model, v.ModelManual = storage.ManualModel, a.Model.Name()
	}
	return v
}

type fileView struct {
	ID        int64              `json:"id"`
	Filename  string             `json:"filename"`
	RemoteID  string             `json:"remote_id,omitempty"`
	SizeBytes int64              `json:"size_bytes"`
	Status    storage.FileStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func actor(c *gin.Context) string {
	if a := strings.TrimSpace(c.GetHeader("X-Admin-Actor")); a != "" {
		return a
	}
	return "admin"
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// fail maps service errors to responses. Singleton conflicts redirect to the
// existing record with 303.
func (h *adminHandler) fail(c *gin.Context, err error) {
	var (
		exists  *admin.ExistsError
		invalid *admin.ValidationError
		prov    *admin.ProvisionError
	)
	switch {
	case errors.As(err, &exists):
		loc := "/api/admin/configuration"
		if exists.Kind == "assistant" {
			loc = "/api/admin/configuration/" + c.Param("id") + "/assistant"
		}
		c.Header("Location", loc)
		c.JSON(http.StatusSeeOther, gin.H{"message": admin.UserMessage(err), "id": exists.ID})
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": invalid.Message, "field": invalid.Field})
	case errors.As(err, &prov), errors.Is(err, apperr.ErrNoAPIKey), errors.Is(err, apperr.ErrInvalidTransition):
		h.logger.Warn().Err(err).Msg("provisioning failed")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": admin.UserMessage(err)})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": admin.UserMessage(err)})
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("admin request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": admin.UserMessage(err)})
	}
}

func (h *adminHandler) getConfiguration(c *gin.Context) {
	v, err := h.svc.Configuration(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *adminHandler) createConfiguration(c *gin.Context) {
	var in admin.ConfigInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	v, err := h.svc.CreateConfiguration(c.Request.Context(), actor(c), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *adminHandler) updateConfiguration(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var in admin.ConfigInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	v, err := h.svc.UpdateConfiguration(c.Request.Context(), actor(c), id, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *adminHandler) deleteConfiguration(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	out, err := h.svc.DeleteConfiguration(c.Request.Context(), actor(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id, "cleanup": out})
}

func (h *adminHandler) validateKey(c *gin.Context) {
	var in struct {
		APIKey string `json:"api_key"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	c.JSON(http.StatusOK, h.svc.ValidateKey(c.Request.Context(), in.APIKey))
}

func (h *adminHandler) models(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ids, err := h.svc.Models(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": ids})
}

func (h *adminHandler) getAssistant(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	a, err := h.svc.Assistant(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newAssistantView(a))
}

func (h *adminHandler) createAssistant(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var in admin.AssistantInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	a, err := h.svc.CreateAssistant(c.Request.Context(), actor(c), id, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newAssistantView(a))
}

func (h *adminHandler) updateAssistant(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var in admin.AssistantInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	a, err := h.svc.UpdateAssistant(c.Request.Context(), actor(c), id, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newAssistantView(a))
}

func (h *adminHandler) deleteAssistant(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteAssistant(c.Request.Context(), actor(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *adminHandler) listFiles(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	files, err := h.svc.Files(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]fileView, 0, len(files))
	for _, f := range files {
		out = append(out, fileView{
			ID:        f.ID,
			Filename:  f.Filename,
			RemoteID:  storage.Deref(f.RemoteID),
			SizeBytes: f.SizeBytes,
			Status:    f.Status,
			UpdatedAt: f.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"files": out})
}

func (h *adminHandler) uploadFiles(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var in admin.UploadInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	in.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	report, err := h.svc.UploadFiles(c.Request.Context(), actor(c), id, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if report.Duplicate {
		status = http.StatusAccepted
	}
	c.JSON(status, report)
}

func (h *adminHandler) deleteFile(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteFile(c.Request.Context(), actor(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
