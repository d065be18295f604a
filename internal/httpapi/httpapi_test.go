package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"assistantbridge/internal/admin"
	"assistantbridge/internal/apperr"
	"assistantbridge/internal/conversation"
	"assistantbridge/internal/provision"
	"assistantbridge/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChat struct {
	err      error
	sessions []string
	texts    []string
	cleared  []string
	history  []conversation.HistoryEntry
}

func (f *fakeChat) Send(_ context.Context, session, text string) (conversation.Reply, error) {
	f.sessions = append(f.sessions, session)
	f.texts = append(f.texts, text)
	if f.err != nil {
		return conversation.Reply{}, f.err
	}
	return conversation.Reply{Text: "echo: " + text}, nil
}

func (f *fakeChat) History(context.Context, string) []conversation.HistoryEntry {
	if f.history == nil {
		return []conversation.HistoryEntry{}
	}
	return f.history
}

func (f *fakeChat) ClearThread(_ context.Context, session string) error {
	f.cleared = append(f.cleared, session)
	return nil
}

type switchLimiter struct{ deny bool }

func (l *switchLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	if l.deny {
		return false, time.Second, nil
	}
	return true, 0, nil
}

type widget struct {
	router    *gin.Engine
	chat      *fakeChat
	sendLimit *switchLimiter
	tokLimit  *switchLimiter
	cookie    *http.Cookie
}

func newWidget(t *testing.T) *widget {
	t.Helper()
	w := &widget{chat: &fakeChat{}, sendLimit: &switchLimiter{}, tokLimit: &switchLimiter{}}
	w.router = NewRouter(Config{
		Chat:       w.chat,
		Tokens:     NewTokens("test-secret", time.Hour),
		SendLimit:  w.sendLimit,
		TokenLimit: w.tokLimit,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) },
	})
	return w
}

func (w *widget) do(req *http.Request) *httptest.ResponseRecorder {
	if w.cookie != nil {
		req.AddCookie(w.cookie)
	}
	rec := httptest.NewRecorder()
	w.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			w.cookie = c
		}
	}
	return rec
}

func (w *widget) token(t *testing.T) string {
	t.Helper()
	rec := w.do(httptest.NewRequest(http.MethodGet, "/api/chat/token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["token"])
	return body["token"]
}

func sendForm(message, token string, xhr bool) *http.Request {
	form := url.Values{"message": {message}, "REQUEST_TOKEN": {token}}
	req := httptest.NewRequest(http.MethodPost, "/api/chat/send", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if xhr {
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	return req
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	msg, _ := body["error"].(string)
	return msg
}

func TestSendHappyPath(t *testing.T) {
	w := newWidget(t)
	token := w.token(t)
	require.NotNil(t, w.cookie)

	rec := w.do(sendForm("  Hello  ", token, true))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "echo: Hello", body["reply"])
	require.Equal(t, "2024-05-01 12:30:00", body["timestamp"])
	require.Equal(t, []string{"web:" + w.cookie.Value}, w.chat.sessions)
}

func TestSendJSONWithHeaderToken(t *testing.T) {
	w := newWidget(t)
	token := w.token(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/send", strings.NewReader(`{"message":"Hallo","locale":"de"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("X-CSRF-Token", token)
	rec := w.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendRejections(t *testing.T) {
	w := newWidget(t)
	token := w.token(t)

	rec := w.do(sendForm("Hi", token, false))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Invalid request", errorOf(t, rec))

	rec = w.do(sendForm("Hi", "", true))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "CSRF token missing", errorOf(t, rec))

	other := NewTokens("test-secret", time.Hour)
	foreign, err := other.Issue("web:someone-else")
	require.NoError(t, err)
	rec = w.do(sendForm("Hi", foreign, true))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = w.do(sendForm("   ", token, true))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Empty message", errorOf(t, rec))

	require.Empty(t, w.chat.texts)
}

func TestSendRateLimitedInGerman(t *testing.T) {
	w := newWidget(t)
	token := w.token(t)
	w.sendLimit.deny = true

	req := sendForm("Hi", token, true)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")
	rec := w.do(req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "Bitte warten Sie, bevor Sie eine weitere Nachricht senden", errorOf(t, rec))
}

func TestSendHidesInternalErrors(t *testing.T) {
	w := newWidget(t)
	token := w.token(t)
	w.chat.err = &apperr.RunFailedError{Status: "failed"}

	rec := w.do(sendForm("Hi", token, true))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Service temporarily unavailable", errorOf(t, rec))
	require.NotContains(t, rec.Body.String(), "failed")
}

func TestTokenRateLimit(t *testing.T) {
	w := newWidget(t)
	w.tokLimit.deny = true
	rec := w.do(httptest.NewRequest(http.MethodGet, "/api/chat/token", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "Token requests too frequent", errorOf(t, rec))
}

func TestHistoryAndReset(t *testing.T) {
	w := newWidget(t)
	token := w.token(t)
	w.chat.history = []conversation.HistoryEntry{{Role: "user", Content: "Hi", Timestamp: "2024-05-01 12:00:00"}}

	rec := w.do(httptest.NewRequest(http.MethodGet, "/api/chat/history", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/history", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec = w.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		History []conversation.HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 1)

	req = httptest.NewRequest(http.MethodPost, "/api/chat/reset", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("X-CSRF-Token", token)
	rec = w.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"web:" + w.cookie.Value}, w.chat.cleared)
}

func TestDetectLanguage(t *testing.T) {
	require.Equal(t, "de", detectLanguage("", "de"))
	require.Equal(t, "de", detectLanguage("", "en-US,de-DE;q=0.5"))
	require.Equal(t, "en", detectLanguage("", "fr-FR"))
	require.Equal(t, "de", detectLanguage("de_DE", "en"))
	require.Equal(t, "en", detectLanguage("", ""))
}

type fakeAdmin struct {
	Admin
	createErr error
	deleted   []int64
}

func (f *fakeAdmin) Configuration(context.Context) (admin.ConfigView, error) {
	return admin.ConfigView{}, storage.ErrNotFound
}

func (f *fakeAdmin) CreateConfiguration(context.Context, string, admin.ConfigInput) (admin.ConfigView, error) {
	if f.createErr != nil {
		return admin.ConfigView{}, f.createErr
	}
	return admin.ConfigView{ID: 1, Title: "Support", HasAPIKey: true}, nil
}

func (f *fakeAdmin) CreateAssistant(context.Context, string, int64, admin.AssistantInput) (storage.Assistant, error) {
	return storage.Assistant{}, &admin.ProvisionError{Err: &apperr.IncompatibleModelError{Model: "o1"}}
}

func (f *fakeAdmin) DeleteConfiguration(_ context.Context, _ string, id int64) (provision.Outcome, error) {
	f.deleted = append(f.deleted, id)
	return provision.Outcome{Attempted: 6, Succeeded: 5, Failed: 1}, nil
}

func newAdminRouter(f *fakeAdmin) *gin.Engine {
	return NewRouter(Config{Admin: f, AdminToken: "secret", Logger: zerolog.Nop()})
}

func adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAdminRequiresToken(t *testing.T) {
	r := newAdminRouter(&fakeAdmin{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/configuration", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/configuration", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminErrorMapping(t *testing.T) {
	f := &fakeAdmin{}
	r := newAdminRouter(f)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/configuration", ""))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/admin/configuration", `{"title":"Support","api_key":"sk-x"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	f.createErr = &admin.ExistsError{Kind: "configuration", ID: 1}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/admin/configuration", `{"title":"Other"}`))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/api/admin/configuration", rec.Header().Get("Location"))

	f.createErr = &admin.ValidationError{Field: "api_key", Message: "Invalid API key."}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/admin/configuration", `{"title":"Other"}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "Invalid API key.", errorOf(t, rec))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/admin/configuration/1/assistant", `{"name":"Helper","model":"o1"}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, errorOf(t, rec), `"o1"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminRequest(http.MethodDelete, "/api/admin/configuration/abc", ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDeleteReportsCleanup(t *testing.T) {
	f := &fakeAdmin{}
	r := newAdminRouter(f)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminRequest(http.MethodDelete, "/api/admin/configuration/1", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Deleted int64             `json:"deleted"`
		Cleanup provision.Outcome `json:"cleanup"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(1), body.Deleted)
	require.Equal(t, 6, body.Cleanup.Attempted)
	require.Equal(t, []int64{1}, f.deleted)
}

func TestTokensRejectExpiredAndForeign(t *testing.T) {
	tokens := NewTokens("k", time.Minute)
	now := time.Now()
	tokens.now = func() time.Time { return now }
	tok, err := tokens.Issue("web:a")
	require.NoError(t, err)
	require.NoError(t, tokens.Verify(tok, "web:a"))
	require.True(t, errors.Is(tokens.Verify(tok, "web:b"), errTokenSession))

	tokens.now = func() time.Time { return now.Add(2 * time.Minute) }
	require.Error(t, tokens.Verify(tok, "web:a"))

	require.Error(t, NewTokens("other", time.Minute).Verify(tok, "web:a"))
}
