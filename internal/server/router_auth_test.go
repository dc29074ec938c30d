package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/corkboard/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUserResolver struct {
	userID string
	err    error
}

func (s stubUserResolver) ResolveCanonicalUserID(context.Context, auth.SessionClaims) (string, error) {
	return s.userID, s.err
}

func runAuthorize(t *testing.T, handler *httpHandler) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/boards/board-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	ctx.Request = request
	handler.authorizeRequest(ctx)
	return recorder, ctx
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		users:    stubUserResolver{},
		logger:   zap.New(core),
	}

	recorder, _ := runAuthorize(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrInvalidSessionToken},
		users:    stubUserResolver{},
		logger:   zap.New(core),
	}

	recorder, _ := runAuthorize(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %+v", entries)
	}
}

func TestAuthorizeRequestStoresCanonicalUser(t *testing.T) {
	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "google:123"}},
		users:    stubUserResolver{userID: "user-123"},
		logger:   zap.NewNop(),
	}

	recorder, ctx := runAuthorize(t, handler)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected request to pass, got %d", recorder.Code)
	}
	if ctx.IsAborted() {
		t.Fatalf("expected request not to be aborted")
	}
	if got := ctx.GetString(userIDContextKey); got != "user-123" {
		t.Fatalf("expected canonical user id, got %q", got)
	}
}

func TestAuthorizeRequestRejectsUnresolvableIdentity(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{}},
		users:    stubUserResolver{err: errors.New("identity store offline")},
		logger:   zap.New(core),
	}

	recorder, _ := runAuthorize(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if logs.FilterMessage("failed to resolve user identity").Len() != 1 {
		t.Fatalf("expected identity failure to be logged")
	}
}
