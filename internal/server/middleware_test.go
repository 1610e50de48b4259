package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/v1/lists", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{validateErr: auth.ErrExpiredToken},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		testContext.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		testContext.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		testContext.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		testContext.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/v1/lists", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		testContext.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestAcceptsQueryTokenOnlyForReads(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{
		tokens: stubTokenValidator{claims: auth.Claims{Scopes: []string{auth.ScopeRead}}},
		logger: zap.NewNop(),
	}

	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/v1/stream?access_token=abc", http.NoBody)
	handler.authorizeRequest(ctx)
	if ctx.IsAborted() {
		testContext.Fatalf("expected query token to authorize a GET, got status %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	ctx, _ = gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/api/v1/categories?access_token=abc", http.NoBody)
	handler.authorizeRequest(ctx)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected query token to be ignored on POST, got status %d", recorder.Code)
	}
}

func TestCORSMiddlewareAllowsAuthorizationHeader(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.example.com"}))
	router.OPTIONS("/api/v1/lists", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/api/v1/lists", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		testContext.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		testContext.Fatalf("expected credentials to be enabled for listed origins")
	}
}

type stubTokenValidator struct {
	claims      auth.Claims
	validateErr error
}

func (s stubTokenValidator) ValidateToken(string) (auth.Claims, error) {
	return s.claims, s.validateErr
}
