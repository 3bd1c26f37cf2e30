package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/lumenbank/lumen/internal/auth"
	testutil "github.com/lumenbank/lumen/internal/database/testutil"
	"github.com/lumenbank/lumen/internal/middleware"
	"github.com/lumenbank/lumen/internal/models"
	"github.com/lumenbank/lumen/internal/services"
	"github.com/lumenbank/lumen/pkg/crypto"
)

type handlerEnv struct {
	db     *gorm.DB
	router *gin.Engine
}

func setupHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "handler-secret",
		Issuer:         "lumen",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	sessionSvc, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{})
	require.NoError(t, err)

	auditSvc, err := services.NewAuditService(db)
	require.NoError(t, err)

	userSvc, err := services.NewUserService(db)
	require.NoError(t, err)

	otpSvc, err := services.NewOTPService(db, nil, auditSvc)
	require.NoError(t, err)

	authHandler := NewAuthHandler(userSvc, otpSvc, sessionSvc)
	otpHandler := NewOTPHandler(otpSvc, userSvc, sessionSvc)
	auditHandler := NewAuditHandler(auditSvc)

	r := gin.New()
	r.GET("/health", Health(db))

	auth := r.Group("/api/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/otp/request", otpHandler.Request)
		auth.POST("/otp/verify", otpHandler.Verify)
	}

	protected := r.Group("/api")
	protected.Use(middleware.Auth(jwtSvc))
	{
		protected.POST("/auth/logout", authHandler.Logout)
		protected.GET("/auth/me", authHandler.Me)
		protected.GET("/audit", auditHandler.List)
	}

	return &handlerEnv{db: db, router: r}
}

func (e *handlerEnv) createUser(t *testing.T, email string, otpEnabled bool) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("correct horse")
	require.NoError(t, err)

	user := &models.User{
		Email:        email,
		PasswordHash: hashed,
		IsActive:     true,
		OTPEnabled:   otpEnabled,
	}
	require.NoError(t, e.db.Create(user).Error)
	return user
}

func (e *handlerEnv) latestCode(t *testing.T, userID string) string {
	t.Helper()

	var record models.OTPCode
	require.NoError(t, e.db.
		Where("user_id = ? AND used = ?", userID, false).
		Order("issued_at DESC").
		Take(&record).Error)
	return record.Code
}

func (e *handlerEnv) postJSON(t *testing.T, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload
}

func TestOTPRequestEndpoint(t *testing.T) {
	env := setupHandlerEnv(t)
	env.createUser(t, "alice@example.com", true)

	w := env.postJSON(t, "/api/auth/otp/request", gin.H{"email": "alice@example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	known := decodeBody(t, w)
	data := known["data"].(map[string]any)
	require.Equal(t, float64(10), data["expires_in_minutes"])

	// Unknown addresses get a byte-identical success body.
	w2 := env.postJSON(t, "/api/auth/otp/request", gin.H{"email": "ghost@example.com"}, nil)
	require.Equal(t, http.StatusOK, w2.Code)
	require.JSONEq(t, w.Body.String(), w2.Body.String())

	w3 := env.postJSON(t, "/api/auth/otp/request", gin.H{"email": "not-an-email"}, nil)
	require.Equal(t, http.StatusBadRequest, w3.Code)
}

func TestOTPRequestNotEligible(t *testing.T) {
	env := setupHandlerEnv(t)
	env.createUser(t, "bob@example.com", false)

	w := env.postJSON(t, "/api/auth/otp/request", gin.H{"email": "bob@example.com"}, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	payload := decodeBody(t, w)
	require.Equal(t, false, payload["success"])
}

func TestOTPVerifyEndpoint(t *testing.T) {
	env := setupHandlerEnv(t)
	user := env.createUser(t, "alice@example.com", true)

	w := env.postJSON(t, "/api/auth/otp/request", gin.H{"email": "alice@example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	code := env.latestCode(t, user.ID)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	w = env.postJSON(t, "/api/auth/otp/verify", gin.H{"email": "alice@example.com", "otp_code": wrong}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	payload := decodeBody(t, w)
	errBody := payload["error"].(map[string]any)
	fields := errBody["fields"].(map[string]any)
	require.Equal(t, float64(4), fields["remaining_attempts"])

	w = env.postJSON(t, "/api/auth/otp/verify", gin.H{"email": "alice@example.com", "otp_code": code}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	payload = decodeBody(t, w)
	data := payload["data"].(map[string]any)
	require.Equal(t, user.ID, data["subject_id"])

	tokens := data["tokens"].(map[string]any)
	require.NotEmpty(t, tokens["access_token"])
	require.NotEmpty(t, tokens["refresh_token"])
}

func TestOTPVerifyRejectsBadFormat(t *testing.T) {
	env := setupHandlerEnv(t)
	env.createUser(t, "alice@example.com", true)

	for _, code := range []string{"12345", "abcdef", "1234567"} {
		w := env.postJSON(t, "/api/auth/otp/verify", gin.H{"email": "alice@example.com", "otp_code": code}, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, "code %q", code)
	}
}

func TestLoginRequiresOTPForEligibleAccounts(t *testing.T) {
	env := setupHandlerEnv(t)
	user := env.createUser(t, "alice@example.com", true)

	w := env.postJSON(t, "/api/auth/login", gin.H{"email": "alice@example.com", "password": "correct horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	require.Equal(t, true, data["otp_required"])
	require.NotContains(t, data, "tokens")

	// The issued code completes the login.
	code := env.latestCode(t, user.ID)
	w = env.postJSON(t, "/api/auth/otp/verify", gin.H{"email": "alice@example.com", "otp_code": code}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeBody(t, w)["data"].(map[string]any)
	require.Contains(t, data, "tokens")
}

func TestLoginIssuesTokensDirectlyWhenNotEligible(t *testing.T) {
	env := setupHandlerEnv(t)
	env.createUser(t, "carol@example.com", false)

	w := env.postJSON(t, "/api/auth/login", gin.H{"email": "carol@example.com", "password": "correct horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	require.Contains(t, data, "tokens")

	w = env.postJSON(t, "/api/auth/login", gin.H{"email": "carol@example.com", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	env := setupHandlerEnv(t)
	env.createUser(t, "carol@example.com", false)

	w := env.postJSON(t, "/api/auth/login", gin.H{"email": "carol@example.com", "password": "correct horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	tokens := decodeBody(t, w)["data"].(map[string]any)["tokens"].(map[string]any)

	w = env.postJSON(t, "/api/auth/refresh", gin.H{"refresh_token": tokens["refresh_token"]}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rotated := decodeBody(t, w)["data"].(map[string]any)
	require.NotEqual(t, tokens["refresh_token"], rotated["refresh_token"])

	// The original refresh token died with the rotation.
	w = env.postJSON(t, "/api/auth/refresh", gin.H{"refresh_token": tokens["refresh_token"]}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	headers := map[string]string{"Authorization": "Bearer " + rotated["access_token"].(string)}
	w = env.postJSON(t, "/api/auth/logout", gin.H{}, headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.postJSON(t, "/api/auth/refresh", gin.H{"refresh_token": rotated["refresh_token"]}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuditEndpointRequiresAuth(t *testing.T) {
	env := setupHandlerEnv(t)
	env.createUser(t, "carol@example.com", false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	login := env.postJSON(t, "/api/auth/login", gin.H{"email": "carol@example.com", "password": "correct horse"}, nil)
	tokens := decodeBody(t, login)["data"].(map[string]any)["tokens"].(map[string]any)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/audit?action=otp.issue", nil)
	req.Header.Set("Authorization", "Bearer "+tokens["access_token"].(string))
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := setupHandlerEnv(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}
