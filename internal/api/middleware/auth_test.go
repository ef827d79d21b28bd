package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcloud/deployd/internal/logger"
)

const testAccount = "0x52908400098527886e0f7030069857d2e4169ee7"

func newTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestAuthenticate(t *testing.T) {
	key, publicPEM := newTestKey(t)
	otherKey, _ := newTestKey(t)
	cfg := AuthConfig{JWTPublicKey: publicPEM, APIKeys: []string{"key-1", ""}}

	valid := signToken(t, key, jwt.RegisteredClaims{
		Subject:   testAccount,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	expired := signToken(t, key, jwt.RegisteredClaims{
		Subject:   testAccount,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	foreign := signToken(t, otherKey, jwt.RegisteredClaims{Subject: testAccount})

	tests := []struct {
		name     string
		header   string
		success  bool
		authType string
	}{
		{name: "valid jwt", header: "Bearer " + valid, success: true, authType: AUTH_TYPE_JWT},
		{name: "expired jwt", header: "Bearer " + expired},
		{name: "jwt signed by another key", header: "Bearer " + foreign},
		{name: "valid api key", header: "ApiKey key-1", success: true, authType: AUTH_TYPE_APIKEY},
		{name: "empty api key", header: "ApiKey "},
		{name: "missing header", header: ""},
		{name: "malformed header", header: "token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Authenticate(tt.header, cfg)
			assert.Equal(t, tt.success, result.Success)
			assert.Equal(t, tt.authType, result.AuthType)
			if !tt.success {
				assert.Error(t, result.Error)
			}
		})
	}

	result := Authenticate("Bearer "+valid, AuthConfig{})
	assert.False(t, result.Success)
	assert.ErrorContains(t, result.Error, "not configured")
}

func TestAuth(t *testing.T) {
	require.NoError(t, logger.Initialize(logger.Config{Debug: true}))
	gin.SetMode(gin.TestMode)

	key, publicPEM := newTestKey(t)
	cfg := AuthConfig{JWTPublicKey: publicPEM, APIKeys: []string{"key-1"}}

	router := gin.New()
	router.GET("/whoami", Auth(cfg), func(c *gin.Context) {
		c.String(http.StatusOK, Account(c))
	})
	router.POST("/confirm", APIKeyAuth(cfg), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	serve := func(method, path, authorization, account string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", authorization)
		if account != "" {
			req.Header.Set(ACCOUNT_HEADER, account)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	token := signToken(t, key, jwt.RegisteredClaims{Subject: testAccount})
	badSubject := signToken(t, key, jwt.RegisteredClaims{Subject: "alice"})

	// The JWT subject wins over the header
	w := serve(http.MethodGet, "/whoami", "Bearer "+token, "0x00000000000000000000000000000000000000b0")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", w.Body.String())

	w = serve(http.MethodGet, "/whoami", "ApiKey key-1", testAccount)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", w.Body.String())

	w = serve(http.MethodGet, "/whoami", "Bearer "+badSubject, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(http.MethodGet, "/whoami", "ApiKey key-1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(http.MethodPost, "/confirm", "ApiKey key-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Wallet holders cannot report payment outcomes
	w = serve(http.MethodPost, "/confirm", "Bearer "+token, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
