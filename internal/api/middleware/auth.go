package middleware

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	apierrors "github.com/neuralcloud/deployd/internal/api/shared/errors"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/logger"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	AUTH_TYPE_KEY    contextKey = "auth_type"
	AUTH_SUBJECT_KEY contextKey = "auth_subject"
	JWT_CLAIMS_KEY   contextKey = "jwt_claims"
	ACCOUNT_KEY      contextKey = "account"
)

const (
	AUTH_TYPE_JWT    = "jwt"
	AUTH_TYPE_APIKEY = "apikey"

	// ACCOUNT_HEADER names the account an API key caller acts for
	ACCOUNT_HEADER = "X-Account"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTPublicKey string // RSA public key in PEM format
	APIKeys      []string
}

// AuthResult holds the result of authentication
type AuthResult struct {
	Success     bool
	AuthType    string // "jwt" or "apikey"
	Claims      *jwt.RegisteredClaims
	AuthSubject string
	Error       error
}

// Authenticate validates the Authorization header and returns the authentication result
func Authenticate(authHeader string, cfg AuthConfig) AuthResult {
	apiKeyMap := make(map[string]bool)
	for _, key := range cfg.APIKeys {
		if key != "" {
			apiKeyMap[key] = true
		}
	}

	result := AuthResult{
		Success: false,
	}

	if authHeader == "" {
		result.Error = errors.New("missing Authorization header")
		return result
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		result.Error = errors.New("invalid Authorization header format")
		return result
	}

	authType := strings.ToLower(parts[0])
	credentials := parts[1]

	switch authType {
	case "bearer":
		claims, err := validateJWT(credentials, cfg.JWTPublicKey)
		if err != nil {
			result.Error = err
			return result
		}
		result.Success = true
		result.AuthType = AUTH_TYPE_JWT
		result.Claims = claims
		result.AuthSubject = claims.Subject

	case "apikey":
		err := validateAPIKey(credentials, apiKeyMap)
		if err != nil {
			result.Error = err
			return result
		}
		result.Success = true
		result.AuthType = AUTH_TYPE_APIKEY

	default:
		result.Error = fmt.Errorf("unsupported authorization type: %s", authType)
		return result
	}

	return result
}

// Auth returns a gin middleware for authentication.
// JWT callers act for the wallet in their subject, API key callers name the account in the X-Account header.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := Authenticate(c.GetHeader("Authorization"), cfg)
		if !result.Success {
			abortUnauthorized(c, result.Error)
			return
		}

		var rawAccount string
		switch result.AuthType {
		case AUTH_TYPE_JWT:
			rawAccount = result.AuthSubject
		case AUTH_TYPE_APIKEY:
			rawAccount = c.GetHeader(ACCOUNT_HEADER)
		}

		account, err := domain.NormalizeAccount(rawAccount)
		if err != nil {
			abortUnauthorized(c, fmt.Errorf("no valid account for caller: %w", err))
			return
		}

		setAuthContext(c, result)
		c.Set(ACCOUNT_KEY, account)

		logger.Debug("Authentication successful",
			zap.String("auth_type", result.AuthType),
			zap.String("path", c.Request.URL.Path),
			logger.Account(account),
		)

		c.Next()
	}
}

// APIKeyAuth returns a gin middleware that only admits API key callers, such as payment watchers
func APIKeyAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := Authenticate(c.GetHeader("Authorization"), cfg)
		if result.Success && result.AuthType != AUTH_TYPE_APIKEY {
			result.Success = false
			result.Error = errors.New("API key required")
		}
		if !result.Success {
			abortUnauthorized(c, result.Error)
			return
		}

		setAuthContext(c, result)
		c.Next()
	}
}

// Account returns the normalized account resolved by Auth
func Account(c *gin.Context) string {
	return c.GetString(ACCOUNT_KEY)
}

func setAuthContext(c *gin.Context, result AuthResult) {
	c.Set(AUTH_TYPE_KEY, result.AuthType)
	if result.Claims != nil {
		c.Set(JWT_CLAIMS_KEY, result.Claims)
	}
	if result.AuthSubject != "" {
		c.Set(AUTH_SUBJECT_KEY, result.AuthSubject)
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	logger.Warn("Authentication failed",
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("client_ip", c.ClientIP()),
	)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": apierrors.NewUnauthorizedError("Authentication failed", err.Error()),
	})
}

// validateJWT validates a JWT token with RSA signature and returns claims
func validateJWT(tokenString string, publicKeyPEM string) (*jwt.RegisteredClaims, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not configured")
	}

	publicKey, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA public key: %w", err)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	now := time.Now()
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(now) {
		return nil, errors.New("token has expired")
	}
	if claims.NotBefore != nil && claims.NotBefore.After(now) {
		return nil, errors.New("token not yet valid")
	}

	return claims, nil
}

// parseRSAPublicKey parses an RSA public key from PEM format
func parseRSAPublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing public key")
	}

	// PKIX first, PKCS1 as fallback
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an RSA key")
	}

	return rsaKey, nil
}

// validateAPIKey validates an API key
func validateAPIKey(apiKey string, validKeys map[string]bool) error {
	if len(validKeys) == 0 {
		return errors.New("no API keys configured")
	}

	if !validKeys[apiKey] {
		return errors.New("invalid API key")
	}

	return nil
}
