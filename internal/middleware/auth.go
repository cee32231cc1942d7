package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Admin token errors
var (
	ErrMissingToken = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid admin token")
	ErrExpiredToken = errors.New("admin token expired")
	ErrWrongToken   = errors.New("invalid token")
)

const adminRealm = "FleetGate"

// IssueAdminToken signs an HS256 admin token for subject with role.
// Used by the CLI and tests; the control plane itself only verifies.
func IssueAdminToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken verifies tokenString and returns its principal
func ParseAdminToken(secret, tokenString string) (*models.Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	subject, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if role != models.RoleOperator && role != models.RoleOwner {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	return &models.Principal{Subject: subject, Role: role}, nil
}

// BearerToken extracts the token from an Authorization header
func BearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// RequireAdminToken authenticates administrative callers with a JWT bearer token
// and stores the principal on both the gin and the request context.
func RequireAdminToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := BearerToken(c)
		if err != nil {
			abortUnauthorized(c, adminRealm, err)
			return
		}
		principal, err := ParseAdminToken(secret, raw)
		if err != nil {
			abortUnauthorized(c, adminRealm, err)
			return
		}

		c.Set("principal", principal)
		c.Request = c.Request.WithContext(models.SetPrincipalContext(c.Request.Context(), principal))
		c.Next()
	}
}

// RequireOperator rejects callers without the operator role.
// It must run after RequireAdminToken.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !models.GetPrincipalFromContext(c).IsOperator() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "forbidden",
				"error_description": "operator role required",
			})
			return
		}
		c.Next()
	}
}

// RequireStaticToken guards an endpoint, such as the Prometheus scrape
// target, with one shared bearer token. An empty token leaves it open.
func RequireStaticToken(realm, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		provided, err := BearerToken(c)
		if err != nil {
			abortUnauthorized(c, realm, err)
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			abortUnauthorized(c, realm, ErrWrongToken)
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, realm string, err error) {
	c.Header("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", realm))
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":             "unauthorized",
		"error_description": err.Error(),
	})
}
