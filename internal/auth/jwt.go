// internal/auth/jwt.go
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/orbvpn/orbx.socks5tun/pkg/models"
)

var (
	ErrMissingToken     = errors.New("missing authorization token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrUnknownRole      = errors.New("unknown role")
)

const claimsContextKey = "claims"

// JWTAuthenticator handles JWT token validation
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: []byte(secret),
	}
}

// IssueToken signs a token for subject with role, valid for ttl
func (j *JWTAuthenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if role != models.RoleViewer && role != models.RoleOperator {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns control claims
func (j *JWTAuthenticator) ValidateToken(tokenString string) (*models.ControlClaims, error) {
	// Parse token
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}

	// Extract claims
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if subject == "" {
		return nil, ErrInvalidToken
	}
	if role != models.RoleViewer && role != models.RoleOperator {
		return nil, ErrUnknownRole
	}

	controlClaims := &models.ControlClaims{
		Subject: subject,
		Role:    role,
	}

	// Parse timestamps
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		controlClaims.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		controlClaims.IssuedAt = iat.Time
	}

	return controlClaims, nil
}

// Middleware authenticates bearer tokens on gin routes
func Middleware(auth *JWTAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		// Validate token
		claims, err := auth.ValidateToken(token)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token has expired"})
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			}
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header value
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", fmt.Errorf("%w: expected a Bearer authorization header", ErrInvalidToken)
	}
	return parts[1], nil
}

// RequireOperator rejects clients whose role may only read
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := GetClaims(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if !claims.CanOperate() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Operator role required"})
			return
		}
		c.Next()
	}
}

// GetClaims extracts control claims set by Middleware
func GetClaims(c *gin.Context) (*models.ControlClaims, error) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, errors.New("claims not found in context")
	}
	claims, ok := v.(*models.ControlClaims)
	if !ok {
		return nil, errors.New("claims not found in context")
	}
	return claims, nil
}
