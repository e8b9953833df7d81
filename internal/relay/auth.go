package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/bslsalud/opchat/internal/config"
)

const tokenTTL = 12 * time.Hour

// AuthClaims is the JWT payload issued at login.
type AuthClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// IssueToken signs a session token for an agent.
func IssueToken(username, secret string) (string, error) {
	claims := AuthClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates a token and returns the agent username.
func ParseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AuthClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*AuthClaims)
	if !ok || !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Username, nil
}

// AuthMiddleware guards API routes with a bearer token.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
			return
		}
		username, err := ParseToken(strings.TrimPrefix(h, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}
		c.Set("agent", username)
		c.Next()
	}
}

// MustAgent returns the authenticated agent username set by AuthMiddleware.
func MustAgent(c *gin.Context) string {
	v, _ := c.Get("agent")
	return v.(string)
}

// checkPassword verifies a login attempt against the configured agent.
// Passwords in config are bcrypt hashes; a plaintext value is accepted too so
// a fresh install works before hashes are generated.
func checkPassword(agent *config.Agent, password string) bool {
	if agent == nil || !agent.Active {
		return false
	}
	if strings.HasPrefix(agent.Password, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(agent.Password), []byte(password)) == nil
	}
	return agent.Password != "" && agent.Password == password
}

// HashPassword generates the bcrypt hash stored in config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}
