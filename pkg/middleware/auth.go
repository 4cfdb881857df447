package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
)

const (
	userContextKey = "authz.user"

	// ProviderHeader carries the provider id when a delegate acts on a
	// provider's behalf. The delegation itself is validated downstream.
	ProviderHeader = "X-Provider-ID"
)

// Claims is the token payload the issuer puts on access tokens.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authn returns a middleware that resolves the caller identity from a
// bearer token signed with the shared secret.
func Authn(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		var claims Claims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid subject"})
			return
		}

		user := principal.User{ID: userID}
		for _, r := range claims.Roles {
			if role, ok := principal.ParseRole(strings.ToUpper(r)); ok {
				user.Roles = append(user.Roles, role)
			}
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFromGinContext extracts the caller identity stored by Authn.
func UserFromGinContext(c *gin.Context) (principal.User, error) {
	if value, ok := c.Get(userContextKey); ok {
		if user, ok := value.(principal.User); ok {
			return user, nil
		}
	}
	return principal.User{}, errors.New("user not found in context")
}

// DelegationFromRequest reads the optional provider context header. The
// returned value is nil when the caller acts as itself.
func DelegationFromRequest(c *gin.Context) (*principal.Delegation, error) {
	raw := c.GetHeader(ProviderHeader)
	if raw == "" {
		return nil, nil
	}
	providerID, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid provider id header")
	}
	return &principal.Delegation{ProviderID: providerID}, nil
}
