// Package auth verifies bearer tokens and exposes the caller's identity
// to handlers. Token issuance belongs to the identity provider; this
// side only verifies.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/aidenhq/aiden/internal/common/errors"
)

// identityKey is where RequireAuth stores the parsed identity in the
// request context.
const identityKey = "auth.identity"

// Identity is the verified caller.
type Identity struct {
	UserID    string
	DynamicID string
	Admin     bool
}

// Verifier checks HMAC-signed bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier over the shared signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates a token and extracts the identity claims.
func (v *Verifier) Parse(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	identity := &Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		identity.UserID = sub
	}
	if identity.UserID == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	if dynamicID, ok := claims["dynamic_id"].(string); ok {
		identity.DynamicID = dynamicID
	}
	if role, ok := claims["role"].(string); ok {
		identity.Admin = role == "admin"
	}
	return identity, nil
}

// Sign issues a token for an identity. Used by tests and ops tooling.
func (v *Verifier) Sign(identity Identity, ttl time.Duration) (string, error) {
	role := "user"
	if identity.Admin {
		role = "admin"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        identity.UserID,
		"dynamic_id": identity.DynamicID,
		"role":       role,
		"exp":        time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}

// RequireAuth rejects requests without a valid bearer token.
func (v *Verifier) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			abortWith(c, apperrors.Unauthorized("missing bearer token"))
			return
		}

		identity, err := v.Parse(tokenString)
		if err != nil {
			abortWith(c, apperrors.Unauthorized("invalid bearer token"))
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers. Must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := FromContext(c)
		if !ok {
			abortWith(c, apperrors.Unauthorized("missing bearer token"))
			return
		}
		if !identity.Admin {
			abortWith(c, apperrors.PermissionDenied("admin role required"))
			return
		}
		c.Next()
	}
}

// FromContext returns the verified identity set by RequireAuth.
func FromContext(c *gin.Context) (*Identity, bool) {
	value, exists := c.Get(identityKey)
	if !exists {
		return nil, false
	}
	identity, ok := value.(*Identity)
	return identity, ok
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"code":    err.Code,
		"message": err.Message,
	})
}

// CanAccess reports whether the identity may act on a resource owned by
// ownerID.
func (i *Identity) CanAccess(ownerID string) bool {
	return i.Admin || i.UserID == ownerID
}
