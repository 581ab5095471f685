package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// CallbackClaims is what the gateway signs when it pushes a payment confirmation.
type CallbackClaims struct {
	MD5 string `json:"md5"`
	jwt.RegisteredClaims
}

const callbackClaimsKey = "callback_claims"

// RequireCallbackToken checks an HS256 bearer token signed with secret and
// stores its claims on the context. The token must carry an md5 and an expiry.
func RequireCallbackToken(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		var claims CallbackClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || claims.MD5 == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
			return
		}

		c.Set(callbackClaimsKey, &claims)
		c.Next()
	}
}

func Claims(c *gin.Context) (*CallbackClaims, bool) {
	v, ok := c.Get(callbackClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*CallbackClaims)
	return claims, ok
}
