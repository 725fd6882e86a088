package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"canopy-ledger/internal/services/earnings/payout"
	"canopy-ledger/internal/utils"
)

const callerKey = "earnings.caller"

// JWTAuth verifies the bearer token and stores the caller on the gin context.
func JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "missing bearer token",
			})
			return
		}

		claims, err := utils.ParseToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "invalid or expired token",
			})
			return
		}

		c.Set(callerKey, &payout.Caller{UserID: claims.UserID, Role: claims.Role, DispensaryID: claims.DispensaryID})
		c.Next()
	}
}

// CallerFrom returns the authenticated caller, or nil outside JWTAuth.
func CallerFrom(c *gin.Context) *payout.Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil
	}
	caller, _ := v.(*payout.Caller)
	return caller
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerFrom(c)
		if caller == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
			return
		}
		for _, r := range roles {
			if caller.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "insufficient role"})
	}
}
