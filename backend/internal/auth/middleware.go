package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userKey = "currentUser"

type ctxKey struct{}

// Middleware 校验访问 token，把 User 放进 gin.Context 和 request context
func Middleware(s *Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		u, err := s.VerifyAccess(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": err.Error(),
			})
			return
		}

		c.Set(userKey, u)
		c.Set("userId", u.ID)
		c.Set("username", u.Username)
		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), u))
		c.Next()
	}
}

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// CurrentUser 从 context 中取当前用户
func CurrentUser(ctx context.Context) (User, bool) {
	if gc, ok := ctx.(*gin.Context); ok {
		if v, exists := gc.Get(userKey); exists {
			u, ok := v.(User)
			return u, ok
		}
		if gc.Request == nil {
			return User{}, false
		}
		ctx = gc.Request.Context()
	}
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
