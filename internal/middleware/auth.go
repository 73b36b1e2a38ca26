// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hyperchat-go/pkg/log"
	"hyperchat-go/pkg/token"
)

// TicketAuth 创建一个 Gin 中间件，验证连接票据。
// 票据优先取路径参数 :token，其次取 "Authorization: Bearer <ticket>" 请求头。
func TicketAuth(tickets *token.TicketManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket := c.Param("token")
		if ticket == "" {
			const bearerPrefix = "Bearer "
			authHeader := c.GetHeader("Authorization")
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含连接票据", "data": nil})
				return
			}
			ticket = strings.TrimPrefix(authHeader, bearerPrefix)
		}

		claims, err := tickets.Verify(ticket)
		if err != nil {
			log.Warnf("连接票据验证失败: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的连接票据", "data": nil})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
