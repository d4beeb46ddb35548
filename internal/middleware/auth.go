package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	errNoToken        = errors.New("未提供认证令牌")
	errMalformedToken = errors.New("认证令牌格式错误")
	errInvalidToken   = errors.New("无效的认证令牌")
)

// requestToken 依次取 ?token= 与 Authorization: Bearer。
// 浏览器 WebSocket 无法设置请求头，只能走查询参数
func requestToken(c *gin.Context) (string, error) {
	if t := c.Query("token"); t != "" {
		return t, nil
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", errNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errMalformedToken
	}
	return token, nil
}

// AuthMiddleware expected 为空时不做认证
func AuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}

		token, err := requestToken(c)
		if err == nil && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			err = errInvalidToken
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": err.Error(),
			})
			return
		}
		c.Next()
	}
}
