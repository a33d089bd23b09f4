package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
)

// StaffClaims 工作人员令牌声明
type StaffClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IssueStaffToken 签发工作人员令牌
// 没有在线登录流程，令牌由运维侧用配置密钥签发
func IssueStaffToken(cfg *config.JWTConfig, username, role string) (string, error) {
	now := time.Now()
	claims := &StaffClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(cfg.ExpireHours) * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// ParseStaffToken 校验并解析工作人员令牌
func ParseStaffToken(cfg *config.JWTConfig, tokenString string) (*StaffClaims, error) {
	claims := &StaffClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.New(apperrors.ErrPermissionDenied, "非法的签名算法")
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPermissionDenied)
	}
	if !token.Valid {
		return nil, apperrors.New(apperrors.ErrPermissionDenied, "令牌无效")
	}
	return claims, nil
}

// StaffAuth 工作人员操作守卫
// 锁定、整机开柜、强制释放、故障恢复这些入口必须带有效令牌
func StaffAuth(cfg *config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    apperrors.ErrPermissionDenied,
				"message": "缺少认证令牌",
			})
			c.Abort()
			return
		}

		claims, err := ParseStaffToken(cfg, tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    apperrors.ErrPermissionDenied,
				"message": "无效的令牌",
			})
			c.Abort()
			return
		}

		c.Set("staff_username", claims.Username)
		c.Set("staff_role", claims.Role)
		c.Next()
	}
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// Authorization: Bearer <token>
	bearer := c.GetHeader("Authorization")
	if bearer != "" {
		parts := strings.SplitN(bearer, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}

	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	return ""
}

// StaffActor 从上下文取操作者标识，用于审计记录
func StaffActor(c *gin.Context) string {
	if username, exists := c.Get("staff_username"); exists {
		if name, ok := username.(string); ok && name != "" {
			return name
		}
	}
	return "staff"
}
