package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter 刷卡与预定入口的限流器
// IP维度在中间件里挡，卡号维度由处理器在解析请求体后检查。
// 令牌桶按键惰性创建，闲置后由缓存TTL回收
type RateLimiter struct {
	cfg      *config.RateLimitConfig
	perIP    *gocache.Cache
	perCard  *gocache.Cache
	ipRate   rate.Limit
	cardRate rate.Limit
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		perIP:    gocache.New(10*time.Minute, 5*time.Minute),
		perCard:  gocache.New(10*time.Minute, 5*time.Minute),
		ipRate:   rate.Limit(cfg.PerIPPerMin / 60),
		cardRate: rate.Limit(cfg.PerCardPerMin / 60),
	}
}

// limiterFor 取键对应的令牌桶，不存在则创建
func limiterFor(cache *gocache.Cache, key string, r rate.Limit, burst int) *rate.Limiter {
	if v, ok := cache.Get(key); ok {
		if l, ok := v.(*rate.Limiter); ok {
			// 续期，活跃键不被回收
			cache.SetDefault(key, l)
			return l
		}
	}
	l := rate.NewLimiter(r, burst)
	cache.SetDefault(key, l)
	return l
}

// AllowCard 检查卡号是否超出刷卡频率
func (rl *RateLimiter) AllowCard(cardID string) bool {
	if !rl.cfg.Enabled || cardID == "" {
		return true
	}
	return limiterFor(rl.perCard, cardID, rl.cardRate, rl.cfg.Burst).Allow()
}

// PerIP IP维度限流中间件
func (rl *RateLimiter) PerIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.cfg.Enabled {
			c.Next()
			return
		}

		if !limiterFor(rl.perIP, c.ClientIP(), rl.ipRate, rl.cfg.Burst).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    apperrors.ErrRateLimited,
				"message": "请求过于频繁，请稍后再试",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
