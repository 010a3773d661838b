package cache

import (
	"context"
	"fmt"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"moff.io/moff-connect/internal/config"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"strconv"
)

var (
	Redis       *redis.Client
	RateLimiter *redis_rate.Limiter
)

func Init(cred *config.DBCredential) {
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	Redis = redis.NewClient(&redis.Options{
		Addr:     cred.GetRedisAddress(),
		Username: cred.User,
		Password: cred.Password,
		DB:       int(db),
	})
	if _, err := Redis.Ping(context.TODO()).Result(); err != nil {
		log.Fatalf("ping to redis:%v", err)
	}
	RateLimiter = redis_rate.NewLimiter(Redis)
	log.Infof("redis connected at %s", cred.GetRedisAddress())
}

func Close() {
	if Redis != nil {
		Redis.Close()
		Redis = nil
	}
}

// HandshakeLimiter caps websocket handshakes per key and minute.
type HandshakeLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewHandshakeLimiter builds on the limiter set up by Init.
func NewHandshakeLimiter(perMinute int) *HandshakeLimiter {
	return NewHandshakeLimiterWith(RateLimiter, perMinute)
}

func NewHandshakeLimiterWith(limiter *redis_rate.Limiter, perMinute int) *HandshakeLimiter {
	return &HandshakeLimiter{
		limiter: limiter,
		limit:   redis_rate.PerMinute(perMinute),
		prefix:  "moff_connect:handshake:",
	}
}

// Allow reports whether key may open another connection. Redis failures let
// the handshake through.
func (l *HandshakeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := l.limiter.Allow(ctx, l.prefix+key, l.limit)
	if err != nil {
		return true, errors.WrapAndReport(err, fmt.Sprintf("rate limit handshake of %s", key))
	}
	return res.Allowed > 0, nil
}
