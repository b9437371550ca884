package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/songzhibin97/ticketflow/metrics"
	"github.com/songzhibin97/ticketflow/types"
	"go.uber.org/zap"
)

const actorKey = "ticketflow.actor"

// Claims are the bearer token claims identifying an actor.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for actor.
func SignToken(secret []byte, actor types.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   actor.ID,
		Username: actor.Username,
		Admin:    actor.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "ticketflow",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates an HS256 token and returns the actor it names.
func ParseToken(secret []byte, tokenString string) (types.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return types.Actor{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Actor{}, errors.New("invalid token")
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return types.Actor{}, errors.New("token names no user")
	}
	return types.Actor{ID: id, Username: claims.Username, IsAdmin: claims.Admin}, nil
}

// AuthMiddleware resolves the actor from the Authorization bearer token.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if header == "" || tokenString == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, failure(http.StatusUnauthorized, "missing bearer token"))
			return
		}
		actor, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, failure(http.StatusUnauthorized, "invalid or expired token: "+err.Error()))
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// AdminMiddleware rejects non-admin actors.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a, ok := actorFrom(c); !ok || !a.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, failure(http.StatusForbidden, "admin privileges required"))
			return
		}
		c.Next()
	}
}

// MetricsMiddleware records request counts and latencies by route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func actorFrom(c *gin.Context) (types.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return types.Actor{}, false
	}
	a, ok := v.(types.Actor)
	return a, ok
}
