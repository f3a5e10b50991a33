package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/leadclaim/internal/caller"
	obscontext "github.com/smallbiznis/leadclaim/internal/observability/context"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// CallerRequired resolves the caller from a bearer token when a signing secret is configured,
// otherwise from the trusted X-User-Id / X-User-Role headers set by the fronting gateway.
func (s *Server) CallerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		who, err := s.resolveCaller(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := caller.WithCaller(c.Request.Context(), who)
		ctx = obscontext.WithCaller(ctx, who.Role(), who.ID().String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) resolveCaller(c *gin.Context) (caller.User, error) {
	if secret := s.cfg.CallerJWTSecret; secret != "" {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return caller.User{}, ErrUnauthorized
		}
		return caller.ParseToken(secret, strings.TrimSpace(token))
	}

	rawID := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if rawID == "" {
		return caller.User{}, ErrUnauthorized
	}
	id, err := snowflake.ParseString(rawID)
	if err != nil || id <= 0 {
		return caller.User{}, ErrUnauthorized
	}
	return caller.NewUser(id, c.GetHeader(HeaderUserRole)), nil
}

func callerFrom(c *gin.Context) (caller.Caller, error) {
	return caller.FromContext(c.Request.Context())
}

// throttleClaims applies the per-user claim rate limit when one is configured.
func (s *Server) throttleClaims() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.claimLimiter.Enabled() {
			c.Next()
			return
		}
		who, err := callerFrom(c)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		res := s.claimLimiter.AllowAcquire(c.Request.Context(), who.ID())
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
				Type:    "rate_limited",
				Message: "too many claim requests",
			}})
			return
		}
		c.Next()
	}
}
