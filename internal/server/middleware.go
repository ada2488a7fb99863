package server

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/datacleanup/tally/internal/accountctx"
	apikeydomain "github.com/datacleanup/tally/internal/apikey/domain"
	"github.com/datacleanup/tally/internal/ratelimit"
)

const (
	contextAuthTypeKey     = "auth_type"
	contextAccountIDKey    = "account_id"
	contextAPIKeyIDKey     = "api_key_id"
	contextAPIKeyScopesKey = "api_key_scopes"
	contextPlanKey         = "plan"

	authTypeAPIKey = "api_key"
	authTypeAdmin  = "admin_token"
)

// APIKeyRequired authenticates requests with a bearer API key. Account
// identity is derived solely from the api_keys table.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.apiKeySvc.Authenticate(c.Request.Context(), rawKey)
		if err != nil {
			if errors.Is(err, apikeydomain.ErrInvalidKey) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			AbortWithError(c, err)
			return
		}

		ctx := accountctx.WithAccountID(c.Request.Context(), int64(key.AccountID))
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextAuthTypeKey, authTypeAPIKey)
		c.Set(contextAccountIDKey, int64(key.AccountID))
		c.Set(contextAPIKeyIDKey, key.KeyID)
		c.Set(contextAPIKeyScopesKey, []string(key.Scopes))
		c.Next()
	}
}

// RequireScope gates a route on one of the authenticated key's scopes.
func (s *Server) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := c.Get(contextAPIKeyScopesKey)
		if !ok {
			AbortWithError(c, ErrForbidden)
			return
		}
		granted, ok := scopes.([]string)
		if !ok {
			AbortWithError(c, ErrForbidden)
			return
		}
		for _, s := range granted {
			if s == scope {
				c.Next()
				return
			}
		}
		AbortWithError(c, ErrForbidden)
	}
}

// AdminTokenRequired guards the operator surface. With no token configured
// the surface stays closed.
func (s *Server) AdminTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			AbortWithError(c, ErrNotFound)
			return
		}
		token, ok := bearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextAuthTypeKey, authTypeAdmin)
		c.Next()
	}
}

// RateLimitByPlan applies the account's plan limit to the route. Requests
// without an authenticated account pass through; auth runs first.
func (s *Server) RateLimitByPlan() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		accountID, ok := accountctx.AccountIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		plan := c.GetString(contextPlanKey)
		if plan == "" {
			account, err := s.ledgerSvc.GetAccount(c.Request.Context(), accountID)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			plan = account.Plan
			c.Set(contextPlanKey, plan)
		}

		decision, err := s.limiter.AllowPlan(c.Request.Context(), accountID.String(), plan, c.FullPath())
		if decision != nil {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		}
		if err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				retryAfter := int64(1)
				if decision != nil && decision.RetryAfter.Seconds() > 1 {
					retryAfter = int64(decision.RetryAfter.Seconds())
				}
				c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			}
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}
