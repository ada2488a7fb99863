package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datacleanup/tally/internal/accountctx"
	apikeydomain "github.com/datacleanup/tally/internal/apikey/domain"
)

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": keys})
}

// CreateAPIKey issues the first key for an account. Operator-only: the
// account has no credentials to bootstrap with.
func (s *Server) CreateAPIKey(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	var req apikeydomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := accountctx.WithAccountID(c.Request.Context(), int64(accountID))
	secret, err := s.apiKeySvc.Create(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, secret)
}

func (s *Server) RotateAPIKey(c *gin.Context) {
	secret, err := s.apiKeySvc.Rotate(c.Request.Context(), c.Param("key_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, secret)
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	if err := s.apiKeySvc.Revoke(c.Request.Context(), c.Param("key_id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
