package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/campusfund/creditledger/internal/apikey/domain"
	authscope "github.com/campusfund/creditledger/internal/auth/scope"
)

type createAPIKeyRequest struct {
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID(c),
		"api_keys":   keys,
	})
}

func (s *Server) ListAPIKeyScopes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID(c),
		"scopes":     authscope.All(),
	})
}

// CreateAPIKey mints a credential. The secret appears in this response
// and nowhere else.
func (s *Server) CreateAPIKey(c *gin.Context) {
	if s.apiKeyLimiter != nil && !s.apiKeyLimiter.Allow(callerKey(c)) {
		AbortWithError(c, ErrRateLimited)
		return
	}

	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	scopes := authscope.Normalize(req.Scopes)
	if err := authscope.Validate(scopes); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), apikeydomain.CreateRequest{
		Name:   req.Name,
		Role:   req.Role,
		Scopes: scopes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID(c),
		"key_id":     resp.KeyID,
		"api_key":    resp.APIKey,
	})
}

// RotateAPIKey issues a replacement secret. The old key keeps working
// through a grace window so deploys can swap credentials without an
// outage.
func (s *Server) RotateAPIKey(c *gin.Context) {
	if s.apiKeyLimiter != nil && !s.apiKeyLimiter.Allow(callerKey(c)) {
		AbortWithError(c, ErrRateLimited)
		return
	}

	keyID := strings.TrimSpace(c.Param("key_id"))
	resp, err := s.apiKeySvc.Rotate(c.Request.Context(), keyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID(c),
		"key_id":     resp.KeyID,
		"api_key":    resp.APIKey,
	})
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	keyID := strings.TrimSpace(c.Param("key_id"))
	if err := s.apiKeySvc.Revoke(c.Request.Context(), keyID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// callerKey buckets rate limits by the calling credential.
func callerKey(c *gin.Context) string {
	actor, ok := actorFromContext(c)
	if !ok {
		return c.ClientIP()
	}
	return string(actor.Type) + ":" + actor.ID
}
