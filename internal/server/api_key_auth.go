package server

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	apikeydomain "github.com/campusfund/creditledger/internal/apikey/domain"
	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	auditcontext "github.com/campusfund/creditledger/internal/auditcontext"
)

const (
	contextAuthTypeKey     = "auth_type"
	contextAPIKeyIDKey     = "api_key_id"
	contextAPIKeyScopesKey = "api_key_scopes"
)

// lastUsedResolution bounds how often a key's last_used_at row is touched.
const lastUsedResolution = time.Minute

// APIKeyRequired authenticates requests using an API key only. When API
// auth is disabled (local development) every request runs as the system
// actor instead.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.APIAuthEnabled {
			ctx := c.Request.Context()
			ctx = context.WithValue(ctx, contextAuthTypeKey, string(ActorSystem))
			ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "local")
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := apikeydomain.HashAPIKey(parts[1])
		now := time.Now().UTC()

		var record struct {
			ID         snowflake.ID   `gorm:"column:id"`
			KeyHash    string         `gorm:"column:key_hash"`
			Scopes     pq.StringArray `gorm:"column:scopes"`
			LastUsedAt *time.Time     `gorm:"column:last_used_at"`
		}

		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT id, key_hash, scopes, last_used_at
			 FROM api_keys
			 WHERE key_hash = ?
			   AND is_active = true
			   AND (expires_at IS NULL OR expires_at > ?)
			 LIMIT 1`,
			hash,
			now,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		s.touchKeyLastUsed(c.Request.Context(), record.ID, record.LastUsedAt, now)

		ctx := c.Request.Context()
		scopes := make([]string, 0, len(record.Scopes))
		scopes = append(scopes, record.Scopes...)
		ctx = context.WithValue(ctx, contextAuthTypeKey, string(ActorAPIKey))
		ctx = context.WithValue(ctx, contextAPIKeyIDKey, int64(record.ID))
		ctx = context.WithValue(ctx, contextAPIKeyScopesKey, scopes)
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeAPIKey), record.ID.String())

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// touchKeyLastUsed records key activity at most once per resolution
// window. Failures are ignored; last_used_at is advisory.
func (s *Server) touchKeyLastUsed(ctx context.Context, id snowflake.ID, lastUsed *time.Time, now time.Time) {
	if lastUsed != nil && now.Sub(*lastUsed) < lastUsedResolution {
		return
	}
	_ = s.db.WithContext(ctx).Exec(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now, id,
	).Error
}
