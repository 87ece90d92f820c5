package seed

import (
	"context"
	"errors"

	apikeydomain "github.com/campusfund/creditledger/internal/apikey/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const bootstrapKeyName = "bootstrap-admin"

// EnsureBootstrapAPIKey creates an admin API key when the api_keys table is
// empty so a fresh install can reach the authenticated endpoints. The
// plaintext is logged exactly once; it cannot be recovered afterwards.
func EnsureBootstrapAPIKey(ctx context.Context, db *gorm.DB, log *zap.Logger, keys apikeydomain.Service) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if keys == nil {
		return errors.New("seed api key service is required")
	}

	var count int64
	if err := db.WithContext(ctx).Model(&apikeydomain.APIKey{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	secret, err := keys.Create(ctx, apikeydomain.CreateRequest{
		Name: bootstrapKeyName,
		Role: apikeydomain.RoleAdmin,
	})
	if err != nil {
		return err
	}

	log.Warn("created bootstrap admin api key; store it now, it is not shown again",
		zap.String("key_id", secret.KeyID),
		zap.String("api_key", secret.APIKey),
	)
	return nil
}
