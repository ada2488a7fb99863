package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	Update(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByKeyID(ctx context.Context, db *gorm.DB, accountID snowflake.ID, keyID string) (*APIKey, error)
	// FindActiveByKeyID looks up without account scope; used on the
	// authentication path where the account is not yet known.
	FindActiveByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*APIKey, error)
	List(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]APIKey, error)
	TouchLastUsed(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
