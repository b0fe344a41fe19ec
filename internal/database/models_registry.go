package database

import "github.com/ruslanways/postways-v2/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Post{},
		&models.Like{},
		&models.OutstandingToken{},
		&models.BlacklistedToken{},
	}
}
