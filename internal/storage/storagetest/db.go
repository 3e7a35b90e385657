// Package storagetest provides an in-memory database for package tests.
package storagetest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"dm-go/internal/models"
	"dm-go/internal/storage"
)

// NewDB opens a private in-memory SQLite database with all tables migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := storage.Open(sqlite.Open(dsn), "silent")
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, storage.AutoMigrateTables(db))
	return db
}

// SeedUsers creates one directory user per username and returns their IDs in order.
func SeedUsers(t testing.TB, db *gorm.DB, usernames ...string) []uint {
	t.Helper()

	ids := make([]uint, 0, len(usernames))
	for _, name := range usernames {
		u := &models.User{Username: name, Nickname: name}
		require.NoError(t, db.Create(u).Error)
		ids = append(ids, u.ID)
	}
	return ids
}
