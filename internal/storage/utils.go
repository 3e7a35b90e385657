package storage

import (
	"errors"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dm-go/internal/apperr"
)

// StrToUint 将字符串转换为 uint，拒绝 0。
func StrToUint(s string) (uint, error) {
	val, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if val == 0 {
		return 0, strconv.ErrRange
	}
	return uint(val), nil
}

// notFound translates gorm's record-not-found into the given classified error.
func notFound(err error, sentinel *apperr.Error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// forUpdate adds a row lock on engines that support one. SQLite serializes
// writers at the database level instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
