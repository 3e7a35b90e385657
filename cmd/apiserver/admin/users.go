package main

import (
	"context"
	"errors"
	"fmt"

	"dm-go/internal/apperr"
	"dm-go/internal/models"
	"dm-go/internal/storage"
)

// resolveUser 接受用户ID或用户名
func resolveUser(ctx context.Context, users storage.UserRepository, arg string) (*models.User, error) {
	if id, err := storage.StrToUint(arg); err == nil {
		return users.GetByID(ctx, id)
	}
	return users.GetByUsername(ctx, arg)
}

// seedUser creates user unless the username is already taken.
func seedUser(ctx context.Context, users storage.UserRepository, user *models.User) error {
	existing, err := users.GetByUsername(ctx, user.Username)
	switch {
	case err == nil:
		return fmt.Errorf("用户名 %q 已存在 (ID=%d)", user.Username, existing.ID)
	case !errors.Is(err, apperr.ErrUserNotFound):
		return err
	}
	if err := users.Create(ctx, user); err != nil {
		return fmt.Errorf("创建用户失败: %w", err)
	}
	return nil
}
