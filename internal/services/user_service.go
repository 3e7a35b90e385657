package services

import (
	"context"
	"fmt"

	"dm-go/internal/models"
	"dm-go/internal/storage"
)

// UserService 定义了用户目录的只读服务接口。账号由外部系统管理。
type UserService interface {
	GetUserProfile(ctx context.Context, userID uint) (*models.UserBasicInfo, error)
	GetBasicInfos(ctx context.Context, userIDs []uint) (map[uint]*models.UserBasicInfo, error)
}

// userService 是 UserService 的实现。
type userService struct {
	userRepo storage.UserRepository
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo storage.UserRepository) UserService {
	return &userService{userRepo: userRepo}
}

// GetUserProfile 获取用户公开的个人资料。未找到时返回 apperr.ErrUserNotFound。
func (s *userService) GetUserProfile(ctx context.Context, userID uint) (*models.UserBasicInfo, error) {
	info, err := s.userRepo.GetBasicInfoByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("获取用户 %d 失败: %w", userID, err)
	}
	return info, nil
}

func (s *userService) GetBasicInfos(ctx context.Context, userIDs []uint) (map[uint]*models.UserBasicInfo, error) {
	if len(userIDs) == 0 {
		return map[uint]*models.UserBasicInfo{}, nil
	}
	return s.userRepo.GetMultipleBasicInfoByIDs(ctx, userIDs)
}
