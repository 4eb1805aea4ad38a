package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	"github.com/creditgate/creditgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) directorydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("directory.service"),
		genID: p.GenID,
	}
}

func (s *Service) ResolveByID(ctx context.Context, id string) (*directorydomain.User, error) {
	var user directorydomain.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, directorydomain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) ResolveByUsername(ctx context.Context, username string) (*directorydomain.User, error) {
	var user directorydomain.User
	err := s.db.WithContext(ctx).
		Where("username = ?", strings.TrimSpace(username)).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, directorydomain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) Create(ctx context.Context, username, role string) (*directorydomain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, directorydomain.ErrInvalidUsername
	}
	if role == "" {
		role = directorydomain.RoleUser
	}

	user := directorydomain.User{
		ID:       s.genID.Generate(),
		Username: username,
		Role:     role,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, directorydomain.ErrDuplicateUsername
		}
		return nil, err
	}

	s.log.Info("user created",
		zap.String("user_id", user.ID.String()),
		zap.String("username", username),
		zap.String("role", role),
	)
	return &user, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&directorydomain.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return directorydomain.ErrUserNotFound
	}
	return nil
}
