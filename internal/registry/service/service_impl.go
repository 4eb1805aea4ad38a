package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
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

func NewService(p Params) registrydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("registry.service"),
		genID: p.GenID,
	}
}

func (s *Service) Resolve(ctx context.Context, modelID string) (*registrydomain.Model, error) {
	var model registrydomain.Model
	err := s.db.WithContext(ctx).Where("id = ?", modelID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, registrydomain.ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (s *Service) List(ctx context.Context) ([]registrydomain.Model, error) {
	var models []registrydomain.Model
	err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error
	return models, err
}

func (s *Service) Upsert(ctx context.Context, req registrydomain.UpsertModelRequest) (*registrydomain.Model, error) {
	if req.ID == "" {
		model := registrydomain.Model{
			ID:         s.genID.Generate(),
			Name:       req.Name,
			Provider:   req.Provider,
			APIModelID: req.APIModelID,
			BaseURL:    req.BaseURL,
			APIKey:     req.APIKey,
			IsEnabled:  true,
		}
		if req.IsEnabled != nil {
			model.IsEnabled = *req.IsEnabled
		}
		if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
			return nil, err
		}
		s.log.Info("model registered",
			zap.String("model_id", model.ID.String()),
			zap.String("name", model.Name),
			zap.String("provider", model.Provider),
		)
		return &model, nil
	}

	existing, err := s.Resolve(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Provider != "" {
		updates["provider"] = req.Provider
	}
	if req.APIModelID != "" {
		updates["api_model_id"] = req.APIModelID
	}
	if req.BaseURL != "" {
		updates["base_url"] = req.BaseURL
	}
	if req.APIKey != "" {
		updates["api_key"] = req.APIKey
	}
	if req.IsEnabled != nil {
		updates["is_enabled"] = *req.IsEnabled
	}
	if err := s.db.WithContext(ctx).Model(&registrydomain.Model{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Resolve(ctx, req.ID)
}

func (s *Service) SetEnabled(ctx context.Context, modelID string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&registrydomain.Model{}).
		Where("id = ?", modelID).
		Updates(map[string]any{
			"is_enabled": enabled,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return registrydomain.ErrModelNotFound
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, modelID string) error {
	res := s.db.WithContext(ctx).Where("id = ?", modelID).Delete(&registrydomain.Model{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return registrydomain.ErrModelNotFound
	}
	return nil
}
