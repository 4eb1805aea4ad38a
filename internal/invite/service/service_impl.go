package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	obsmetrics "github.com/creditgate/creditgate/internal/observability/metrics"
	"github.com/creditgate/creditgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) invitedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invite.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req invitedomain.CreateCodeRequest) (*invitedomain.InviteCode, error) {
	code := invitedomain.NormalizeCode(req.Code)
	if code == "" {
		return nil, invitedomain.ErrInviteInvalid
	}
	if req.MaxUses < 1 {
		return nil, invitedomain.ErrInvalidMaxUses
	}
	if req.InitialCredits.IsNegative() {
		return nil, invitedomain.ErrInvalidCredits
	}

	record := invitedomain.InviteCode{
		ID:             s.genID.Generate(),
		Code:           code,
		MaxUses:        req.MaxUses,
		InitialCredits: req.InitialCredits,
		ExpiresAt:      req.ExpiresAt,
		IsActive:       true,
		Notes:          req.Notes,
		CreatedBy:      req.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, invitedomain.ErrDuplicateCode
		}
		return nil, err
	}

	s.log.Info("invite code created",
		zap.String("code", code),
		zap.Int("max_uses", req.MaxUses),
		zap.String("initial_credits", req.InitialCredits.String()),
		zap.String("created_by", req.CreatedBy),
	)
	return &record, nil
}

func (s *Service) Validate(ctx context.Context, code string) (*invitedomain.InviteCode, error) {
	var record invitedomain.InviteCode
	err := s.db.WithContext(ctx).
		Where("code = ?", invitedomain.NormalizeCode(code)).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invitedomain.ErrInviteInvalid
	}
	if err != nil {
		return nil, err
	}
	if err := record.Redeemable(time.Now()); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) Redeem(ctx context.Context, code string, userID string) (*invitedomain.InviteCode, error) {
	normalized := invitedomain.NormalizeCode(code)
	var redeemed invitedomain.InviteCode

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record invitedomain.InviteCode
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ?", normalized).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invitedomain.ErrInviteInvalid
		}
		if err != nil {
			return err
		}

		// A prior Validate is advisory only; redeemability is decided
		// here, under the lock.
		if err := record.Redeemable(time.Now()); err != nil {
			return err
		}

		if err := tx.Model(&invitedomain.InviteCode{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"used_count": record.UsedCount + 1,
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return err
		}

		record.UsedCount++
		redeemed = record
		return nil
	})
	if err != nil {
		s.countRedemption("rejected")
		return nil, err
	}

	s.countRedemption("redeemed")
	s.log.Info("invite code redeemed",
		zap.String("code", normalized),
		zap.String("user_id", userID),
		zap.Int("used_count", redeemed.UsedCount),
		zap.Int("max_uses", redeemed.MaxUses),
	)
	return &redeemed, nil
}

func (s *Service) List(ctx context.Context) ([]invitedomain.InviteCode, error) {
	var codes []invitedomain.InviteCode
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Find(&codes).Error
	return codes, err
}

func (s *Service) GetByID(ctx context.Context, id string) (*invitedomain.InviteCode, error) {
	var record invitedomain.InviteCode
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invitedomain.ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) Update(ctx context.Context, req invitedomain.UpdateCodeRequest) (*invitedomain.InviteCode, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if req.MaxUses != nil {
		if *req.MaxUses < 1 {
			return nil, invitedomain.ErrInvalidMaxUses
		}
		updates["max_uses"] = *req.MaxUses
	}
	if req.InitialCredits != nil {
		if req.InitialCredits.IsNegative() {
			return nil, invitedomain.ErrInvalidCredits
		}
		// Applies to future redemptions only; grants already made keep
		// the amount that was current at redemption time.
		updates["initial_credits"] = *req.InitialCredits
	}
	if req.ExpiresAt != nil {
		updates["expires_at"] = *req.ExpiresAt
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}

	var updated invitedomain.InviteCode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record invitedomain.InviteCode
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", req.ID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invitedomain.ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		// Shrinking max_uses below the consumed count would break the
		// usage invariant.
		if req.MaxUses != nil && *req.MaxUses < record.UsedCount {
			return invitedomain.ErrInvalidMaxUses
		}
		if err := tx.Model(&invitedomain.InviteCode{}).
			Where("id = ?", record.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", record.ID).First(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&invitedomain.InviteCode{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return invitedomain.ErrCodeNotFound
	}
	return nil
}

func (s *Service) countRedemption(outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.InviteRedemptions.WithLabelValues(outcome).Inc()
}
