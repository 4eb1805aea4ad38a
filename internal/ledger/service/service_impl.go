package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	obsmetrics "github.com/creditgate/creditgate/internal/observability/metrics"
	"github.com/creditgate/creditgate/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// adjustmentEpsilon suppresses adjustment transactions for corrections
// smaller than one cent, to keep the audit log free of no-op noise.
var adjustmentEpsilon = decimal.NewFromFloat(0.01)

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

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EnsureAccount(ctx context.Context, userID string) (*ledgerdomain.Account, error) {
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}

	var existing ledgerdomain.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account := ledgerdomain.Account{
		ID:          s.genID.Generate(),
		UserID:      userID,
		Balance:     decimal.Zero,
		TotalEarned: decimal.Zero,
		TotalSpent:  decimal.Zero,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		// A concurrent ensure won the insert race; the uniqueness
		// constraint on user_id makes re-reading safe.
		var raced ledgerdomain.Account
		if readErr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&raced).Error; readErr == nil {
			return &raced, nil
		}
		return nil, err
	}
	return &account, nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	account, err := s.EnsureAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

func (s *Service) AddCredits(ctx context.Context, req ledgerdomain.AddCreditsRequest) error {
	if req.UserID == "" {
		return ledgerdomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return ledgerdomain.ErrInvalidAmount
	}
	if !req.Type.Valid() || req.Type == ledgerdomain.TxnUsage || req.Type == ledgerdomain.TxnAdjustment {
		return ledgerdomain.ErrInvalidTxnType
	}

	apply := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.lockAccount(tx, req.UserID)
			if err != nil {
				return err
			}

			if req.Type == ledgerdomain.TxnInitial && req.ReferenceID != "" {
				var dup int64
				if err := tx.Model(&ledgerdomain.Transaction{}).
					Where("account_id = ? AND type = ? AND reference_id = ?",
						account.ID, ledgerdomain.TxnInitial, req.ReferenceID).
					Count(&dup).Error; err != nil {
					return err
				}
				if dup > 0 {
					s.log.Info("duplicate initial grant suppressed",
						zap.String("user_id", req.UserID),
						zap.String("reference_id", req.ReferenceID))
					return nil
				}
			}

			before := account.Balance
			after := before.Add(req.Amount)
			now := time.Now().UTC()

			if err := tx.Model(&ledgerdomain.Account{}).
				Where("id = ?", account.ID).
				Updates(map[string]any{
					"balance":      after,
					"total_earned": account.TotalEarned.Add(req.Amount),
					"updated_at":   now,
				}).Error; err != nil {
				return err
			}

			return tx.Create(&ledgerdomain.Transaction{
				ID:            s.genID.Generate(),
				AccountID:     account.ID,
				Type:          req.Type,
				Amount:        req.Amount,
				BalanceBefore: before,
				BalanceAfter:  after,
				Description:   req.Description,
				ReferenceID:   req.ReferenceID,
				CreatedAt:     now,
			}).Error
		})
	}

	err := apply()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Lazy account creation happens outside the lock; the uniqueness
		// constraint makes the create-then-retry sequence idempotent.
		if _, ensureErr := s.EnsureAccount(ctx, req.UserID); ensureErr != nil {
			return ensureErr
		}
		err = apply()
	}
	if err == nil {
		s.countTxn(string(req.Type), "applied")
	}
	return err
}

func (s *Service) DeductCredits(ctx context.Context, req ledgerdomain.DeductCreditsRequest) (bool, error) {
	if req.UserID == "" {
		return false, ledgerdomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return false, ledgerdomain.ErrInvalidAmount
	}
	txnType := req.Type
	if txnType == "" {
		txnType = ledgerdomain.TxnUsage
	}
	if !txnType.Valid() {
		return false, ledgerdomain.ErrInvalidTxnType
	}

	deducted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(tx, req.UserID)
		if err != nil {
			return err
		}

		// Administrative corrections may legitimately drive the balance
		// negative; everything else is blocked by the affordability guard.
		if txnType != ledgerdomain.TxnAdjustment && account.Balance.LessThan(req.Amount) {
			return nil
		}

		before := account.Balance
		after := before.Sub(req.Amount)
		now := time.Now().UTC()

		if err := tx.Model(&ledgerdomain.Account{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{
				"balance":     after,
				"total_spent": account.TotalSpent.Add(req.Amount),
				"updated_at":  now,
			}).Error; err != nil {
			return err
		}

		if err := tx.Create(&ledgerdomain.Transaction{
			ID:            s.genID.Generate(),
			AccountID:     account.ID,
			Type:          txnType,
			Amount:        req.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   req.Description,
			ReferenceID:   req.ReferenceID,
			CreatedAt:     now,
		}).Error; err != nil {
			return err
		}

		deducted = true
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No account, nothing to deduct from.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if deducted {
		s.countTxn(string(txnType), "applied")
	} else {
		s.countTxn(string(txnType), "rejected")
	}
	return deducted, nil
}

func (s *Service) SetCredits(ctx context.Context, userID string, target decimal.Decimal, description string) error {
	if userID == "" {
		return ledgerdomain.ErrInvalidUser
	}

	recorded := false
	apply := func() error {
		recorded = false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.lockAccount(tx, userID)
			if err != nil {
				return err
			}

			before := account.Balance
			delta := target.Sub(before)
			now := time.Now().UTC()

			if err := tx.Model(&ledgerdomain.Account{}).
				Where("id = ?", account.ID).
				Updates(map[string]any{
					"balance":    target,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}

			if delta.Abs().LessThanOrEqual(adjustmentEpsilon) {
				return nil
			}

			desc := description
			if desc == "" {
				desc = "Balance adjusted to " + target.StringFixed(2)
			}
			if err := tx.Create(&ledgerdomain.Transaction{
				ID:            s.genID.Generate(),
				AccountID:     account.ID,
				Type:          ledgerdomain.TxnAdjustment,
				Amount:        delta.Abs(),
				BalanceBefore: before,
				BalanceAfter:  target,
				Description:   desc,
				CreatedAt:     now,
			}).Error; err != nil {
				return err
			}
			recorded = true
			return nil
		})
	}

	err := apply()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, ensureErr := s.EnsureAccount(ctx, userID); ensureErr != nil {
			return ensureErr
		}
		err = apply()
	}
	if err == nil && recorded {
		s.countTxn(string(ledgerdomain.TxnAdjustment), "applied")
	}
	return err
}

func (s *Service) TransactionHistory(ctx context.Context, userID string, limit int) ([]ledgerdomain.Transaction, error) {
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []ledgerdomain.Transaction{}, nil
	}
	if err != nil {
		return nil, err
	}

	var txns []ledgerdomain.Transaction
	err = s.db.WithContext(ctx).
		Where("account_id = ?", account.ID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (s *Service) TransactionPage(ctx context.Context, userID string, page pagination.Pagination) ([]ledgerdomain.Transaction, *pagination.PageInfo, error) {
	if userID == "" {
		return nil, nil, ledgerdomain.ErrInvalidUser
	}
	size := page.PageSize
	if size <= 0 {
		size = 50
	}
	if size > 250 {
		size = 250
	}

	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []ledgerdomain.Transaction{}, &pagination.PageInfo{}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	query := s.db.WithContext(ctx).
		Where("account_id = ?", account.ID).
		Order("created_at DESC, id DESC").
		Limit(size + 1)

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, ledgerdomain.ErrInvalidPageToken
		}
		cursorAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, ledgerdomain.ErrInvalidPageToken
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, ledgerdomain.ErrInvalidPageToken
		}
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursorAt, cursorAt, cursorID,
		)
	}

	var txns []ledgerdomain.Transaction
	if err := query.Find(&txns).Error; err != nil {
		return nil, nil, err
	}

	txns, info := pagination.BuildCursorPageInfo(txns, size, func(t ledgerdomain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        t.ID.String(),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	return txns, info, nil
}

// lockAccount acquires the exclusive row lock every balance mutation
// serializes on. Returns gorm.ErrRecordNotFound when the account does
// not exist yet.
func (s *Service) lockAccount(tx *gorm.DB, userID string) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) countTxn(txnType, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.LedgerTransactions.WithLabelValues(txnType, outcome).Inc()
}
