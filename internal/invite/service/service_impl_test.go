package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) invitedomain.Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&invitedomain.InviteCode{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}

	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})
}

func TestCreate_NormalizesAndRejectsDuplicates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code:           "  welcome-2026 ",
		MaxUses:        5,
		InitialCredits: decimal.NewFromInt(20),
		CreatedBy:      "admin",
	})
	assert.NoError(t, err)
	assert.Equal(t, "WELCOME-2026", created.Code)
	assert.True(t, created.IsActive)

	_, err = svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code:           "welcome-2026",
		MaxUses:        1,
		InitialCredits: decimal.NewFromInt(10),
		CreatedBy:      "admin",
	})
	assert.ErrorIs(t, err, invitedomain.ErrDuplicateCode)
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "X", MaxUses: 0, InitialCredits: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, invitedomain.ErrInvalidMaxUses)

	_, err = svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "X", MaxUses: 1, InitialCredits: decimal.NewFromInt(-1),
	})
	assert.ErrorIs(t, err, invitedomain.ErrInvalidCredits)

	_, err = svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "   ", MaxUses: 1, InitialCredits: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, invitedomain.ErrInviteInvalid)
}

func TestValidate_EvaluatesRedeemability(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Validate(ctx, "nope")
	assert.ErrorIs(t, err, invitedomain.ErrInviteInvalid)

	past := time.Now().Add(-time.Hour)
	_, err = svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "expired", MaxUses: 1,
		InitialCredits: decimal.NewFromInt(5),
		ExpiresAt:      &past,
	})
	assert.NoError(t, err)
	_, err = svc.Validate(ctx, "EXPIRED")
	assert.ErrorIs(t, err, invitedomain.ErrInviteExpired)

	created, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "deactivated", MaxUses: 1,
		InitialCredits: decimal.NewFromInt(5),
	})
	assert.NoError(t, err)
	inactive := false
	_, err = svc.Update(ctx, invitedomain.UpdateCodeRequest{
		ID:       created.ID.String(),
		IsActive: &inactive,
	})
	assert.NoError(t, err)
	_, err = svc.Validate(ctx, "deactivated")
	assert.ErrorIs(t, err, invitedomain.ErrInviteInvalid)

	_, err = svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "live", MaxUses: 1, InitialCredits: decimal.NewFromInt(5),
	})
	assert.NoError(t, err)
	code, err := svc.Validate(ctx, " live ")
	assert.NoError(t, err)
	assert.Equal(t, "LIVE", code.Code)
}

func TestRedeem_ConsumesExactlyOneUse(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "solo", MaxUses: 1, InitialCredits: decimal.NewFromInt(20),
	})
	assert.NoError(t, err)

	redeemed, err := svc.Redeem(ctx, "solo", "user-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, redeemed.UsedCount)

	_, err = svc.Redeem(ctx, "solo", "user-2")
	assert.ErrorIs(t, err, invitedomain.ErrInviteExhausted)

	stored, err := svc.GetByID(ctx, redeemed.ID.String())
	assert.NoError(t, err)
	assert.Equal(t, 1, stored.UsedCount, "failed redemption must not move used_count")
}

func TestRedeem_ConcurrentExhaustion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const maxUses = 5
	_, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "party", MaxUses: maxUses, InitialCredits: decimal.NewFromInt(10),
	})
	assert.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, exhausted := 0, 0

	for i := 0; i < 2*maxUses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Redeem(ctx, "party", "someone")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case err == invitedomain.ErrInviteExhausted:
				exhausted++
			default:
				t.Errorf("unexpected redeem error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, maxUses, succeeded, "exactly max_uses redemptions may land")
	assert.Equal(t, maxUses, exhausted)
}

func TestUpdate_CannotShrinkBelowUsedCount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "grow", MaxUses: 3, InitialCredits: decimal.NewFromInt(5),
	})
	assert.NoError(t, err)

	_, err = svc.Redeem(ctx, "grow", "user-1")
	assert.NoError(t, err)
	_, err = svc.Redeem(ctx, "grow", "user-2")
	assert.NoError(t, err)

	one := 1
	_, err = svc.Update(ctx, invitedomain.UpdateCodeRequest{
		ID:      created.ID.String(),
		MaxUses: &one,
	})
	assert.ErrorIs(t, err, invitedomain.ErrInvalidMaxUses)

	ten := 10
	updated, err := svc.Update(ctx, invitedomain.UpdateCodeRequest{
		ID:      created.ID.String(),
		MaxUses: &ten,
	})
	assert.NoError(t, err)
	assert.Equal(t, 10, updated.MaxUses)
	assert.Equal(t, 2, updated.UsedCount)
}

func TestUpdate_InitialCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "regrade", MaxUses: 5, InitialCredits: decimal.NewFromInt(10),
	})
	assert.NoError(t, err)

	negative := decimal.NewFromInt(-1)
	_, err = svc.Update(ctx, invitedomain.UpdateCodeRequest{
		ID:             created.ID.String(),
		InitialCredits: &negative,
	})
	assert.ErrorIs(t, err, invitedomain.ErrInvalidCredits)

	raised := decimal.NewFromInt(50)
	updated, err := svc.Update(ctx, invitedomain.UpdateCodeRequest{
		ID:             created.ID.String(),
		InitialCredits: &raised,
	})
	assert.NoError(t, err)
	assert.True(t, updated.InitialCredits.Equal(raised))

	fetched, err := svc.Validate(ctx, "regrade")
	assert.NoError(t, err)
	assert.True(t, fetched.InitialCredits.Equal(raised))
}

func TestDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, invitedomain.CreateCodeRequest{
		Code: "gone", MaxUses: 1, InitialCredits: decimal.NewFromInt(5),
	})
	assert.NoError(t, err)

	assert.NoError(t, svc.Delete(ctx, created.ID.String()))
	assert.ErrorIs(t, svc.Delete(ctx, created.ID.String()), invitedomain.ErrCodeNotFound)

	_, err = svc.Validate(ctx, "gone")
	assert.ErrorIs(t, err, invitedomain.ErrInviteInvalid)
}
