package signup

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	directoryservice "github.com/creditgate/creditgate/internal/directory/service"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	inviteservice "github.com/creditgate/creditgate/internal/invite/service"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	ledgerservice "github.com/creditgate/creditgate/internal/ledger/service"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	signup  *Service
	invites invitedomain.Service
	ledger  ledgerdomain.Service
	users   directorydomain.Service
}

func newFixture(t *testing.T) *fixture {
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

	if err := db.AutoMigrate(
		&directorydomain.User{},
		&invitedomain.InviteCode{},
		&ledgerdomain.Account{},
		&ledgerdomain.Transaction{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	log := zap.NewNop()

	users := directoryservice.NewService(directoryservice.Params{DB: db, Log: log, GenID: node})
	invites := inviteservice.NewService(inviteservice.Params{DB: db, Log: log, GenID: node})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})

	return &fixture{
		signup: NewService(Params{
			Directory: users,
			Invites:   invites,
			Ledger:    ledger,
			Log:       log,
		}),
		invites: invites,
		ledger:  ledger,
		users:   users,
	}
}

func TestRegister_GrantsInitialCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.invites.Create(ctx, invitedomain.CreateCodeRequest{
		Code:           "welcome",
		MaxUses:        1,
		InitialCredits: decimal.NewFromInt(20),
		CreatedBy:      "admin",
	})
	assert.NoError(t, err)

	result, err := f.signup.Register(ctx, RegisterRequest{
		Username:   "alice",
		InviteCode: "welcome",
	})
	assert.NoError(t, err)
	assert.Equal(t, "alice", result.User.Username)

	balance, err := f.ledger.GetBalance(ctx, result.User.ID.String())
	assert.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(20)), "balance = %s", balance)

	history, err := f.ledger.TransactionHistory(ctx, result.User.ID.String(), 10)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, ledgerdomain.TxnInitial, history[0].Type)
}

func TestRegister_ExhaustedCodeFailsSecondRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.invites.Create(ctx, invitedomain.CreateCodeRequest{
		Code:           "single",
		MaxUses:        1,
		InitialCredits: decimal.NewFromInt(20),
	})
	assert.NoError(t, err)

	first, err := f.signup.Register(ctx, RegisterRequest{Username: "alice", InviteCode: "single"})
	assert.NoError(t, err)

	_, err = f.signup.Register(ctx, RegisterRequest{Username: "bob", InviteCode: "single"})
	assert.ErrorIs(t, err, invitedomain.ErrInviteExhausted)

	// The first registration's outcome is untouched.
	balance, err := f.ledger.GetBalance(ctx, first.User.ID.String())
	assert.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(20)))

	code, err := f.invites.GetByID(ctx, mustCodeID(t, f, "SINGLE"))
	assert.NoError(t, err)
	assert.Equal(t, 1, code.UsedCount)

	// The aborted registration left no user behind.
	_, err = f.users.ResolveByUsername(ctx, "bob")
	assert.ErrorIs(t, err, directorydomain.ErrUserNotFound)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.invites.Create(ctx, invitedomain.CreateCodeRequest{
		Code:           "multi",
		MaxUses:        10,
		InitialCredits: decimal.NewFromInt(5),
	})
	assert.NoError(t, err)

	_, err = f.signup.Register(ctx, RegisterRequest{Username: "alice", InviteCode: "multi"})
	assert.NoError(t, err)

	_, err = f.signup.Register(ctx, RegisterRequest{Username: "alice", InviteCode: "multi"})
	assert.ErrorIs(t, err, directorydomain.ErrDuplicateUsername)

	code, err := f.invites.Validate(ctx, "multi")
	assert.NoError(t, err)
	assert.Equal(t, 1, code.UsedCount, "failed registration must not spend the code")
}

func TestRegister_ZeroCreditCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.invites.Create(ctx, invitedomain.CreateCodeRequest{
		Code:           "free",
		MaxUses:        1,
		InitialCredits: decimal.Zero,
	})
	assert.NoError(t, err)

	result, err := f.signup.Register(ctx, RegisterRequest{Username: "carol", InviteCode: "free"})
	assert.NoError(t, err)

	history, err := f.ledger.TransactionHistory(ctx, result.User.ID.String(), 10)
	assert.NoError(t, err)
	assert.Empty(t, history, "zero-credit codes grant nothing")
}

func mustCodeID(t *testing.T, f *fixture, code string) string {
	t.Helper()
	codes, err := f.invites.List(context.Background())
	if err != nil {
		t.Fatalf("list codes: %v", err)
	}
	for _, c := range codes {
		if c.Code == code {
			return c.ID.String()
		}
	}
	t.Fatalf("code %s not found", code)
	return ""
}
