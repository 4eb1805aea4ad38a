package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/connstate"
	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	directoryservice "github.com/creditgate/creditgate/internal/directory/service"
	"github.com/creditgate/creditgate/internal/estimator"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	ledgerservice "github.com/creditgate/creditgate/internal/ledger/service"
	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	pricingservice "github.com/creditgate/creditgate/internal/pricing/service"
	proxydomain "github.com/creditgate/creditgate/internal/proxy/domain"
	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
	registryservice "github.com/creditgate/creditgate/internal/registry/service"
	usagelogdomain "github.com/creditgate/creditgate/internal/usagelog/domain"
	usagelogservice "github.com/creditgate/creditgate/internal/usagelog/service"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    *Service
	db     *gorm.DB
	ledger ledgerdomain.Service
	user   *directorydomain.User
	model  *registrydomain.Model
	hits   *atomic.Int64
}

// newFixture wires the whole orchestration stack over in-memory sqlite
// and an httptest upstream that streams the given SSE body.
func newFixture(t *testing.T, sseBody string) *fixture {
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
		&pricingdomain.PricingRule{},
		&registrydomain.Model{},
		&usagelogdomain.UsageRecord{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	log := zap.NewNop()
	holder := config.NewStaticProxyConfigHolder(config.DefaultProxyConfig())

	hits := &atomic.Int64{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	t.Cleanup(upstream.Close)

	users := directoryservice.NewService(directoryservice.Params{DB: db, Log: log, GenID: node})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	pricing := pricingservice.NewService(pricingservice.Params{DB: db, Log: log, GenID: node})
	registry := registryservice.NewService(registryservice.Params{DB: db, Log: log, GenID: node})
	usageLog := usagelogservice.NewService(usagelogservice.Params{DB: db, Log: log, GenID: node})
	tracker := connstate.NewTracker(log)
	est := estimator.New(holder)

	user, err := users.Create(context.Background(), "alice", directorydomain.RoleUser)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	model, err := registry.Upsert(context.Background(), registrydomain.UpsertModelRequest{
		Name:       "Test Model",
		Provider:   "openai",
		APIModelID: "gpt-test",
		BaseURL:    upstream.URL + "/v1",
		APIKey:     "test-key",
	})
	if err != nil {
		t.Fatalf("register model: %v", err)
	}

	svc := NewService(Params{
		Registry:  registry,
		Directory: users,
		Ledger:    ledger,
		Pricing:   pricing,
		Estimator: est,
		UsageLog:  usageLog,
		Upstream:  NewUpstreamClient(tracker, holder, log),
		Holder:    holder,
		Log:       log,
	})

	return &fixture{svc: svc, db: db, ledger: ledger, user: user, model: model, hits: hits}
}

func (f *fixture) fund(t *testing.T, amount string) {
	t.Helper()
	err := f.ledger.AddCredits(context.Background(), ledgerdomain.AddCreditsRequest{
		UserID: f.user.ID.String(),
		Amount: decimal.RequireFromString(amount),
		Type:   ledgerdomain.TxnInitial,
	})
	if err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func (f *fixture) waitForUsageRecords(t *testing.T, want int64) []usagelogdomain.UsageRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		if err := f.db.Model(&usagelogdomain.UsageRecord{}).Count(&count).Error; err == nil && count >= want {
			var records []usagelogdomain.UsageRecord
			f.db.Order("created_at ASC").Find(&records)
			return records
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d usage records", want)
	return nil
}

func sse(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: " + e + "\n\n")
	}
	return b.String()
}

// Account with 10.00 credits and the default rule: a small request
// passes admission against the output assumption, then settles at the
// provider-reported usage.
func TestChat_SettlesAtReportedUsage(t *testing.T) {
	f := newFixture(t, sse(
		`{"choices":[{"delta":{"content":"<think>plan</think>"}}]}`,
		`{"choices":[{"delta":{"content":"Hello there"}}]}`,
		`{"usage":{"prompt_tokens":5,"completion_tokens":50}}`,
		`[DONE]`,
	))
	f.fund(t, "10")
	ctx := context.Background()

	var visible strings.Builder
	result, err := f.svc.Chat(ctx, f.user.ID.String(), proxydomain.ChatRequest{
		ModelID: f.model.ID.String(),
		Messages: []proxydomain.ChatMessage{
			{Role: "user", Content: proxydomain.MessageContent{Text: "hi"}},
		},
	}, StreamCallbacks{
		OnVisibleDelta: func(d string) { visible.WriteString(d) },
	})

	assert.NoError(t, err)
	assert.Equal(t, "Hello there", result.Content)
	assert.Equal(t, "plan", result.Reasoning)
	assert.Equal(t, "Hello there", visible.String())
	assert.Equal(t, int64(5), result.TokensInput)
	assert.Equal(t, int64(50), result.TokensOutput)
	// (5*1 + 50*1) / 100, ceiling to cents.
	assert.True(t, result.Cost.Equal(decimal.RequireFromString("0.55")), "cost = %s", result.Cost)

	balance, err := f.ledger.GetBalance(ctx, f.user.ID.String())
	assert.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.45")), "balance = %s", balance)

	history, err := f.ledger.TransactionHistory(ctx, f.user.ID.String(), 10)
	assert.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, ledgerdomain.TxnUsage, history[0].Type)

	records := f.waitForUsageRecords(t, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, int64(5), records[0].TokensInput)
	assert.Equal(t, int64(50), records[0].TokensOutput)
}

// Empty account: admission fails, the upstream is never called, and no
// transaction or usage record appears.
func TestChat_InsufficientCreditsBeforeUpstream(t *testing.T) {
	f := newFixture(t, sse(`[DONE]`))
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, f.user.ID.String(), proxydomain.ChatRequest{
		ModelID: f.model.ID.String(),
		Messages: []proxydomain.ChatMessage{
			{Role: "user", Content: proxydomain.MessageContent{Text: "hi"}},
		},
	}, StreamCallbacks{})

	var insufficient *proxydomain.InsufficientCreditsError
	assert.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.IsPositive())
	assert.True(t, insufficient.Shortfall().IsPositive())

	assert.Equal(t, int64(0), f.hits.Load(), "no upstream call on failed admission")

	history, err := f.ledger.TransactionHistory(ctx, f.user.ID.String(), 10)
	assert.NoError(t, err)
	assert.Empty(t, history)

	var count int64
	assert.NoError(t, f.db.Model(&usagelogdomain.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestChat_EstimatesWhenProviderOmitsUsage(t *testing.T) {
	f := newFixture(t, sse(
		`{"choices":[{"delta":{"content":"Hello there, here is the answer"}}]}`,
		`[DONE]`,
	))
	f.fund(t, "100")
	ctx := context.Background()

	result, err := f.svc.Chat(ctx, f.user.ID.String(), proxydomain.ChatRequest{
		ModelID: f.model.ID.String(),
		Messages: []proxydomain.ChatMessage{
			{Role: "user", Content: proxydomain.MessageContent{Text: "hi"}},
		},
	}, StreamCallbacks{})

	assert.NoError(t, err)
	assert.Positive(t, result.TokensOutput, "estimated output must not be free")
	assert.Positive(t, result.TokensInput)
	assert.True(t, result.Cost.IsPositive())

	balance, err := f.ledger.GetBalance(ctx, f.user.ID.String())
	assert.NoError(t, err)
	assert.True(t, balance.LessThan(decimal.RequireFromString("100")))
}

func TestChat_UpstreamErrorLogsAndSkipsDebit(t *testing.T) {
	f := newFixture(t, sse(`[DONE]`))
	f.fund(t, "10")
	f.model.APIKey = "wrong"
	// Push the bad key into the registry row.
	assert.NoError(t, f.db.Model(&registrydomain.Model{}).
		Where("id = ?", f.model.ID).
		Update("api_key", "wrong").Error)

	ctx := context.Background()
	_, err := f.svc.Chat(ctx, f.user.ID.String(), proxydomain.ChatRequest{
		ModelID: f.model.ID.String(),
		Messages: []proxydomain.ChatMessage{
			{Role: "user", Content: proxydomain.MessageContent{Text: "hi"}},
		},
	}, StreamCallbacks{})

	var upstreamErr *proxydomain.UpstreamError
	assert.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusUnauthorized, upstreamErr.Status)
	assert.Contains(t, upstreamErr.Message, "bad key")

	balance, _ := f.ledger.GetBalance(ctx, f.user.ID.String())
	assert.True(t, balance.Equal(decimal.RequireFromString("10")), "failed requests cost nothing")

	records := f.waitForUsageRecords(t, 1)
	assert.False(t, records[0].Success)
	assert.Contains(t, records[0].ErrorMessage, "bad key")
}

func TestChat_ModelGuards(t *testing.T) {
	f := newFixture(t, sse(`[DONE]`))
	f.fund(t, "10")
	ctx := context.Background()

	req := proxydomain.ChatRequest{
		Messages: []proxydomain.ChatMessage{
			{Role: "user", Content: proxydomain.MessageContent{Text: "hi"}},
		},
	}

	req.ModelID = "missing"
	_, err := f.svc.Chat(ctx, f.user.ID.String(), req, StreamCallbacks{})
	assert.ErrorIs(t, err, registrydomain.ErrModelNotFound)

	assert.NoError(t, f.db.Model(&registrydomain.Model{}).
		Where("id = ?", f.model.ID).
		Update("is_enabled", false).Error)
	req.ModelID = f.model.ID.String()
	_, err = f.svc.Chat(ctx, f.user.ID.String(), req, StreamCallbacks{})
	assert.ErrorIs(t, err, proxydomain.ErrModelDisabled)

	assert.NoError(t, f.db.Model(&registrydomain.Model{}).
		Where("id = ?", f.model.ID).
		Updates(map[string]any{"is_enabled": true, "api_key": ""}).Error)
	_, err = f.svc.Chat(ctx, f.user.ID.String(), req, StreamCallbacks{})
	assert.ErrorIs(t, err, proxydomain.ErrProviderKeyMissing)

	assert.Equal(t, int64(0), f.hits.Load())
}

func TestChat_CancelledWithoutUsageCostsNothing(t *testing.T) {
	f := newFixture(t, sse(
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`[DONE]`,
	))
	f.fund(t, "10")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.svc.Chat(ctx, f.user.ID.String(), proxydomain.ChatRequest{
		ModelID: f.model.ID.String(),
		Messages: []proxydomain.ChatMessage{
			{Role: "user", Content: proxydomain.MessageContent{Text: "hi"}},
		},
	}, StreamCallbacks{})

	// Depending on how far the transport got before noticing the dead
	// context, the call either surfaces the cancellation or reports a
	// cancelled result; both leave the ledger untouched.
	if err == nil {
		assert.True(t, result.Cancelled)
	}
	balance, balErr := f.ledger.GetBalance(context.Background(), f.user.ID.String())
	assert.NoError(t, balErr)
	assert.True(t, balance.Equal(decimal.RequireFromString("10")))
}

// A caller hanging up after the provider reported usage still pays for
// what was streamed: settlement runs on a detached context.
func TestChat_CancelledMidStreamBillsReportedUsage(t *testing.T) {
	f := newFixture(t, sse(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"usage":{"prompt_tokens":5,"completion_tokens":50}}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
	))
	f.fund(t, "10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deltas := 0
	result, err := f.svc.Chat(ctx, f.user.ID.String(), proxydomain.ChatRequest{
		ModelID: f.model.ID.String(),
		Messages: []proxydomain.ChatMessage{
			{Role: "user", Content: proxydomain.MessageContent{Text: "hi"}},
		},
	}, StreamCallbacks{
		OnVisibleDelta: func(string) {
			deltas++
			// Hang up only after the usage chunk has been consumed.
			if deltas == 2 {
				cancel()
			}
		},
	})

	assert.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, "Hello", result.Content)
	assert.Equal(t, int64(5), result.TokensInput)
	assert.Equal(t, int64(50), result.TokensOutput)
	assert.True(t, result.Cost.Equal(decimal.RequireFromString("0.55")), "cost = %s", result.Cost)

	balance, err := f.ledger.GetBalance(context.Background(), f.user.ID.String())
	assert.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.45")), "balance = %s", balance)

	history, err := f.ledger.TransactionHistory(context.Background(), f.user.ID.String(), 10)
	assert.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, ledgerdomain.TxnUsage, history[0].Type)

	records := f.waitForUsageRecords(t, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, "cancelled by caller", records[0].ErrorMessage)
	assert.Equal(t, int64(5), records[0].TokensInput)
	assert.Equal(t, int64(50), records[0].TokensOutput)
}
