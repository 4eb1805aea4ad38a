// Package proxy is the metered streaming orchestrator: admission check,
// upstream call, stream aggregation, pricing, and settlement for one
// chat request.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creditgate/creditgate/internal/config"
	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	"github.com/creditgate/creditgate/internal/estimator"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	obsmetrics "github.com/creditgate/creditgate/internal/observability/metrics"
	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	proxydomain "github.com/creditgate/creditgate/internal/proxy/domain"
	"github.com/creditgate/creditgate/internal/ratelimit"
	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
	"github.com/creditgate/creditgate/internal/stream"
	usagelogdomain "github.com/creditgate/creditgate/internal/usagelog/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	admissionLockTTL = 5 * time.Second
	chatRatePerSec   = 2.0
	chatRateBurst    = 10
)

// StreamCallbacks receive live output while the upstream stream runs.
type StreamCallbacks struct {
	OnVisibleDelta func(delta string)
	OnReasoning    func(reasoning string)
}

type Params struct {
	fx.In

	Registry   registrydomain.Service
	Directory  directorydomain.Service
	Ledger     ledgerdomain.Service
	Pricing    pricingdomain.Service
	Estimator  *estimator.Estimator
	UsageLog   usagelogdomain.Service
	Upstream   *UpstreamClient
	Holder     *config.ProxyConfigHolder
	Locker     *ratelimit.Locker      `optional:"true"`
	Bucket     *ratelimit.TokenBucket `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
	Log        *zap.Logger
}

type Service struct {
	registry   registrydomain.Service
	directory  directorydomain.Service
	ledger     ledgerdomain.Service
	pricing    pricingdomain.Service
	estimator  *estimator.Estimator
	usageLog   usagelogdomain.Service
	upstream   *UpstreamClient
	holder     *config.ProxyConfigHolder
	locker     *ratelimit.Locker
	bucket     *ratelimit.TokenBucket
	obsMetrics *obsmetrics.Metrics
	log        *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		registry:   p.Registry,
		directory:  p.Directory,
		ledger:     p.Ledger,
		pricing:    p.Pricing,
		estimator:  p.Estimator,
		usageLog:   p.UsageLog,
		upstream:   p.Upstream,
		holder:     p.Holder,
		locker:     p.Locker,
		bucket:     p.Bucket,
		obsMetrics: p.ObsMetrics,
		log:        p.Log.Named("proxy.service"),
	}
}

// Chat runs the full metered sequence for one request. Visible deltas
// are relayed through cb while the stream runs; the returned result is
// the settled outcome.
//
// The admission check is check-then-act, not a reservation: two
// concurrent requests can both pass against the same balance snapshot,
// and the second settlement may drive the balance negative. That
// shortfall is tolerated and logged rather than rolled back.
func (s *Service) Chat(ctx context.Context, userID string, req proxydomain.ChatRequest, cb StreamCallbacks) (*proxydomain.ChatResult, error) {
	started := time.Now()

	if req.ModelID == "" || len(req.Messages) == 0 {
		return nil, proxydomain.ErrInvalidRequest
	}

	user, err := s.directory.ResolveByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Resolve the model before any ledger interaction.
	model, err := s.registry.Resolve(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if !model.IsEnabled {
		return nil, proxydomain.ErrModelDisabled
	}
	if model.APIKey == "" {
		return nil, proxydomain.ErrProviderKeyMissing
	}

	if err := s.throttle(ctx, userID); err != nil {
		return nil, err
	}

	// Pre-flight estimate and admission check.
	estimatedInput := s.estimator.EstimateMessageTokens(estimatorMessages(req.Messages))
	assumedOutput := int64(req.MaxTokens)
	if assumedOutput <= 0 {
		assumedOutput = int64(s.holder.Get().DefaultOutputTokens)
	}
	if err := s.admit(ctx, userID, req.ModelID, estimatedInput, assumedOutput); err != nil {
		s.countRequest(req.ModelID, "rejected")
		return nil, err
	}

	// Open the upstream stream and aggregate it.
	body, err := s.upstream.Open(ctx, model, req)
	if err != nil {
		// Upstream failure: no debit, the record keeps the error.
		var upstreamErr *proxydomain.UpstreamError
		if errors.As(err, &upstreamErr) {
			s.recordUsage(ctx, user.Username, model, 0, 0, false, upstreamErr.Message)
			s.countRequest(req.ModelID, "upstream_error")
		}
		return nil, err
	}
	defer body.Close()

	agg := stream.NewAggregator(stream.Config{
		OnVisibleDelta: cb.OnVisibleDelta,
		OnReasoning:    cb.OnReasoning,
	})
	streamResult, err := stream.Drive(ctx, body, stream.OpenAIAdapter{}, agg)
	if err != nil && !streamResult.Cancelled {
		s.recordUsage(ctx, user.Username, model, 0, 0, false, err.Error())
		s.countRequest(req.ModelID, "stream_error")
		return nil, &proxydomain.UpstreamError{Message: err.Error()}
	}
	s.observeStream(req.ModelID, time.Since(started))

	if streamResult.Cancelled {
		return s.settleCancelled(ctx, user, model, req, streamResult)
	}

	// Usage resolution: provider-reported wins, estimation covers the
	// rest so incomplete integrations do not stream for free.
	tokensInput, tokensOutput := s.resolveUsage(req, streamResult)

	// The usage trail is written regardless of settlement.
	s.recordUsage(ctx, user.Username, model, tokensInput, tokensOutput, true, "")

	cost, err := s.pricing.CalculateCost(ctx, req.ModelID, tokensInput, tokensOutput)
	if err != nil {
		return nil, err
	}
	s.settle(ctx, user, model, cost, tokensInput, tokensOutput)
	s.countRequest(req.ModelID, "success")
	s.countTokens(req.ModelID, tokensInput, tokensOutput)

	return &proxydomain.ChatResult{
		Content:      streamResult.Visible,
		Reasoning:    streamResult.Reasoning,
		TokensInput:  tokensInput,
		TokensOutput: tokensOutput,
		Cost:         cost,
	}, nil
}

// admit verifies the balance covers the pre-flight estimate. With a
// locker configured, concurrent admissions for one account serialize
// across replicas; without one the raw check-then-act race stands.
func (s *Service) admit(ctx context.Context, userID, modelID string, estimatedInput, assumedOutput int64) error {
	estimate, err := s.pricing.CalculateCost(ctx, modelID, estimatedInput, assumedOutput)
	if err != nil {
		return err
	}

	if s.locker != nil {
		key := ratelimit.AdmissionKey(userID)
		token, ok, err := s.locker.TryLock(ctx, key, admissionLockTTL)
		if err != nil {
			s.log.Warn("admission lock unavailable, proceeding unlocked", zap.Error(err))
		} else if ok {
			defer func() {
				if err := s.locker.Release(ctx, key, token); err != nil {
					s.log.Warn("admission lock release failed", zap.Error(err))
				}
			}()
		}
	}

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if balance.LessThan(estimate) {
		return &proxydomain.InsufficientCreditsError{
			Required:  estimate,
			Available: balance,
		}
	}
	return nil
}

func (s *Service) throttle(ctx context.Context, userID string) error {
	if s.bucket == nil {
		return nil
	}
	res, err := s.bucket.Allow(ctx, ratelimit.RateKey(userID), chatRatePerSec, chatRateBurst)
	if err != nil {
		s.log.Warn("rate limiter unavailable, admitting request", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		return proxydomain.ErrRateLimited
	}
	return nil
}

// settleCancelled bills only usage the provider reported before the
// caller hung up; otherwise the cancelled request costs nothing and
// leaves no trail.
func (s *Service) settleCancelled(ctx context.Context, user *directorydomain.User, model *registrydomain.Model, req proxydomain.ChatRequest, res stream.Result) (*proxydomain.ChatResult, error) {
	result := &proxydomain.ChatResult{
		Content:   res.Visible,
		Cancelled: true,
	}
	s.countRequest(req.ModelID, "cancelled")
	if res.Usage == nil {
		return result, nil
	}

	// The caller's context is already done; settlement runs detached so
	// reported usage is still billed.
	ctx = context.WithoutCancel(ctx)

	tokensInput := res.Usage.PromptTokens
	tokensOutput := res.Usage.CompletionTokens
	s.recordUsage(ctx, user.Username, model, tokensInput, tokensOutput, true, "cancelled by caller")

	cost, err := s.pricing.CalculateCost(ctx, req.ModelID, tokensInput, tokensOutput)
	if err != nil {
		s.log.Error("cancelled stream not billed: cost lookup failed",
			zap.String("user_id", user.ID.String()),
			zap.String("model_id", req.ModelID),
			zap.Error(err),
		)
		return result, nil
	}
	s.settle(ctx, user, model, cost, tokensInput, tokensOutput)
	result.TokensInput = tokensInput
	result.TokensOutput = tokensOutput
	result.Cost = cost
	return result, nil
}

func (s *Service) resolveUsage(req proxydomain.ChatRequest, res stream.Result) (int64, int64) {
	if res.Usage != nil && (res.Usage.PromptTokens > 0 || res.Usage.CompletionTokens > 0) {
		return res.Usage.PromptTokens, res.Usage.CompletionTokens
	}
	tokensInput := s.estimator.EstimateMessageTokens(estimatorMessages(req.Messages))
	tokensOutput := s.estimator.EstimateTokens(res.Visible)
	if res.Usage != nil {
		if res.Usage.PromptTokens > 0 {
			tokensInput = res.Usage.PromptTokens
		}
		if res.Usage.CompletionTokens > 0 {
			tokensOutput = res.Usage.CompletionTokens
		}
	}
	return tokensInput, tokensOutput
}

// settle debits the final cost. A failed debit here is the documented
// shortfall from the admission race: the response has already been
// delivered, so the request still succeeds and the gap is surfaced via
// logs and metrics instead of an error.
func (s *Service) settle(ctx context.Context, user *directorydomain.User, model *registrydomain.Model, cost decimal.Decimal, tokensInput, tokensOutput int64) {
	if !cost.IsPositive() {
		return
	}
	deducted, err := s.ledger.DeductCredits(ctx, ledgerdomain.DeductCreditsRequest{
		UserID: user.ID.String(),
		Amount: cost,
		Description: fmt.Sprintf("API usage: %s (%d input + %d output tokens)",
			model.Name, tokensInput, tokensOutput),
	})
	if err != nil {
		s.log.Error("settlement debit failed",
			zap.String("user_id", user.ID.String()),
			zap.String("cost", cost.String()),
			zap.Error(err),
		)
		return
	}
	if !deducted {
		s.log.Warn("settlement shortfall: balance could not cover delivered usage",
			zap.String("user_id", user.ID.String()),
			zap.String("model_id", model.ID.String()),
			zap.String("cost", cost.String()),
		)
		if s.obsMetrics != nil {
			s.obsMetrics.SettlementShortfalls.Inc()
		}
	}
}

func (s *Service) recordUsage(ctx context.Context, username string, model *registrydomain.Model, tokensInput, tokensOutput int64, success bool, errorMessage string) {
	s.usageLog.Log(ctx, usagelogdomain.LogRequest{
		Username:     username,
		ModelID:      model.ID.String(),
		ModelName:    model.Name,
		Provider:     model.Provider,
		TokensInput:  tokensInput,
		TokensOutput: tokensOutput,
		Success:      success,
		ErrorMessage: errorMessage,
	})
}

func estimatorMessages(messages []proxydomain.ChatMessage) []estimator.Message {
	out := make([]estimator.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, estimator.Message{
			Role:   m.Role,
			Text:   m.Content.Text,
			Images: len(m.Content.Images),
		})
	}
	return out
}

func (s *Service) countRequest(modelID, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.ChatRequests.WithLabelValues(modelID, outcome).Inc()
}

func (s *Service) countTokens(modelID string, tokensInput, tokensOutput int64) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.TokensBilled.WithLabelValues(modelID, "input").Add(float64(tokensInput))
	s.obsMetrics.TokensBilled.WithLabelValues(modelID, "output").Add(float64(tokensOutput))
}

func (s *Service) observeStream(modelID string, d time.Duration) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.StreamDuration.WithLabelValues(modelID).Observe(d.Seconds())
}
