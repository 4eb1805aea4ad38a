// Package signup is the registration unit-of-work: create the user,
// ensure a ledger account, redeem the invite code, and grant its
// initial credits, with compensating cleanup on partial failure.
package signup

import (
	"context"
	"fmt"

	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RegisterRequest struct {
	Username   string
	InviteCode string
}

type RegisterResult struct {
	User           *directorydomain.User
	GrantedCredits string
}

type Service struct {
	directory directorydomain.Service
	invites   invitedomain.Service
	ledger    ledgerdomain.Service
	log       *zap.Logger
}

type Params struct {
	fx.In

	Directory directorydomain.Service
	Invites   invitedomain.Service
	Ledger    ledgerdomain.Service
	Log       *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		directory: p.Directory,
		invites:   p.Invites,
		ledger:    p.Ledger,
		log:       p.Log.Named("signup.service"),
	}
}

// GrantReference keys the initial grant to the invite code and user, so
// a retried grant after a crash cannot double-credit.
func GrantReference(codeID, userID string) string {
	return fmt.Sprintf("invite:%s:%s", codeID, userID)
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	// Advisory pre-check so an obviously dead code fails before any
	// state is created. Redeem re-validates authoritatively.
	if _, err := s.invites.Validate(ctx, req.InviteCode); err != nil {
		return nil, err
	}

	user, err := s.directory.Create(ctx, req.Username, directorydomain.RoleUser)
	if err != nil {
		return nil, err
	}
	userID := user.ID.String()

	if _, err := s.ledger.EnsureAccount(ctx, userID); err != nil {
		s.compensateUser(ctx, user)
		return nil, err
	}

	code, err := s.invites.Redeem(ctx, req.InviteCode, userID)
	if err != nil {
		// The code was not spent; nothing to undo beyond the user row.
		s.compensateUser(ctx, user)
		return nil, err
	}

	result := &RegisterResult{User: user, GrantedCredits: code.InitialCredits.String()}
	if !code.InitialCredits.IsPositive() {
		return result, nil
	}

	grant := ledgerdomain.AddCreditsRequest{
		UserID:      userID,
		Amount:      code.InitialCredits,
		Type:        ledgerdomain.TxnInitial,
		Description: fmt.Sprintf("Invite code %s", code.Code),
		ReferenceID: GrantReference(code.ID.String(), userID),
	}
	if err := s.ledger.AddCredits(ctx, grant); err != nil {
		// Retry once: the grant is idempotent on its reference, so a
		// replay after an ambiguous failure is safe.
		if err = s.ledger.AddCredits(ctx, grant); err != nil {
			// The code is spent and the user under-credited. Surface it
			// loudly; the grant can be replayed with the same reference.
			s.log.Error("invite redeemed but grant failed",
				zap.String("user_id", userID),
				zap.String("code", code.Code),
				zap.String("reference_id", grant.ReferenceID),
				zap.Error(err),
			)
			return nil, err
		}
	}

	s.log.Info("registration completed",
		zap.String("user_id", userID),
		zap.String("username", user.Username),
		zap.String("code", code.Code),
		zap.String("granted", code.InitialCredits.String()),
	)
	return result, nil
}

// compensateUser removes a user created by a registration that failed
// before its invite was spent. Best effort.
func (s *Service) compensateUser(ctx context.Context, user *directorydomain.User) {
	if err := s.directory.Delete(ctx, user.ID.String()); err != nil {
		s.log.Warn("failed to clean up user after aborted registration",
			zap.String("user_id", user.ID.String()),
			zap.Error(err),
		)
	}
}
