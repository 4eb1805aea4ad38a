package server

import (
	"errors"
	"net/http"

	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	proxydomain "github.com/creditgate/creditgate/internal/proxy/domain"
	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	// Populated for payment_required responses only.
	Required  string `json:"required,omitempty"`
	Available string `json:"available,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`

	// Populated for upstream_error responses only.
	UpstreamStatus int `json:"upstream_status,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var insufficient *proxydomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:      "payment_required",
			Message:   "insufficient credits",
			Required:  insufficient.Required.StringFixed(2),
			Available: insufficient.Available.StringFixed(2),
			Shortfall: insufficient.Shortfall().StringFixed(2),
		}
	}

	var upstream *proxydomain.UpstreamError
	if errors.As(err, &upstream) {
		return http.StatusBadGateway, errorPayload{
			Type:           "upstream_error",
			Message:        upstream.Message,
			UpstreamStatus: upstream.Status,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, proxydomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, invitedomain.ErrDuplicateCode),
		errors.Is(err, directorydomain.ErrDuplicateUsername):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, registrydomain.ErrModelNotFound),
		errors.Is(err, directorydomain.ErrUserNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, invitedomain.ErrCodeNotFound),
		errors.Is(err, pricingdomain.ErrRuleNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, proxydomain.ErrInvalidRequest),
		errors.Is(err, proxydomain.ErrModelDisabled),
		errors.Is(err, proxydomain.ErrProviderKeyMissing),
		errors.Is(err, invitedomain.ErrInviteInvalid),
		errors.Is(err, invitedomain.ErrInviteExhausted),
		errors.Is(err, invitedomain.ErrInviteExpired),
		errors.Is(err, invitedomain.ErrInvalidMaxUses),
		errors.Is(err, invitedomain.ErrInvalidCredits),
		errors.Is(err, ledgerdomain.ErrInvalidUser),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidTxnType),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken),
		errors.Is(err, directorydomain.ErrInvalidUsername),
		errors.Is(err, pricingdomain.ErrInvalidRule),
		errors.Is(err, pricingdomain.ErrInvalidTokenCount):
		return true
	default:
		return false
	}
}
