package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	"github.com/smallbiznis/leadclaim/internal/authorization"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	"github.com/smallbiznis/leadclaim/internal/caller"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/outcome"
	reconciliationdomain "github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
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
		c.Header("Content-Type", "application/json")
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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// outcomeStatus maps claim and billing error kinds to HTTP statuses.
var outcomeStatus = map[outcome.Kind]int{
	outcome.KindNotFound:           http.StatusNotFound,
	outcome.KindAlreadyClaimed:     http.StatusConflict,
	outcome.KindNotClaimed:         http.StatusConflict,
	outcome.KindNotOwner:           http.StatusForbidden,
	outcome.KindNotEligible:        http.StatusForbidden,
	outcome.KindLimitExceeded:      http.StatusUnprocessableEntity,
	outcome.KindAlreadyInvoiced:    http.StatusConflict,
	outcome.KindNothingToBill:      http.StatusUnprocessableEntity,
	outcome.KindPersistenceFailure: http.StatusServiceUnavailable,
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var oe *outcome.Error
	if errors.As(err, &oe) {
		status, ok := outcomeStatus[oe.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		message := oe.Message
		if oe.Kind == outcome.KindPersistenceFailure || message == "" {
			message = string(oe.Kind)
		}
		return status, errorPayload{Type: string(oe.Kind), Message: message}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, caller.ErrNoCaller),
		errors.Is(err, caller.ErrInvalidToken),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, accountdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, claimdomain.ErrInvalidCaseID),
		errors.Is(err, claimdomain.ErrInvalidCaller),
		errors.Is(err, accountdomain.ErrInvalidUser),
		errors.Is(err, accountdomain.ErrInvalidLimit),
		errors.Is(err, accountdomain.ErrInvalidRole),
		errors.Is(err, billingdomain.ErrInvalidUser),
		errors.Is(err, billingdomain.ErrInvalidInvoiceID),
		errors.Is(err, billingdomain.ErrInvalidStatus),
		errors.Is(err, billingdomain.ErrInvalidBillingDate),
		errors.Is(err, reconciliationdomain.ErrInvalidPayload),
		errors.Is(err, reconciliationdomain.ErrMissingEventType),
		errors.Is(err, reconciliationdomain.ErrMissingSignature),
		errors.Is(err, reconciliationdomain.ErrInvalidSignature),
		errors.Is(err, reconciliationdomain.ErrSignatureExpired):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger's error_type / error_code fields.
func classifyErrorForLog(err error) (string, string) {
	if kind := outcome.KindOf(err); kind != outcome.KindNone {
		return "domain", string(kind)
	}
	_, payload := mapError(err)
	return payload.Type, err.Error()
}
