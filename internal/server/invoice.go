package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/leadclaim/internal/authorization"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
)

// ListInvoices returns the caller's invoices. Callers allowed to view any invoice may pass user_id.
func (s *Server) ListInvoices(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	who, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filter := billingdomain.ListInvoicesFilter{
		Status: billingdomain.InvoiceStatus(strings.ToLower(strings.TrimSpace(c.Query("status")))),
	}
	if limit != nil {
		filter.Limit = *limit
	}

	viewAny := s.can(c, authorization.ObjectInvoice, authorization.ActionInvoiceViewAny)
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" && viewAny {
		userID, err := parseID(raw)
		if err != nil {
			AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
			return
		}
		filter.UserID = &userID
	} else if !viewAny {
		userID := who.ID()
		filter.UserID = &userID
	}

	items, err := s.billingSvc.ListInvoices(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	who, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.billingSvc.GetInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// Someone else's invoice is reported as missing rather than forbidden.
	if item.UserID != who.ID() && !s.can(c, authorization.ObjectInvoice, authorization.ActionInvoiceViewAny) {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) MarkInvoicePaid(c *gin.Context) {
	s.transitionInvoice(c, billingdomain.InvoiceStatusPaid)
}

func (s *Server) MarkInvoiceFailed(c *gin.Context) {
	s.transitionInvoice(c, billingdomain.InvoiceStatusFailed)
}

func (s *Server) transitionInvoice(c *gin.Context, to billingdomain.InvoiceStatus) {
	id, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, changed, err := s.billingSvc.Settle(c.Request.Context(), id, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice, "changed": changed})
}
