package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/leadclaim/internal/billingjob"
)

type runBillingRequest struct {
	Date      string `json:"date"`
	Force     bool   `json:"force"`
	DryRun    bool   `json:"dry_run"`
	GraceDays *int   `json:"grace_days"`
}

// RunBilling triggers the daily run for one date, yesterday when none is given.
func (s *Server) RunBilling(c *gin.Context) {
	var req runBillingRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	date, err := parseOptionalDate(req.Date)
	if err != nil {
		AbortWithError(c, newValidationError("date", "invalid_date", "date must be YYYY-MM-DD"))
		return
	}

	opts := billingjob.Options{Force: req.Force, DryRun: req.DryRun, GraceDays: -1}
	if date != nil {
		opts.Date = *date
	}
	if req.GraceDays != nil {
		if *req.GraceDays < 0 {
			AbortWithError(c, newValidationError("grace_days", "invalid_grace_days", "grace_days must not be negative"))
			return
		}
		opts.GraceDays = *req.GraceDays
	}

	report, err := s.driver.Run(c.Request.Context(), opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) OverdueReport(c *gin.Context) {
	grace, err := parseOptionalInt(c.Query("grace_days"))
	if err != nil || (grace != nil && *grace < 0) {
		AbortWithError(c, newValidationError("grace_days", "invalid_grace_days", "invalid grace_days"))
		return
	}
	graceDays := -1
	if grace != nil {
		graceDays = *grace
	}

	summary, err := s.driver.Overdue(c.Request.Context(), graceDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) BillingSummary(c *gin.Context) {
	summary, err := s.billingSvc.Summary(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	limit, err := parseOptionalInt(strings.TrimSpace(c.Query("limit")))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}

	events, err := s.reconcileSvc.Recent(c.Request.Context(), n)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}
