package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
	"github.com/smallbiznis/leadclaim/internal/reconciliation/signature"
	"go.uber.org/zap"
)

const (
	maxWebhookBody = 1 << 20
	previewLength  = 200
)

// HandleStripeWebhook verifies and dispatches one payment processor notification. Once the
// signature passes, the processor always gets a 200 so it does not retry handler failures.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if s.verifier.Enabled() {
		if err := s.verifier.Verify(payload, c.GetHeader(signature.HeaderName)); err != nil {
			s.log.Warn("webhook signature rejected", zap.Error(err))
			AbortWithError(c, err)
			return
		}
	}

	event, err := reconciliationdomain.Decode(payload)
	if err != nil {
		s.log.Warn("webhook payload rejected", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "error", "error": err.Error()})
		return
	}

	result := s.reconcileSvc.Handle(c.Request.Context(), reconciliationdomain.ProviderStripe, event)
	if result.Status == reconciliationdomain.StatusError {
		c.JSON(http.StatusOK, gin.H{"status": "error", "event_id": result.EventID, "error": result.Error})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "event_id": result.EventID, "result": result.Status})
}

// HandleStripeTestWebhook echoes a payload without touching state. Registered outside production only.
func (s *Server) HandleStripeTestWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	preview := string(payload)
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	c.JSON(http.StatusOK, gin.H{"status": "test_received", "data_preview": preview})
}
