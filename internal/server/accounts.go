package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"go.uber.org/zap"
)

const releaseAllPage = 500

type upsertAccountRequest struct {
	Role                string `json:"role"`
	MaxClaims           *int   `json:"max_claims"`
	ProcessorCustomerID string `json:"processor_customer_id"`
}

type claimLimitRequest struct {
	MaxClaims *int `json:"max_claims"`
}

type toggleBillingRequest struct {
	BillingActive *bool `json:"is_billing_active"`
}

func (s *Server) GetAccount(c *gin.Context) {
	userID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.accountSvc.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

// UpsertAccount creates the billing account for a user, or patches the fields present in the body.
func (s *Server) UpsertAccount(c *gin.Context) {
	userID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req upsertAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	create := accountdomain.CreateAccountRequest{
		UserID:              userID,
		Role:                req.Role,
		ProcessorCustomerID: req.ProcessorCustomerID,
	}
	if req.MaxClaims != nil {
		if *req.MaxClaims < 0 {
			AbortWithError(c, newValidationError("max_claims", "invalid_claim_limit", "max_claims must not be negative"))
			return
		}
		create.MaxClaims = *req.MaxClaims
	}

	account, created, err := s.accountSvc.Upsert(c.Request.Context(), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": account, "created": created})
}

func (s *Server) SetClaimLimit(c *gin.Context) {
	userID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req claimLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.MaxClaims == nil || *req.MaxClaims < 0 {
		AbortWithError(c, newValidationError("max_claims", "invalid_claim_limit", "invalid claim limit"))
		return
	}

	account, previous, err := s.accountSvc.SetClaimLimit(c.Request.Context(), userID, *req.MaxClaims)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"user_id":   userID.String(),
		"old_limit": previous,
		"new_limit": account.MaxClaims,
	})
}

func (s *Server) ToggleBilling(c *gin.Context) {
	userID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req toggleBillingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.BillingActive == nil {
		AbortWithError(c, newValidationError("is_billing_active", "required", "is_billing_active is required"))
		return
	}

	account, err := s.accountSvc.SetBillingActive(c.Request.Context(), userID, *req.BillingActive)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"user_id":           userID.String(),
		"is_billing_active": account.BillingActive,
	})
}

// ReleaseAllClaims releases every active claim held by a user. Released claims keep their
// billing history; the cases become claimable again.
func (s *Server) ReleaseAllClaims(c *gin.Context) {
	userID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	who, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	released, failed := 0, 0
	for {
		active, err := s.claimSvc.ListForUser(ctx, claimdomain.ListClaimsFilter{
			UserID:     userID,
			ActiveOnly: true,
			Limit:      releaseAllPage,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if len(active) == 0 {
			break
		}

		caseIDs := make([]snowflake.ID, 0, len(active))
		for _, claim := range active {
			caseIDs = append(caseIDs, claim.CaseID)
		}
		result := s.claimSvc.ReleaseMany(ctx, caseIDs, who)
		released += result.Succeeded
		failed += result.Failed
		if result.Succeeded == 0 || len(active) < releaseAllPage {
			break
		}
	}

	s.log.Info("released all claims for user",
		zap.String("user_id", userID.String()),
		zap.String("released_by", who.ID().String()),
		zap.Int("released_count", released),
		zap.Int("failed_count", failed),
	)
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"user_id":        userID.String(),
		"released_count": released,
		"failed_count":   failed,
	})
}
