package server

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/leadclaim/internal/authorization"
	"github.com/smallbiznis/leadclaim/internal/caller"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/pricing"
)

const maxBulkCases = 100

type bulkClaimRequest struct {
	CaseIDs []flexID `json:"case_ids"`
}

type claimResponse struct {
	claimdomain.Claim
	Tier  pricing.Tier `json:"tier"`
	Price string       `json:"price"`
}

func newClaimResponse(claim claimdomain.Claim) claimResponse {
	return claimResponse{
		Claim: claim,
		Tier:  pricing.TierFor(claim.ScoreAtClaim),
		Price: pricing.FormatCents(claim.PriceCents),
	}
}

func (s *Server) AcquireClaim(c *gin.Context) {
	caseID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	who, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	claim, err := s.claimSvc.Acquire(c.Request.Context(), caseID, who)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": newClaimResponse(claim)})
}

func (s *Server) ReleaseClaim(c *gin.Context) {
	caseID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	who, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.claimSvc.Release(c.Request.Context(), caseID, who); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "released", "case_id": caseID.String()})
}

// GetCaseClaim reports whether a case is claimed. Claim details are shown to the owner and to
// callers allowed to release any claim.
func (s *Server) GetCaseClaim(c *gin.Context) {
	caseID, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	who, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	active, err := s.claimSvc.ActiveForCase(c.Request.Context(), caseID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if active == nil {
		c.JSON(http.StatusOK, gin.H{"case_id": caseID.String(), "claimed": false})
		return
	}

	owned := active.UserID == who.ID()
	resp := gin.H{"case_id": caseID.String(), "claimed": true, "owned_by_you": owned}
	if owned || s.can(c, authorization.ObjectClaim, authorization.ActionClaimReleaseAny) {
		resp["data"] = newClaimResponse(*active)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) BulkAcquire(c *gin.Context) {
	s.bulk(c, s.claimSvc.AcquireMany)
}

func (s *Server) BulkRelease(c *gin.Context) {
	s.bulk(c, s.claimSvc.ReleaseMany)
}

func (s *Server) bulk(c *gin.Context, apply func(ctx context.Context, ids []snowflake.ID, who caller.Caller) claimdomain.BulkResult) {
	var req bulkClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.CaseIDs) == 0 {
		AbortWithError(c, newValidationError("case_ids", "required", "case_ids is required"))
		return
	}
	if len(req.CaseIDs) > maxBulkCases {
		AbortWithError(c, newValidationError("case_ids", "too_many", "at most 100 cases per request"))
		return
	}
	who, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result := apply(c.Request.Context(), toIDs(req.CaseIDs), who)
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListClaims(c *gin.Context) {
	activeOnly, err := parseOptionalBool(c.Query("active_only"))
	if err != nil {
		AbortWithError(c, newValidationError("active_only", "invalid_active_only", "invalid active_only"))
		return
	}
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

	filter := claimdomain.ListClaimsFilter{UserID: who.ID()}
	if activeOnly != nil {
		filter.ActiveOnly = *activeOnly
	}
	if limit != nil {
		filter.Limit = *limit
	}

	claims, err := s.claimSvc.ListForUser(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]claimResponse, 0, len(claims))
	for _, claim := range claims {
		items = append(items, newClaimResponse(claim))
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ClaimStats(c *gin.Context) {
	stats, err := s.claimSvc.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}
