package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/leadclaim/internal/pricing"
)

type tierResponse struct {
	pricing.TierInfo
	MinPrice string `json:"min_price"`
	MaxPrice string `json:"max_price"`
}

func (s *Server) ListPricingTiers(c *gin.Context) {
	tiers := pricing.Tiers()
	items := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		items = append(items, tierResponse{
			TierInfo: t,
			MinPrice: pricing.FormatCents(s.pricing.PriceCents(t.MinScore)),
			MaxPrice: pricing.FormatCents(s.pricing.PriceCents(t.MaxScore)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetPriceForScore(c *gin.Context) {
	score, err := strconv.Atoi(strings.TrimSpace(c.Param("score")))
	if err != nil || score < 0 || score > 100 {
		AbortWithError(c, newValidationError("score", "invalid_score", "score must be between 0 and 100"))
		return
	}

	cents := s.pricing.PriceCents(score)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"score":       score,
		"price_cents": cents,
		"price":       pricing.FormatCents(cents),
		"tier":        pricing.TierFor(score),
	}})
}
