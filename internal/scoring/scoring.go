// Package scoring rates how desirable a case is on a 0..100 scale.
package scoring

import (
	"fmt"

	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/config"
)

// New selects the scorer named by mode.
func New(mode string) (claimdomain.Scorer, error) {
	switch mode {
	case config.ScoringModeHeuristic, "":
		return Heuristic{}, nil
	case config.ScoringModeFull:
		return Full{}, nil
	default:
		return nil, fmt.Errorf("unknown scoring mode %q", mode)
	}
}

// Heuristic scores a case from data completeness only.
type Heuristic struct{}

func (Heuristic) Score(c claimdomain.Case) int {
	score := 25
	if c.ARVCents > 0 {
		score += 15
	}
	if c.Address != "" {
		score += 10
	}
	if c.ParcelID != "" {
		score += 10
	}
	return clamp(score)
}

// Full scores a case from its deal economics using the 70% rule.
// A case without an ARV cannot be analyzed and gets the base score.
type Full struct{}

const (
	baseScore           = 25
	maxOfferRatio       = 0.70
	defaultClosingRatio = 0.045
)

func (Full) Score(c claimdomain.Case) int {
	if c.ARVCents <= 0 {
		return baseScore
	}

	arv := float64(c.ARVCents) / 100
	rehab := float64(c.RehabCents) / 100
	closing := float64(c.ClosingCostsCents) / 100
	if c.ClosingCostsCents <= 0 {
		closing = arv * defaultClosingRatio
	}
	liens := float64(c.LiensCents) / 100

	maxOffer := arv*maxOfferRatio - rehab - closing
	profit := arv - (maxOffer + rehab + closing)
	equityPct := (arv - liens) / arv * 100
	roiPct := 0.0
	if maxOffer > 0 {
		roiPct = profit / maxOffer * 100
	}

	score := baseScore
	switch {
	case equityPct >= 40:
		score += 25
	case equityPct >= 30:
		score += 15
	case equityPct >= 20:
		score += 5
	}
	switch {
	case roiPct > 40:
		score += 15
	case roiPct > 30:
		score += 10
	}
	switch {
	case profit >= 50000:
		score += 10
	case profit >= 25000:
		score += 5
	}
	if liens > 0 && liens > maxOffer {
		score -= 10
	}
	return clamp(score)
}

func clamp(score int) int {
	return max(0, min(100, score))
}

// Policy scores with whichever mode the live policy names, so a reload switches scorers without a restart.
type Policy struct {
	holder *config.PolicyHolder
}

func NewPolicy(holder *config.PolicyHolder) claimdomain.Scorer {
	return Policy{holder: holder}
}

func (p Policy) Score(c claimdomain.Case) int {
	if p.holder != nil && p.holder.Get().ScoringMode == config.ScoringModeFull {
		return Full{}.Score(c)
	}
	return Heuristic{}.Score(c)
}
