// Package pricing maps a case desirability score to a claim price.
package pricing

import (
	"fmt"

	"go.uber.org/fx"
)

// Engine converts a score into a price in cents. Implementations must be pure.
type Engine interface {
	PriceCents(score int) int64
}

// Linear prices a claim at one dollar per score point, floored at one dollar.
type Linear struct{}

func NewLinear() Engine {
	return Linear{}
}

func (Linear) PriceCents(score int) int64 {
	return int64(max(score, 1)) * 100
}

type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
)

func TierFor(score int) Tier {
	switch {
	case score >= 80:
		return TierExcellent
	case score >= 60:
		return TierGood
	case score >= 40:
		return TierFair
	default:
		return TierPoor
	}
}

// TierInfo describes one price band for display.
type TierInfo struct {
	Tier     Tier   `json:"tier"`
	MinScore int    `json:"min_score"`
	MaxScore int    `json:"max_score"`
	Label    string `json:"label"`
}

// Tiers lists the price bands from most to least valuable.
func Tiers() []TierInfo {
	return []TierInfo{
		{Tier: TierExcellent, MinScore: 80, MaxScore: 100, Label: "Premium"},
		{Tier: TierGood, MinScore: 60, MaxScore: 79, Label: "High Value"},
		{Tier: TierFair, MinScore: 40, MaxScore: 59, Label: "Standard"},
		{Tier: TierPoor, MinScore: 0, MaxScore: 39, Label: "Basic"},
	}
}

// FormatCents renders cents as a dollar amount, e.g. "$52.00".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

var Module = fx.Module("pricing",
	fx.Provide(NewLinear),
)
