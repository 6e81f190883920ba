// Package progression converts cumulative experience into levels, rarities and registry
// reputation. Everything in this package is pure.
package progression

import (
	"math"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

const (
	// RareLevel is the first level at which a soul becomes Rare
	RareLevel = 10
	// LegendaryLevel is the first level at which a soul becomes Legendary
	LegendaryLevel = 15
	// MythicLevel is the first level at which a soul becomes Mythic
	MythicLevel = 20

	// MaxReputation is the highest reputation the registry accepts
	MaxReputation = 100

	// MaxXP is the highest cumulative xp a soul can hold. Thresholds saturate here.
	MaxXP int64 = math.MaxInt64

	growthNumerator   = 3
	growthDenominator = 2
)

// thresholds[i] is the cumulative xp needed to reach level i+1. Bands widen until level 10
// and grow by 1.5x from there on.
var thresholds = []int64{
	0, 100, 250, 350, 450, 575, 700, 850, 1000, 1200,
	1800, 2700, 4050, 6075, 9110, 13665, 20495, 30740, 46110, 69165,
}

// Threshold returns the cumulative xp required to reach level. Levels below 1 return 0.
func Threshold(level int) int64 {
	if level <= 1 {
		return 0
	}
	if level <= len(thresholds) {
		return thresholds[level-1]
	}
	t := thresholds[len(thresholds)-1]
	for l := len(thresholds); l < level && t < MaxXP; l++ {
		t = nextThreshold(t)
	}
	return t
}

// nextThreshold grows t by 1.5x, floored to a multiple of 5, saturating at MaxXP
func nextThreshold(t int64) int64 {
	if t > MaxXP/growthNumerator {
		return MaxXP
	}
	next := t * growthNumerator / growthDenominator
	return next - next%5
}

// LevelForXP returns the level reached with the given cumulative xp. Negative xp is level 1.
func LevelForXP(xp int64) int {
	if xp <= 0 {
		return 1
	}
	level := 1
	for i := 1; i < len(thresholds); i++ {
		if xp < thresholds[i] {
			return level
		}
		level++
	}
	t := thresholds[len(thresholds)-1]
	for {
		next := nextThreshold(t)
		if next <= t || xp < next {
			return level
		}
		t = next
		level++
	}
}

// AddXP returns xp+delta and false when the sum would exceed MaxXP
func AddXP(xp, delta int64) (int64, bool) {
	if delta < 0 {
		delta = 0
	}
	if xp > MaxXP-delta {
		return MaxXP, false
	}
	return xp + delta, true
}

// RarityForLevel returns the rarity a soul of the given level has
func RarityForLevel(level int) persist.Rarity {
	switch {
	case level >= MythicLevel:
		return persist.RarityMythic
	case level >= LegendaryLevel:
		return persist.RarityLegendary
	case level >= RareLevel:
		return persist.RarityRare
	default:
		return persist.RarityCommon
	}
}

// NextLevelXP returns the cumulative xp at which the level after the given one starts
func NextLevelXP(level int) int64 {
	if level < 1 {
		level = 1
	}
	return Threshold(level + 1)
}

// XPProgress returns how far through its current level band xp is, in [0, 1]
func XPProgress(xp int64, level int) float64 {
	lo := Threshold(level)
	hi := NextLevelXP(level)
	if hi <= lo || xp <= lo {
		return 0
	}
	if xp >= hi {
		return 1
	}
	return float64(xp-lo) / float64(hi-lo)
}

// ResolveRarity returns the rarity a soul should be stored with after reaching level.
// A stored rarity higher than the derived one is kept only when locked is true.
func ResolveRarity(stored persist.Rarity, level int, locked bool) persist.Rarity {
	derived := RarityForLevel(level)
	if locked && stored.IsHigherThan(derived) {
		return stored
	}
	return derived
}

// Reputation returns the registry reputation of a soul
func Reputation(level int, evolutions int) int64 {
	r := int64(level)*5 + int64(evolutions)*10
	if r > MaxReputation {
		return MaxReputation
	}
	if r < 0 {
		return 0
	}
	return r
}

// Outcome is the result of applying experience to a soul
type Outcome struct {
	XP        int64
	Level     int
	Rarity    persist.Rarity
	LeveledUp bool
	Evolved   bool
	// RarityPreserved is true when the administrative lock kept a rarity above the derived one
	RarityPreserved bool
}

// Apply adds delta experience to a soul. Negative deltas are treated as zero and the sum
// saturates at MaxXP, so xp never decreases.
func Apply(s persist.Soul, delta int64) Outcome {
	xp, _ := AddXP(s.XP, delta)
	level := LevelForXP(xp)
	if level < s.Level {
		// a stored level above what xp implies only comes from manual edits; never demote
		level = s.Level
	}
	current := s.Rarity
	if !current.IsValid() {
		current = persist.RarityCommon
	}
	rarity := ResolveRarity(current, level, s.RarityLocked)
	return Outcome{
		XP:              xp,
		Level:           level,
		Rarity:          rarity,
		LeveledUp:       level > s.Level,
		Evolved:         rarity != current,
		RarityPreserved: rarity != RarityForLevel(level),
	}
}
