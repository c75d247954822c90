package services

import (
	"math"
)

// BaseXPPerLevel scales the step curve. Level 1 to 2 costs exactly this much.
const BaseXPPerLevel = 100

// MaxLevel caps the curve so the threshold table stays small.
const MaxLevel = 200

// levelStep is the earned XP between the start of level n and the start of
// level n+1, floored to whole XP.
func levelStep(n int) int64 {
	if n < 1 {
		n = 1
	}
	return int64(float64(BaseXPPerLevel) * math.Pow(float64(n), 1.2))
}

// levelThresholds[i] is the lifetime XP at which level i+1 starts: the sum of
// the steps below it.
var levelThresholds = buildLevelThresholds()

func buildLevelThresholds() []int64 {
	out := make([]int64, MaxLevel)
	var total int64
	for lvl := 1; lvl < MaxLevel; lvl++ {
		total += levelStep(lvl)
		out[lvl] = total
	}
	return out
}

// LevelFor maps lifetime earned XP to a level. Spending never lowers a level
// because only totalEarned goes in.
func LevelFor(totalEarned int64) int {
	if totalEarned <= 0 {
		return 1
	}
	lo, hi := 0, len(levelThresholds)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if levelThresholds[mid] <= totalEarned {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

// XPForLevel returns the lifetime XP at which a level starts.
func XPForLevel(level int) int64 {
	if level <= 1 {
		return 0
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return levelThresholds[level-1]
}
