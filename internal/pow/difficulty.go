package pow

import (
	"time"

	"dsnode/internal/logger"
	"dsnode/internal/params"
)

const (
	// maxAdjustStep caps the per-epoch difficulty movement in either
	// direction, preventing oscillation on submission spikes.
	maxAdjustStep = 2

	// maxAdjustThreshold caps the proportional-scaling divisor so the
	// adjustment still reacts on very large committees.
	maxAdjustThreshold = 99

	// maxIncreaseDifficultyYears is how long the annual bump applies.
	maxIncreaseDifficultyYears = 10

	secondsPerYear = 365 * 24 * 3600
)

// NextDifficulty computes the next epoch's difficulty from the current
// difficulty, the number of PoW submissions received, and the number of
// active shard nodes. Small deviations nudge the difficulty by one step,
// large deviations scale proportionally, and the result never drops below
// the configured floor.
func NextDifficulty(cfg *params.Config, current uint8, submissions, activeNodes int64, epoch uint64) uint8 {
	var adjustment int64

	if activeNodes > 0 && activeNodes != submissions {
		diff := submissions - activeNodes

		// Threshold scales with the active set so the controller works on
		// small networks too.
		threshold := activeNodes * cfg.PoWChangePercentToAdjDiff / 100
		if threshold > maxAdjustThreshold {
			threshold = maxAdjustThreshold
		}

		switch {
		case threshold < 1:
			adjustment = 0
		case abs(diff) < threshold:
			// Small delta: move one step only when the whole-network
			// expectation agrees with the direction.
			if diff > 0 && submissions > cfg.NumNetworkNode {
				adjustment = 1
			} else if diff < 0 && submissions < cfg.NumNetworkNode {
				adjustment = -1
			}
		default:
			adjustment = diff / threshold
		}
	}

	if adjustment > maxAdjustStep {
		adjustment = maxAdjustStep
	} else if adjustment < -maxAdjustStep {
		adjustment = -maxAdjustStep
	}

	next := int64(current) + adjustment
	if next < int64(cfg.PoWDifficulty) {
		next = int64(cfg.PoWDifficulty)
	}

	// Every year for the first decade the difficulty climbs one extra
	// level, encouraging miners to upgrade hardware over time.
	bpy := blocksPerYear(cfg)
	if bpy > 0 && epoch <= maxIncreaseDifficultyYears*bpy && epoch%bpy == 0 {
		logger.WithEpoch(epoch).Info("annual difficulty bump", "difficulty", next+1)
		next++
	}

	if next > 255 {
		next = 255
	}

	return uint8(next)
}

// blocksPerYear estimates the final-block count of one year, rounded down
// to a whole PoW round.
func blocksPerYear(cfg *params.Config) uint64 {
	powWindowSec := uint64(cfg.PoWWindow / time.Second)
	distributeSec := uint64(cfg.TxDistributeTime / time.Second)

	blockTime := powWindowSec/cfg.NumFinalBlockPerPoW + distributeSec
	if blockTime == 0 {
		return 0
	}

	estimated := uint64(secondsPerYear) / blockTime

	return estimated / cfg.NumFinalBlockPerPoW * cfg.NumFinalBlockPerPoW
}

// abs returns the absolute value of a signed 64-bit integer.
func abs(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}
