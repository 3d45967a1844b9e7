package mining

import (
	"github.com/sells-group/icp-miner/internal/model"
)

// SelectProfile picks the next profile to work on from a pool of pending or
// running profiles. Running profiles always win over pending ones; within a
// status the greatest remaining target count wins, unhydrated profiles
// counting as zero. Ties keep input order. Returns false for an empty pool.
func SelectProfile(pool []model.MiningProfile) (model.MiningProfile, bool) {
	best := -1
	for i := range pool {
		if best < 0 || outranks(pool[i], pool[best]) {
			best = i
		}
	}
	if best < 0 {
		return model.MiningProfile{}, false
	}
	return pool[best], true
}

// outranks reports whether a should be chosen over b. Equal candidates
// never outrank each other, which keeps the earlier one.
func outranks(a, b model.MiningProfile) bool {
	ar, br := a.Status == model.ProfileStatusRunning, b.Status == model.ProfileStatusRunning
	if ar != br {
		return ar
	}
	return a.Remaining() > b.Remaining()
}
