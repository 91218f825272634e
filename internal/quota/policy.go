package quota

import "github.com/docfold/docfold/internal/storage"

// Policy maps an account tier to its daily operation ceiling. Pure lookup,
// no mutable state.
type Policy struct {
	FreeDailyLimit    int64
	PremiumDailyLimit int64
}

// DefaultPolicy mirrors the stock free/premium ceilings.
var DefaultPolicy = Policy{
	FreeDailyLimit:    5,
	PremiumDailyLimit: 100,
}

// Ceiling returns the daily operation ceiling for a tier. Unknown tiers get
// the free ceiling.
func (p Policy) Ceiling(tier storage.Tier) int64 {
	if tier == storage.TierPremium {
		return p.PremiumDailyLimit
	}
	return p.FreeDailyLimit
}
