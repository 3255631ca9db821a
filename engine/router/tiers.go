package router

import (
	"github.com/playforge/playforge/engine/store"
)

// tierRank orders tiers by expected quality and cost. Fallback only ever
// walks down toward cheaper tiers.
var tierRank = map[store.ProxyTier]int{
	store.TierDatacenter:    0,
	store.TierUserArbitrage: 1,
	store.TierISP:           2,
	store.TierResidential:   3,
	store.TierMobile:        4,
	store.TierTor:           0, // special purpose, never entered via fallback
}

// fallbackChains name the tiers tried, in order, when the preferred tier has
// no usable node or its breaker is open.
var fallbackChains = map[store.ProxyTier][]store.ProxyTier{
	store.TierMobile:        {store.TierResidential, store.TierISP, store.TierUserArbitrage},
	store.TierResidential:   {store.TierISP, store.TierUserArbitrage, store.TierDatacenter},
	store.TierISP:           {store.TierUserArbitrage, store.TierDatacenter},
	store.TierUserArbitrage: {store.TierDatacenter},
	store.TierTor:           {store.TierDatacenter},
	store.TierDatacenter:    nil,
}

// tierFailureThresholds set how many failures inside the rolling window trip
// each tier's breaker. Expensive tiers tolerate more before tripping.
var tierFailureThresholds = map[store.ProxyTier]int{
	store.TierMobile:        15,
	store.TierResidential:   12,
	store.TierISP:           10,
	store.TierUserArbitrage: 8,
	store.TierDatacenter:    8,
	store.TierTor:           5,
}

type tierPreference struct {
	preferred store.ProxyTier
	minimum   store.ProxyTier
}

// opTiers map each operation to its preferred tier and the cheapest tier it
// may fall back to.
var opTiers = map[store.Operation]tierPreference{
	store.OpPlayDelivery:    {preferred: store.TierDatacenter, minimum: store.TierDatacenter},
	store.OpAccountCreation: {preferred: store.TierResidential, minimum: store.TierISP},
	store.OpPlaylistFollow:  {preferred: store.TierISP, minimum: store.TierDatacenter},
}

// tierOrder returns the tiers to try for an operation: the preferred tier
// first, then its fallback chain cut off below the operation's minimum.
func tierOrder(op store.Operation) []store.ProxyTier {
	pref, ok := opTiers[op]
	if !ok {
		pref = opTiers[store.OpPlayDelivery]
	}
	order := []store.ProxyTier{pref.preferred}
	minRank := tierRank[pref.minimum]
	for _, t := range fallbackChains[pref.preferred] {
		if tierRank[t] < minRank {
			continue
		}
		order = append(order, t)
	}
	return order
}

// minimumTier returns the cheapest tier an operation accepts. Selection
// consults it even with an open breaker when the whole chain is tripped.
func minimumTier(op store.Operation) store.ProxyTier {
	pref, ok := opTiers[op]
	if !ok {
		pref = opTiers[store.OpPlayDelivery]
	}
	return pref.minimum
}
