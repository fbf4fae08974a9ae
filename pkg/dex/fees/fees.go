// Package fees resolves a participant's FeeTier and applies the rounding
// rules the matching engine relies on: taker fees round up (the protocol
// never loses a unit to truncation) and maker rebates round down (a rebate
// never exceeds the fee it is carved out of).
package fees

// Tier identifies a discount tier, resolved by the dispatcher from an
// optional discount-token account balance against the thresholds below.
// It is stored as a single byte on every resting LeafNode so rebate rates
// survive in the order book without a side lookup.
type Tier uint8

const (
	Base Tier = iota
	SRM2
	SRM3
	SRM4
	SRM5
	SRM6
	MSRM
)

func (t Tier) String() string {
	switch t {
	case Base:
		return "Base"
	case SRM2:
		return "SRM2"
	case SRM3:
		return "SRM3"
	case SRM4:
		return "SRM4"
	case SRM5:
		return "SRM5"
	case SRM6:
		return "SRM6"
	case MSRM:
		return "MSRM"
	default:
		return "Unknown"
	}
}

// takerBps and makerRebateBps are indexed by Tier. Thresholds and rates are
// critbook's own schedule, not a reproduction of any specific historical
// deployment's numbers (see DESIGN.md's Open Question decisions).
var takerBps = [...]int64{22, 20, 18, 16, 14, 12, 10}
var makerRebateBps = [...]int64{3, 3, 4, 4, 5, 5, 6}

// DiscountThreshold is the minimum discount-token balance required to
// qualify for a tier. The SRM thresholds increase by tier; the last entry
// (MSRM) is compared against the MSRM balance, not the SRM one.
var DiscountThreshold = [...]uint64{0, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 1}

// ReferrerShareBps is the share of the gross taker fee credited to a
// referrer account, taken before the protocol's own fee is booked.
const ReferrerShareBps = 2_000 // 20%

const bpsDenominator = 10_000

// AllTiers lists every tier in ascending order, for callers (the
// monitoring surface's fee-schedule endpoint) that want to display the
// whole table rather than resolve one balance.
func AllTiers() []Tier {
	return []Tier{Base, SRM2, SRM3, SRM4, SRM5, SRM6, MSRM}
}

// TakerFeeBps returns the raw taker-fee basis points for tier, for display
// purposes; TakerFee applies the rounding rule to an actual quantity.
func (t Tier) TakerFeeBps() int64 { return takerBps[t] }

// MakerRebateBps returns the raw maker-rebate basis points for tier.
func (t Tier) MakerRebateBps() int64 { return makerRebateBps[t] }

// ResolveTier picks the highest tier whose threshold the balance clears.
// MSRM (index len-1) is checked first since a single MSRM outranks any SRM
// balance regardless of magnitude.
func ResolveTier(srmBalance, msrmBalance uint64) Tier {
	if msrmBalance >= DiscountThreshold[MSRM] {
		return MSRM
	}
	tier := Base
	for t := SRM6; t >= SRM2; t-- {
		if srmBalance >= DiscountThreshold[t] {
			tier = t
			break
		}
	}
	return tier
}

// TakerFee rounds up: ceil(nativePcQty * bps / 10000).
func TakerFee(tier Tier, nativePcQty uint64) uint64 {
	bps := takerBps[tier]
	num := nativePcQty * uint64(bps)
	return (num + bpsDenominator - 1) / bpsDenominator
}

// RemoveTakerFee converts a budget quoted fee-inclusive into its spendable
// portion: the largest x with x + TakerFee(tier, x) <= nativePcQty. The
// matching engine applies it to a bid's quote budget before the crossing
// loop, so fills can never consume the room the fee needs.
func RemoveTakerFee(tier Tier, nativePcQty uint64) uint64 {
	denom := uint64(bpsDenominator) + uint64(takerBps[tier])
	return nativePcQty * bpsDenominator / denom
}

// MakerRebate rounds down: floor(nativePcQty * bps / 10000).
func MakerRebate(tier Tier, nativePcQty uint64) uint64 {
	bps := makerRebateBps[tier]
	return (nativePcQty * uint64(bps)) / bpsDenominator
}

// ReferrerRebate is the referrer's share of an already-computed taker fee,
// rounded down so the protocol never pays out more than it collected.
func ReferrerRebate(takerFee uint64) uint64 {
	return (takerFee * ReferrerShareBps) / bpsDenominator
}
