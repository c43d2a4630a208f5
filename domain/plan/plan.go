// Package plan provides plan tier value types and pure functions.
package plan

import "fmt"

// Tier is a subscription level determining resource limits.
type Tier string

const (
	TierFree   Tier = "free"
	TierPro    Tier = "pro"
	TierAgency Tier = "agency"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierAgency:
		return true
	}
	return false
}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
	return t, nil
}

// Resource is a metered resource type.
type Resource string

const (
	ResourceStorageBytes Resource = "storage_bytes"
	ResourceConversions  Resource = "conversions"
	ResourceAPICalls     Resource = "api_calls"
)

// Resources lists every metered resource in display order.
var Resources = []Resource{ResourceStorageBytes, ResourceConversions, ResourceAPICalls}

// Valid reports whether r is a known resource.
func (r Resource) Valid() bool {
	switch r {
	case ResourceStorageBytes, ResourceConversions, ResourceAPICalls:
		return true
	}
	return false
}

// Periodic reports whether usage of r resets every billing period.
// Storage is cumulative and never rolls over.
func (r Resource) Periodic() bool {
	return r != ResourceStorageBytes
}

// Unlimited marks a limit with no cap.
const Unlimited int64 = -1

// Limits is the immutable set of caps for a tier (value type).
type Limits struct {
	Tier                Tier
	StorageBytes        int64 // -1 = unlimited
	ConversionsPerMonth int64 // -1 = unlimited
	APICallsPerMonth    int64 // -1 = unlimited
	MaxFileSizeBytes    int64 // -1 = unlimited
}

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

// Defaults returns the built-in limits for every tier.
func Defaults() []Limits {
	return []Limits{
		{Tier: TierFree, StorageBytes: 100 * mib, ConversionsPerMonth: 10, APICallsPerMonth: 100, MaxFileSizeBytes: 10 * mib},
		{Tier: TierPro, StorageBytes: 10 * gib, ConversionsPerMonth: 1000, APICallsPerMonth: 10000, MaxFileSizeBytes: 100 * mib},
		{Tier: TierAgency, StorageBytes: 100 * gib, ConversionsPerMonth: Unlimited, APICallsPerMonth: 100000, MaxFileSizeBytes: 500 * mib},
	}
}

// LimitFor returns the cap for a resource.
// This is a PURE function.
func (l Limits) LimitFor(r Resource) int64 {
	switch r {
	case ResourceStorageBytes:
		return l.StorageBytes
	case ResourceConversions:
		return l.ConversionsPerMonth
	case ResourceAPICalls:
		return l.APICallsPerMonth
	}
	return 0
}

// Find finds limits by tier in a list.
// This is a PURE function.
func Find(all []Limits, t Tier) (Limits, bool) {
	for _, l := range all {
		if l.Tier == t {
			return l, true
		}
	}
	return Limits{}, false
}

// TierForPrice maps a payment provider price ID to a tier.
// Unknown prices map to fallback.
// This is a PURE function.
func TierForPrice(prices map[string]Tier, priceID string, fallback Tier) Tier {
	if t, ok := prices[priceID]; ok && t.Valid() {
		return t
	}
	return fallback
}
