// Package auth resolves a caller's permission tier inside one tenant.
//
// Tiers, highest first: Buyer (the principal that registered the bot),
// Owner, Whitelisted, Default. Each tier implies the ones below it.
// A command may also name a custom permission; a matching role or member
// entry in the tenant's permissions map grants it regardless of tier.
package auth

import (
	"errors"

	"fleetbot/internal/storage"
)

// ErrInsufficientPermission is returned when a verdict does not allow a command.
var ErrInsufficientPermission = errors.New("insufficient permission")

type Tier int

const (
	TierDefault Tier = iota
	TierWhitelisted
	TierOwner
	TierBuyer
)

func (t Tier) String() string {
	switch t {
	case TierBuyer:
		return "buyer"
	case TierOwner:
		return "owner"
	case TierWhitelisted:
		return "whitelisted"
	default:
		return "default"
	}
}

// Principal is the caller as seen in one tenant.
type Principal struct {
	ID    string
	Roles []string
}

type Verdict struct {
	Tier           Tier
	CustomOverride bool
	// Blacklisted is only set for callers below Owner; owners cannot be blacklisted.
	Blacklisted bool
}

// Resolve computes the caller's verdict. perm is the command's custom
// permission name, or "" when it has none.
func Resolve(p Principal, bot storage.Bot, st storage.Settings, perm string) Verdict {
	var v Verdict
	switch {
	case p.ID != "" && p.ID == bot.OwnerID:
		v.Tier = TierBuyer
	case st.Owners.Has(p.ID):
		v.Tier = TierOwner
	case st.Whitelist.Has(p.ID):
		v.Tier = TierWhitelisted
	}
	if v.Tier < TierOwner && st.Blacklist.Has(p.ID) {
		v.Blacklisted = true
	}
	if perm != "" {
		if rule, ok := st.Permissions[perm]; ok {
			v.CustomOverride = rule.Members.Has(p.ID) || rule.Roles.Intersects(p.Roles)
		}
	}
	return v
}

// Allows reports whether the verdict satisfies min, or the custom permission.
func (v Verdict) Allows(min Tier, customPerm string) bool {
	return v.Tier >= min || (customPerm != "" && v.CustomOverride)
}
