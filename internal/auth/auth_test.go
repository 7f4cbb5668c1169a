package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fleetbot/internal/storage"
)

var bot = storage.Bot{ID: "b", OwnerID: "buyer"}

func TestTierLadder(t *testing.T) {
	st := storage.Settings{
		Owners:    storage.NewSet("o"),
		Whitelist: storage.NewSet("w"),
	}
	cases := map[string]Tier{
		"buyer": TierBuyer,
		"o":     TierOwner,
		"w":     TierWhitelisted,
		"x":     TierDefault,
	}
	for id, want := range cases {
		require.Equal(t, want, Resolve(Principal{ID: id}, bot, st, "").Tier, id)
	}
}

func TestBuyerAtLeastOwnerRegardlessOfSets(t *testing.T) {
	for _, st := range []storage.Settings{
		{},
		{Owners: storage.NewSet("someone")},
		{Blacklist: storage.NewSet("buyer")},
	} {
		v := Resolve(Principal{ID: "buyer"}, bot, st, "")
		require.True(t, v.Allows(TierOwner, ""))
		require.False(t, v.Blacklisted)
	}
}

func TestOwnerRoundTrip(t *testing.T) {
	st := storage.Settings{}
	require.False(t, Resolve(Principal{ID: "u1"}, bot, st, "").Allows(TierOwner, ""))

	st.Owners = st.Owners.Add("u1")
	require.True(t, Resolve(Principal{ID: "u1"}, bot, st, "").Allows(TierOwner, ""))

	st.Owners = st.Owners.Remove("u1")
	require.False(t, Resolve(Principal{ID: "u1"}, bot, st, "").Allows(TierOwner, ""))
}

func TestCustomOverride(t *testing.T) {
	st := storage.Settings{Permissions: map[string]storage.PermissionRule{
		"ban": {Roles: storage.NewSet("mods"), Members: storage.NewSet("helper")},
	}}

	byRole := Resolve(Principal{ID: "x", Roles: []string{"mods"}}, bot, st, "ban")
	require.True(t, byRole.Allows(TierWhitelisted, "ban"))
	require.False(t, byRole.Allows(TierWhitelisted, ""))

	byMember := Resolve(Principal{ID: "helper"}, bot, st, "ban")
	require.True(t, byMember.CustomOverride)

	other := Resolve(Principal{ID: "x", Roles: []string{"mods"}}, bot, st, "kick")
	require.False(t, other.CustomOverride)
}

func TestBlacklistBelowOwner(t *testing.T) {
	st := storage.Settings{Owners: storage.NewSet("o"), Blacklist: storage.NewSet("o", "x")}
	require.True(t, Resolve(Principal{ID: "x"}, bot, st, "").Blacklisted)
	require.False(t, Resolve(Principal{ID: "o"}, bot, st, "").Blacklisted)
}
