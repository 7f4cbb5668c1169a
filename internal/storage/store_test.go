package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetbot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	sq, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "fleet.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mem, err := Open(ctx, Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func eachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func TestBots(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		b, err := st.CreateBot(ctx, Bot{Token: "tok", OwnerID: "u1", ClientID: "c1", DisplayName: "One", Status: StatusActive})
		require.NoError(t, err)
		require.NotEmpty(t, b.ID)

		_, err = st.CreateBot(ctx, Bot{Token: "tok", OwnerID: "u2"})
		require.ErrorIs(t, err, ErrConflict)

		got, ok, err := st.GetBotByToken(ctx, "tok")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, b.ID, got.ID)

		_, ok, err = st.GetBotByToken(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, st.SetBotStatus(ctx, b.ID, StatusError))
		got, err = st.GetBot(ctx, b.ID)
		require.NoError(t, err)
		require.Equal(t, StatusError, got.Status)

		require.ErrorIs(t, st.SetBotStatus(ctx, "nope", StatusError), ErrNotFound)
		_, err = st.GetBot(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)

		all, err := st.ListBots(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
	})
}

func TestSettingsCreateOnceAndPatch(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		scope := Scope{TenantID: "g1", BotID: "b1"}

		first, err := st.CreateSettings(ctx, Settings{Scope: scope, Prefix: "+", Config: map[string]any{"spam_limit": 5}})
		require.NoError(t, err)
		second, err := st.CreateSettings(ctx, Settings{Scope: scope, Prefix: "?"})
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, "+", second.Prefix)

		prefix := "!"
		owners := NewSet("u1")
		on := true
		updated, err := st.UpdateSettings(ctx, first.ID, SettingsPatch{
			Prefix:   &prefix,
			Owners:   &owners,
			Antilink: &on,
			Config:   map[string]any{"punishment": "kick"},
			Permissions: map[string]*PermissionRule{
				"ban": {Roles: NewSet("r1")},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "!", updated.Prefix)
		require.True(t, updated.Antilink)
		require.False(t, updated.Antispam)

		got, ok, err := st.GetSettings(ctx, scope)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "!", got.Prefix)
		require.True(t, got.Owners.Has("u1"))
		require.Equal(t, "kick", got.Config["punishment"])
		require.EqualValues(t, 5, got.Config["spam_limit"])
		require.True(t, got.Permissions["ban"].Roles.Has("r1"))

		_, err = st.UpdateSettings(ctx, "missing", SettingsPatch{Prefix: &prefix})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSanctionsAppendOnlyOrdered(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		scope := Scope{TenantID: "g1", BotID: "b1"}
		kinds := []SanctionKind{KindWarn, KindMute, KindBan}
		for _, k := range kinds {
			_, err := st.AppendSanction(ctx, Sanction{Scope: scope, SubjectID: "u2", Kind: k, ModeratorID: "u1"})
			require.NoError(t, err)
		}
		_, err := st.AppendSanction(ctx, Sanction{Scope: scope, SubjectID: "u3", Kind: KindKick, ModeratorID: "u1"})
		require.NoError(t, err)

		recs, err := st.ListSanctions(ctx, scope, "u2")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		for i, r := range recs {
			require.Equal(t, kinds[i], r.Kind)
			require.NotEmpty(t, r.ID)
		}
	})
}

func TestListExpiring(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		past, future := now.Add(-time.Minute), now.Add(time.Hour)
		scope := Scope{TenantID: "g1", BotID: "b1"}
		_, err := st.AppendSanction(ctx, Sanction{Scope: scope, SubjectID: "u1", Kind: KindTempban, Duration: time.Minute, ExpiresAt: &past})
		require.NoError(t, err)
		_, err = st.AppendSanction(ctx, Sanction{Scope: scope, SubjectID: "u2", Kind: KindTempban, Duration: time.Hour, ExpiresAt: &future})
		require.NoError(t, err)

		recs, err := st.ListExpiring(ctx, "b1", KindTempban, now.Add(-time.Hour), now)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, "u1", recs[0].SubjectID)
		require.Equal(t, time.Minute, recs[0].Duration)
	})
}

func TestControlSettings(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, ok, err := st.GetControlSettings(ctx, "cg")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = st.PutControlSettings(ctx, ControlSettings{TenantID: "cg", LoginRoles: NewSet("buyers")})
		require.NoError(t, err)
		c, ok, err := st.GetControlSettings(ctx, "cg")
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, c.LoginRoles.Has("buyers"))
	})
}

func TestSetOperations(t *testing.T) {
	s := NewSet("b", "a", "b")
	require.Equal(t, Set{"a", "b"}, s)
	require.Equal(t, s, s.Add("a"))
	require.Equal(t, Set{"b"}, s.Remove("a"))
	require.Equal(t, s, s.Remove("zzz"))
	require.True(t, s.Intersects([]string{"x", "b"}))
	require.False(t, s.Intersects(nil))
}

func TestBotRedacted(t *testing.T) {
	b := Bot{ID: "1", Token: "secret"}
	require.Equal(t, TokenMask, b.Redacted().Token)
	require.Equal(t, "secret", b.Token)
}

func TestSetDecodeNormalizes(t *testing.T) {
	var s Set
	require.NoError(t, decodeSet(`["b","a","b"," c "]`, &s))
	require.Equal(t, Set{"a", "b", "c"}, s)
	require.True(t, s.Has("a"))
	require.True(t, s.Has("c"))

	var rule PermissionRule
	require.NoError(t, json.Unmarshal([]byte(`{"roles":["r2","r1"]}`), &rule))
	require.True(t, rule.Roles.Has("r1"))
	require.True(t, rule.Roles.Has("r2"))
}
