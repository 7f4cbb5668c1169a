package tenant

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"fleetbot/internal/storage"
)

func TestGetOrCreateDefaults(t *testing.T) {
	s := NewStore(storage.NewMemory())
	scope := storage.Scope{TenantID: "g", BotID: "b"}

	st, err := s.GetOrCreate(context.Background(), scope)
	require.NoError(t, err)
	require.Equal(t, "+", st.Prefix)
	require.Empty(t, st.Owners)
	require.Empty(t, st.Whitelist)
	require.Empty(t, st.Blacklist)
	require.False(t, st.Antiraid || st.Antilink || st.Antispam || st.Antimassmention || st.Badwords)
	require.Equal(t, 5, Int(st, KeySpamLimit, 0))
	require.Equal(t, 5000, Int(st, KeySpamWindowMS, 0))
	require.Equal(t, 5, Int(st, KeyMassMentionLimit, 0))
	require.Equal(t, "derank", String(st, KeyPunishment, ""))
}

func TestGetOrCreateIsCreateOnce(t *testing.T) {
	s := NewStore(storage.NewMemory())
	scope := storage.Scope{TenantID: "g", BotID: "b"}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.GetOrCreate(context.Background(), scope)
			require.NoError(t, err)
			ids[i] = st.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestUpdateMergesNamedFieldsOnly(t *testing.T) {
	s := NewStore(storage.NewMemory())
	ctx := context.Background()
	st, err := s.GetOrCreate(ctx, storage.Scope{TenantID: "g", BotID: "b"})
	require.NoError(t, err)

	p := "!"
	out, err := s.Update(ctx, st.ID, storage.SettingsPatch{Prefix: &p})
	require.NoError(t, err)
	require.Equal(t, "!", out.Prefix)
	require.Equal(t, 5, Int(out, KeySpamLimit, 0))

	again, err := s.GetOrCreate(ctx, st.Scope)
	require.NoError(t, err)
	require.Equal(t, "!", again.Prefix)
}

func TestConfigAccessors(t *testing.T) {
	st := storage.Settings{Config: map[string]any{
		"f": float64(7), "s": "9", "list": []any{"a", 1, "b"}, "bad": "x",
	}}
	require.Equal(t, 7, Int(st, "f", 0))
	require.Equal(t, 9, Int(st, "s", 0))
	require.Equal(t, 3, Int(st, "bad", 3))
	require.Equal(t, []string{"a", "b"}, Strings(st, "list"))
	require.Nil(t, Strings(st, "missing"))
}
