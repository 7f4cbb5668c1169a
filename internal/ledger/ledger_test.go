package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetbot/internal/storage"
)

var scope = storage.Scope{TenantID: "g", BotID: "b"}

func TestAppendAssignsIdentityAndOrder(t *testing.T) {
	l := New(storage.NewMemory())
	ctx := context.Background()

	a, err := l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "u2", Kind: storage.KindWarn, ModeratorID: "u1", Reason: "spam"})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.False(t, a.CreatedAt.IsZero())

	_, err = l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "u2", Kind: storage.KindBan, ModeratorID: "u1"})
	require.NoError(t, err)

	recs, err := l.ListFor(ctx, scope, "u2")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, storage.KindWarn, recs[0].Kind)
	require.Equal(t, storage.KindBan, recs[1].Kind)

	none, err := l.ListFor(ctx, scope, "u9")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestAppendRejectsInvalid(t *testing.T) {
	l := New(storage.NewMemory())
	ctx := context.Background()
	for _, r := range []storage.Sanction{
		{Scope: scope, SubjectID: "u", Kind: "slap"},
		{SubjectID: "u", Kind: storage.KindWarn},
		{Scope: scope, Kind: storage.KindWarn},
		{Scope: scope, SubjectID: "u", Kind: storage.KindTempban},
	} {
		_, err := l.Append(ctx, r)
		require.ErrorIs(t, err, ErrInvalidRecord)
	}
}

func TestTempbanExpiry(t *testing.T) {
	l := New(storage.NewMemory())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	r, err := l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "u", Kind: storage.KindTempban, Duration: 10 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, now.Add(10*time.Minute), *r.ExpiresAt)

	got, err := l.Expired(ctx, "b", now, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = l.Expired(ctx, "b", now, now.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRecordSkipsLedgerOnActionFailure(t *testing.T) {
	l := New(storage.NewMemory())
	ctx := context.Background()
	boom := errors.New("platform down")

	_, err := l.Record(ctx, storage.Sanction{Scope: scope, SubjectID: "u", Kind: storage.KindKick}, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	recs, err := l.ListFor(ctx, scope, "u")
	require.NoError(t, err)
	require.Empty(t, recs)

	_, err = l.Record(ctx, storage.Sanction{Scope: scope, SubjectID: "u", Kind: storage.KindKick}, func(context.Context) error { return nil })
	require.NoError(t, err)
	recs, err = l.ListFor(ctx, scope, "u")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestSupersededByLaterBan(t *testing.T) {
	l := New(storage.NewMemory())
	ctx := context.Background()

	temp, err := l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "u", Kind: storage.KindTempban, Duration: time.Hour})
	require.NoError(t, err)
	_, err = l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "u", Kind: storage.KindWarn})
	require.NoError(t, err)

	sup, err := l.Superseded(ctx, temp)
	require.NoError(t, err)
	require.False(t, sup)

	_, err = l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "u", Kind: storage.KindBan})
	require.NoError(t, err)
	sup, err = l.Superseded(ctx, temp)
	require.NoError(t, err)
	require.True(t, sup)

	// A ban for another subject does not count.
	other, err := l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "v", Kind: storage.KindTempban, Duration: time.Hour})
	require.NoError(t, err)
	_, err = l.Append(ctx, storage.Sanction{Scope: scope, SubjectID: "u", Kind: storage.KindBan})
	require.NoError(t, err)
	sup, err = l.Superseded(ctx, other)
	require.NoError(t, err)
	require.False(t, sup)
}
