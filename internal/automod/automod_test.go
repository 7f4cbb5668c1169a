package automod

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetbot/internal/auth"
	"fleetbot/internal/command"
	"fleetbot/internal/ledger"
	"fleetbot/internal/platform"
	"fleetbot/internal/platform/platformtest"
	"fleetbot/internal/storage"
	"fleetbot/internal/tenant"
	"fleetbot/pkg/logx"
)

var scope = storage.Scope{TenantID: "G1", BotID: "b1"}

func newReq(conn *platformtest.Conn, st storage.Settings, msg platform.Message) *command.Request {
	msg.TenantID = scope.TenantID
	if msg.ChannelID == "" {
		msg.ChannelID = "C1"
	}
	if msg.ID == "" {
		msg.ID = "M1"
	}
	if msg.AuthorID == "" {
		msg.AuthorID = "U2"
	}
	return &command.Request{
		Bot:      storage.Bot{ID: scope.BotID, ClientID: "BOT"},
		Client:   conn,
		Msg:      msg,
		Settings: st,
	}
}

func settings(mut func(*storage.Settings)) storage.Settings {
	st := tenant.Defaults(scope)
	mut(&st)
	return st
}

func TestCheckRules(t *testing.T) {
	m := New(ledger.New(storage.NewMemory()), nil, logx.Nop())

	st := settings(func(s *storage.Settings) { s.Antilink = true })
	require.Equal(t, RuleLink, m.Check(scope, st, platform.Message{Text: "join https://evil.example now"}))
	require.Equal(t, RuleLink, m.Check(scope, st, platform.Message{Text: "discord.gg/abc"}))
	require.Empty(t, m.Check(scope, st, platform.Message{Text: "no links here"}))

	st = settings(func(s *storage.Settings) { s.Antimassmention = true })
	require.Empty(t, m.Check(scope, st, platform.Message{Mentions: []string{"1", "2", "3", "4", "5"}}))
	require.Equal(t, RuleMassMention, m.Check(scope, st, platform.Message{Mentions: []string{"1", "2", "3", "4", "5"}, RoleMentions: []string{"r"}}))

	st = settings(func(s *storage.Settings) {
		s.Badwords = true
		s.Config[tenant.KeyBadwords] = []any{"darn"}
	})
	require.Equal(t, RuleBadword, m.Check(scope, st, platform.Message{Text: "well, DARN it"}))
	require.Empty(t, m.Check(scope, st, platform.Message{Text: "darned socks"}))

	// Toggles off: nothing fires.
	st = tenant.Defaults(scope)
	require.Empty(t, m.Check(scope, st, platform.Message{Text: "https://x.example darn", Mentions: []string{"1", "2", "3", "4", "5", "6"}}))
}

func TestSpamWindow(t *testing.T) {
	m := New(ledger.New(storage.NewMemory()), nil, logx.Nop())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	st := settings(func(s *storage.Settings) {
		s.Antispam = true
		s.Config[tenant.KeySpamLimit] = 3
		s.Config[tenant.KeySpamWindowMS] = 3000
	})
	msg := platform.Message{AuthorID: "U2", Text: "hi"}
	for i := 0; i < 3; i++ {
		require.Empty(t, m.Check(scope, st, msg), "message %d", i)
	}
	require.Equal(t, RuleSpam, m.Check(scope, st, msg))

	// Other authors have their own window.
	require.Empty(t, m.Check(scope, st, platform.Message{AuthorID: "U3"}))

	// The window refills over time.
	now = now.Add(5 * time.Second)
	require.Empty(t, m.Check(scope, st, msg))
}

func TestObservePunishes(t *testing.T) {
	cases := []struct {
		punishment string
		op         string
		kind       storage.SanctionKind
	}{
		{"mute", "SetTimeout", storage.KindTempmute},
		{"kick", "Kick", storage.KindKick},
		{"ban", "Ban", storage.KindBan},
	}
	for _, tc := range cases {
		t.Run(tc.punishment, func(t *testing.T) {
			l := ledger.New(storage.NewMemory())
			m := New(l, nil, logx.Nop())
			conn := platformtest.NewConn(platform.Identity{ClientID: "BOT"})
			st := settings(func(s *storage.Settings) {
				s.Antilink = true
				s.ModlogChannel = "LOG"
				s.Config[tenant.KeyPunishment] = tc.punishment
			})

			m.Observe(context.Background(), newReq(conn, st, platform.Message{Text: "https://spam.example"}))

			require.Equal(t, []string{"C1", "M1"}, conn.CallsOf("DeleteMessage")[0].Args)
			require.Len(t, conn.CallsOf(tc.op), 1)
			recs, err := l.ListFor(context.Background(), scope, "U2")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			require.Equal(t, tc.kind, recs[0].Kind)
			require.Equal(t, "BOT", recs[0].ModeratorID)
			require.Equal(t, "automod: antilink", recs[0].Reason)

			var modlog int
			for _, c := range conn.CallsOf("SendMessage") {
				if c.Args[0] == "LOG" {
					modlog++
				}
			}
			require.Equal(t, 1, modlog)
		})
	}
}

func TestDerankRemovesRolesWithoutLedger(t *testing.T) {
	l := ledger.New(storage.NewMemory())
	m := New(l, nil, logx.Nop())
	conn := platformtest.NewConn(platform.Identity{ClientID: "BOT"})
	st := settings(func(s *storage.Settings) { s.Antilink = true })

	m.Observe(context.Background(), newReq(conn, st, platform.Message{Text: "www.spam.example", AuthorRoles: []string{"R1", "R2"}}))

	require.Len(t, conn.CallsOf("RemoveRole"), 2)
	recs, err := l.ListFor(context.Background(), scope, "U2")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFailedPunishmentLeavesNoRecord(t *testing.T) {
	l := ledger.New(storage.NewMemory())
	m := New(l, nil, logx.Nop())
	conn := platformtest.NewConn(platform.Identity{ClientID: "BOT"})
	conn.FailOn("Ban", errors.New("missing permissions"))
	st := settings(func(s *storage.Settings) {
		s.Antilink = true
		s.Config[tenant.KeyPunishment] = "ban"
	})

	m.Observe(context.Background(), newReq(conn, st, platform.Message{Text: "https://spam.example"}))

	recs, err := l.ListFor(context.Background(), scope, "U2")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestPrivilegedAuthorsAreExempt(t *testing.T) {
	m := New(ledger.New(storage.NewMemory()), nil, logx.Nop())
	conn := platformtest.NewConn(platform.Identity{ClientID: "BOT"})
	st := settings(func(s *storage.Settings) { s.Antilink = true })

	req := newReq(conn, st, platform.Message{Text: "https://ok.example"})
	req.Verdict = auth.Verdict{Tier: auth.TierWhitelisted}
	m.Observe(context.Background(), req)

	req = newReq(conn, st, platform.Message{Text: "https://ok.example", AuthorIsAdmin: true})
	m.Observe(context.Background(), req)

	require.Empty(t, conn.Calls())
}
