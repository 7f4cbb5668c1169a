package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetbot/internal/ledger"
	"fleetbot/internal/platform"
	"fleetbot/internal/platform/platformtest"
	"fleetbot/internal/storage"
	"fleetbot/internal/tenant"
	"fleetbot/pkg/logx"
)

const guild = "G1"

type fixture struct {
	router  *Router
	conn    *platformtest.Conn
	bot     storage.Bot
	tenants *tenant.Store
	ledger  *ledger.Ledger
}

func newFixture(t *testing.T, extra ...Descriptor) *fixture {
	t.Helper()
	st := storage.NewMemory()
	f := &fixture{
		conn:    platformtest.NewConn(platform.Identity{ClientID: "BOT", DisplayName: "fleet"}),
		bot:     storage.Bot{ID: "b1", OwnerID: "BUYER", ClientID: "BOT", Status: storage.StatusActive},
		tenants: tenant.NewStore(st),
		ledger:  ledger.New(st),
	}
	f.router = NewRouter(Options{Tenants: f.tenants, Ledger: f.ledger, Logger: logx.Nop(), Timeout: time.Second}, extra...)
	for _, m := range []platform.Member{
		{ID: "BUYER", Username: "buyer"},
		{ID: "U1", Username: "alice"},
		{ID: "U2", Username: "bob"},
		{ID: "U3", Username: "carol", Roles: []string{"R1"}},
	} {
		f.conn.AddMember(guild, m)
	}
	return f
}

func (f *fixture) send(author, text string, mentions ...string) (string, bool) {
	return f.sendMsg(platform.Message{AuthorID: author, Text: text, Mentions: mentions})
}

func (f *fixture) sendMsg(msg platform.Message) (string, bool) {
	msg.TenantID = guild
	if msg.ChannelID == "" {
		msg.ChannelID = "C1"
	}
	return f.router.Dispatch(context.Background(), f.bot, f.conn, msg)
}

func (f *fixture) settings(t *testing.T) storage.Settings {
	t.Helper()
	st, err := f.tenants.GetOrCreate(context.Background(), storage.Scope{TenantID: guild, BotID: f.bot.ID})
	require.NoError(t, err)
	return st
}

func (f *fixture) sanctions(t *testing.T, subject string) []storage.Sanction {
	t.Helper()
	recs, err := f.ledger.ListFor(context.Background(), storage.Scope{TenantID: guild, BotID: f.bot.ID}, subject)
	require.NoError(t, err)
	return recs
}

func TestBanDeniedThenAllowedAfterOwnerGrant(t *testing.T) {
	f := newFixture(t)

	reply, ok := f.send("U1", "+ban <@U2>", "U2")
	require.True(t, ok)
	require.Equal(t, denyText, reply)
	require.Empty(t, f.conn.CallsOf("Ban"))
	require.Empty(t, f.sanctions(t, "U2"))

	reply, ok = f.send("BUYER", "+owner add <@U1>", "U1")
	require.True(t, ok)
	require.Contains(t, reply, "Added alice")
	require.True(t, f.settings(t).Owners.Has("U1"))

	reply, ok = f.send("U1", "+ban <@U2> spamming", "U2")
	require.True(t, ok)
	require.Contains(t, reply, "Banned bob")

	bans := f.conn.CallsOf("Ban")
	require.Len(t, bans, 1)
	require.Equal(t, []string{guild, "U2", "spamming"}, bans[0].Args)

	recs := f.sanctions(t, "U2")
	require.Len(t, recs, 1)
	require.Equal(t, storage.KindBan, recs[0].Kind)
	require.Equal(t, "U1", recs[0].ModeratorID)
	require.Equal(t, "spamming", recs[0].Reason)
	require.NotEmpty(t, recs[0].ID)
}

func TestPrefixChange(t *testing.T) {
	f := newFixture(t)

	reply, ok := f.send("BUYER", "+prefix !")
	require.True(t, ok)
	require.Contains(t, reply, "`!`")
	require.Equal(t, "!", f.settings(t).Prefix)

	_, ok = f.send("U2", "+ping")
	require.False(t, ok)

	reply, ok = f.send("U2", "!ping")
	require.True(t, ok)
	require.Contains(t, reply, "Pong")
}

func TestUnknownCommandAndNoPrefixAreSilent(t *testing.T) {
	f := newFixture(t)

	reply, ok := f.send("BUYER", "+nosuchcommand arg")
	require.False(t, ok)
	require.Empty(t, reply)

	reply, ok = f.send("BUYER", "hello there")
	require.False(t, ok)
	require.Empty(t, reply)

	reply, ok = f.send("BUYER", "+")
	require.False(t, ok)
	require.Empty(t, reply)
}

func TestCommandNameIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	reply, ok := f.send("U2", "+PiNg")
	require.True(t, ok)
	require.Contains(t, reply, "42ms")
}

func TestDirectMessagesAreIgnored(t *testing.T) {
	f := newFixture(t)
	_, ok := f.router.Dispatch(context.Background(), f.bot, f.conn, platform.Message{AuthorID: "BUYER", Text: "+ping"})
	require.False(t, ok)
}

func TestBlacklistedCallerIsIgnored(t *testing.T) {
	f := newFixture(t)
	_, ok := f.send("BUYER", "+blacklist add <@U2>", "U2")
	require.True(t, ok)

	reply, ok := f.send("U2", "+ping")
	require.True(t, ok)
	require.Empty(t, reply)

	// Owners cannot be blacklisted.
	_, _ = f.send("BUYER", "+blacklist add <@U1>", "U1")
	_, _ = f.send("BUYER", "+owner add <@U1>", "U1")
	reply, _ = f.send("U1", "+ping")
	require.Contains(t, reply, "Pong")
}

func TestPanicBecomesGenericReply(t *testing.T) {
	f := newFixture(t, Descriptor{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }})

	reply, ok := f.send("U2", "+boom")
	require.True(t, ok)
	require.Equal(t, genericFailure, reply)

	reply, ok = f.send("U2", "+ping")
	require.True(t, ok)
	require.Contains(t, reply, "Pong")
}

func TestHandlerErrorIsGeneric(t *testing.T) {
	f := newFixture(t, Descriptor{Name: "fail", Handle: func(context.Context, *Request) error {
		return errors.New("db password is hunter2")
	}})
	reply, ok := f.send("U2", "+fail")
	require.True(t, ok)
	require.Equal(t, genericFailure, reply)
}

func TestHandlerTimeout(t *testing.T) {
	f := newFixture(t, Descriptor{Name: "slow", Timeout: 10 * time.Millisecond, Handle: func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	reply, ok := f.send("U2", "+slow")
	require.True(t, ok)
	require.Equal(t, genericFailure, reply)
}

func TestInvalidDurationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	reply, ok := f.send("BUYER", "+tempban <@U2> abc", "U2")
	require.True(t, ok)
	require.Contains(t, reply, "Invalid duration")
	require.Empty(t, f.conn.CallsOf("Ban"))
	require.Empty(t, f.sanctions(t, "U2"))

	reply, _ = f.send("BUYER", "+tempmute <@U2>", "U2")
	require.Contains(t, reply, "Invalid duration")
	require.Empty(t, f.conn.CallsOf("SetTimeout"))
}

func TestTempbanRecordsExpiry(t *testing.T) {
	f := newFixture(t)
	reply, ok := f.send("BUYER", "+tempban <@U2> 2h flooding", "U2")
	require.True(t, ok)
	require.Contains(t, reply, "for 2h")

	recs := f.sanctions(t, "U2")
	require.Len(t, recs, 1)
	require.Equal(t, storage.KindTempban, recs[0].Kind)
	require.Equal(t, 2*time.Hour, recs[0].Duration)
	require.NotNil(t, recs[0].ExpiresAt)
	require.WithinDuration(t, time.Now().Add(2*time.Hour), *recs[0].ExpiresAt, time.Minute)
}

func TestPlatformFailureWritesNoLedgerEntry(t *testing.T) {
	f := newFixture(t)
	f.conn.FailOn("Kick", errors.New("missing permissions"))

	reply, ok := f.send("BUYER", "+kick <@U2>", "U2")
	require.True(t, ok)
	require.Equal(t, genericFailure, reply)
	require.Empty(t, f.sanctions(t, "U2"))
}

func TestInvalidTarget(t *testing.T) {
	f := newFixture(t)

	reply, ok := f.send("BUYER", "+ban 999")
	require.True(t, ok)
	require.Contains(t, reply, "Invalid target")

	reply, _ = f.send("BUYER", "+warn")
	require.Contains(t, reply, "Invalid target")
	require.Empty(t, f.conn.CallsOf("Ban"))
}

func TestTargetByRawID(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.send("BUYER", "+kick U2 bye")
	require.Contains(t, reply, "Kicked bob")
	require.Len(t, f.sanctions(t, "U2"), 1)
}

func TestCannotSanctionPeers(t *testing.T) {
	f := newFixture(t)
	_, _ = f.send("BUYER", "+owner add U1")
	_, _ = f.send("BUYER", "+owner add U2")

	reply, _ := f.send("U1", "+ban U2")
	require.Contains(t, reply, "at or above your permission tier")
	reply, _ = f.send("U1", "+ban U1")
	require.Contains(t, reply, "yourself")
	require.Empty(t, f.conn.CallsOf("Ban"))

	// The buyer outranks owners.
	reply, _ = f.send("BUYER", "+ban U2")
	require.Contains(t, reply, "Banned bob")
}

func TestCustomPermissionGrantsCommand(t *testing.T) {
	f := newFixture(t)

	reply, _ := f.send("U3", "+kick U2")
	require.Equal(t, denyText, reply)

	reply, _ = f.sendMsg(platform.Message{AuthorID: "BUYER", Text: "+perm set kick role <@&R1>", RoleMentions: []string{"R1"}})
	require.Contains(t, reply, "granted")
	require.True(t, f.settings(t).Permissions["kick"].Roles.Has("R1"))

	reply, _ = f.sendMsg(platform.Message{AuthorID: "U3", AuthorRoles: []string{"R1"}, Text: "+kick U2"})
	require.Contains(t, reply, "Kicked bob")

	// The grant does not extend to other commands.
	reply, _ = f.sendMsg(platform.Message{AuthorID: "U3", AuthorRoles: []string{"R1"}, Text: "+ban U2"})
	require.Equal(t, denyText, reply)

	_, _ = f.send("BUYER", "+perm clear kick")
	_, ok := f.settings(t).Permissions["kick"]
	require.False(t, ok)
}

func TestWhitelistedCanModerate(t *testing.T) {
	f := newFixture(t)
	_, _ = f.send("BUYER", "+whitelist add U1")

	reply, _ := f.send("U1", "+warn U2 be nice")
	require.Contains(t, reply, "Warned bob")
	require.Len(t, f.conn.CallsOf("SendDirect"), 1)

	reply, _ = f.send("U1", "+prefix ?")
	require.Equal(t, denyText, reply)
	require.Equal(t, "+", f.settings(t).Prefix)
}

func TestOwnersRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, _ = f.send("BUYER", "+owner add U1")
	require.True(t, f.settings(t).Owners.Has("U1"))
	_, _ = f.send("BUYER", "+owner add U1")
	require.Len(t, f.settings(t).Owners, 1)
	_, _ = f.send("BUYER", "+owner remove U1")
	require.Empty(t, f.settings(t).Owners)

	// Owners cannot manage owners.
	_, _ = f.send("BUYER", "+owner add U1")
	reply, _ := f.send("U1", "+owner add U2")
	require.Equal(t, denyText, reply)
}

func TestModlogMirrorsSanctions(t *testing.T) {
	f := newFixture(t)
	_, _ = f.sendMsg(platform.Message{AuthorID: "BUYER", Text: "+modlog <#LOG>", ChannelRefs: []string{"LOG"}})
	require.Equal(t, "LOG", f.settings(t).ModlogChannel)

	_, _ = f.send("BUYER", "+tempmute U2 10m noise")
	var logged []platformtest.Call
	for _, c := range f.conn.CallsOf("SendMessage") {
		if c.Args[0] == "LOG" {
			logged = append(logged, c)
		}
	}
	require.Len(t, logged, 1)
	require.Equal(t, "🛡️ tempmute: U2 by BUYER for 10m | noise", logged[0].Args[1])
}

func TestMuteNeedsRole(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.send("BUYER", "+mute U2")
	require.Contains(t, reply, "No mute role")
	require.Empty(t, f.sanctions(t, "U2"))

	_, _ = f.send("BUYER", "+muterole M1")
	reply, _ = f.send("BUYER", "+mute U2")
	require.Contains(t, reply, "Muted bob")
	require.Equal(t, []string{guild, "U2", "M1"}, f.conn.CallsOf("AddRole")[0].Args)

	reply, _ = f.send("BUYER", "+unmute U2")
	require.Contains(t, reply, "Unmuted")
	require.Len(t, f.sanctions(t, "U2"), 1)
}

func TestUnbanTakesRawID(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.send("BUYER", "+unban 12345")
	require.Contains(t, reply, "Unbanned 12345")
	require.Equal(t, []string{guild, "12345"}, f.conn.CallsOf("Unban")[0].Args)
	require.Empty(t, f.sanctions(t, "12345"))
}

func TestToggleAndBadwords(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.send("BUYER", "+antilink on")
	require.Contains(t, reply, "antilink is now on")
	require.True(t, f.settings(t).Antilink)

	reply, _ = f.send("BUYER", "+antilink maybe")
	require.Contains(t, reply, "Usage")

	_, _ = f.send("BUYER", "+badword add Darn")
	_, _ = f.send("BUYER", "+badword add heck")
	require.Equal(t, []string{"darn", "heck"}, tenant.Strings(f.settings(t), tenant.KeyBadwords))
	_, _ = f.send("BUYER", "+badword remove darn")
	require.Equal(t, []string{"heck"}, tenant.Strings(f.settings(t), tenant.KeyBadwords))

	reply, _ = f.send("BUYER", "+punish yeet")
	require.Contains(t, reply, "Usage")
	_, _ = f.send("BUYER", "+punish kick")
	require.Equal(t, "kick", tenant.String(f.settings(t), tenant.KeyPunishment, ""))
}

func TestClearBounds(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.send("BUYER", "+clear 101")
	require.Contains(t, reply, "Usage")
	reply, _ = f.send("BUYER", "+clear 5")
	require.Contains(t, reply, "Deleted 5")
}

func TestSanctionsListing(t *testing.T) {
	f := newFixture(t)
	_, _ = f.send("BUYER", "+warn U2 first")
	_, _ = f.send("BUYER", "+kick U2 second")

	reply, _ := f.send("BUYER", "+sanctions U2")
	require.Contains(t, reply, "Sanctions for U2 (2)")
	require.Contains(t, reply, "1. warn by BUYER")
	require.Contains(t, reply, "2. kick by BUYER")
}

func TestHelpShowsOnlyAllowedCommands(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.send("U2", "+help")
	require.Contains(t, reply, "+ping")
	require.NotContains(t, reply, "+ban <member>")

	reply, _ = f.send("BUYER", "+help")
	require.Contains(t, reply, "+ban <member>")
	require.Contains(t, reply, "+owner")
}

func TestSpeedUnavailable(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.send("BUYER", "+speed")
	require.Contains(t, reply, "not available")
}

func TestObserversSeeNonCommands(t *testing.T) {
	f := newFixture(t)
	var seen []string
	f.router.Observe(func(_ context.Context, req *Request) { seen = append(seen, req.Msg.Text) })

	_, _ = f.send("U2", "just chatting")
	_, _ = f.send("U2", "+ping")
	require.Equal(t, []string{"just chatting"}, seen)
}

func TestDuplicateCommandPanics(t *testing.T) {
	require.Panics(t, func() { newFixture(t, Descriptor{Name: "ping"}) })
}
