// Package telegram implements platform.Dialer on top of telebot.
//
// Telegram has no roles, bulk history or invites per channel in the Discord
// sense; those operations return platform.ErrUnsupported. A member's chat
// status (creator, administrator, member, ...) is reported as its only role.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "fleetbot/internal/runtime/supervisor"

	"fleetbot/internal/platform"
	"fleetbot/pkg/logx"
)

const textLimit = 4000

type Dialer struct {
	log         logx.Logger
	pollTimeout time.Duration
	buffer      int
}

func NewDialer(log logx.Logger, pollTimeout time.Duration) *Dialer {
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	return &Dialer{log: log.With(logx.String("comp", "telegram")), pollTimeout: pollTimeout, buffer: 256}
}

// Dial validates the token (telebot calls getMe) and starts long polling.
func (d *Dialer) Dial(ctx context.Context, token string) (platform.Conn, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, platform.ErrAuth
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: d.pollTimeout},
	})
	if err != nil {
		return nil, classify("dial", err)
	}

	c := &Conn{
		bot:    b,
		log:    d.log.With(logx.String("bot", b.Me.Username)),
		id:     platform.Identity{ClientID: strconv.FormatInt(b.Me.ID, 10), DisplayName: b.Me.Username},
		events: make(chan platform.Message, d.buffer),
	}
	b.Handle(tele.OnText, c.onText)

	c.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(c.log))
	c.sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		b.Stop()
	})
	// Start blocks until Stop; restart it if it returns early.
	c.sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		b.Start()
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return c, nil
}

type Conn struct {
	bot *tele.Bot
	log logx.Logger
	id  platform.Identity
	sup *rtsup.Supervisor

	events    chan platform.Message
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func (c *Conn) Identity() platform.Identity { return c.id }

func (c *Conn) onText(tc tele.Context) error {
	m := tc.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	msg := platform.Message{
		ID:          strconv.Itoa(m.ID),
		ChannelID:   strconv.FormatInt(m.Chat.ID, 10),
		AuthorID:    strconv.FormatInt(m.Sender.ID, 10),
		AuthorName:  m.Sender.Username,
		AuthorIsBot: m.Sender.IsBot,
		Text:        m.Text,
		Time:        m.Time(),
	}
	// Groups are tenants; private chats are direct messages.
	if m.Chat.Type != tele.ChatPrivate {
		msg.TenantID = msg.ChannelID
		if cm, err := c.bot.ChatMemberOf(m.Chat, m.Sender); err == nil {
			msg.AuthorRoles = []string{string(cm.Role)}
			msg.AuthorIsAdmin = cm.Role == tele.Administrator || cm.Role == tele.Creator
		}
	}
	for _, e := range m.Entities {
		if e.Type == tele.EntityTMention && e.User != nil {
			msg.Mentions = append(msg.Mentions, strconv.FormatInt(e.User.ID, 10))
		}
	}

	select {
	case c.events <- msg:
	default:
		if n := c.dropped.Add(1); n%100 == 1 {
			c.log.Warn("incoming messages dropped (consumer slow)", logx.Int64("dropped", int64(n)))
		}
	}
	return nil
}

func (c *Conn) Listen(ctx context.Context, out chan<- platform.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.sup.Context().Done():
			return nil
		case m := <-c.events:
			select {
			case out <- m:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close stops polling, waiting at most two seconds for the long poll to return.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.sup.Cancel()
		go c.bot.Stop()

		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.log.Debug("telegram stopped with error", logx.Err(err))
		}
	})
	return nil
}

func chat(id string) (*tele.Chat, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, platform.Wrap("chat", fmt.Errorf("%w: chat id %q", platform.ErrNotFound, id))
	}
	return &tele.Chat{ID: n}, nil
}

func user(id string) (*tele.User, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, platform.Wrap("user", fmt.Errorf("%w: user id %q", platform.ErrNotFound, id))
	}
	return &tele.User{ID: n}, nil
}

func (c *Conn) SendMessage(_ context.Context, channelID, text string) error {
	ch, err := chat(channelID)
	if err != nil {
		return err
	}
	for _, chunk := range platform.SplitText(text, textLimit) {
		if _, err := c.bot.Send(ch, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return classify("send", err)
		}
	}
	return nil
}

// SendDirect relies on private chat ids being equal to user ids.
func (c *Conn) SendDirect(ctx context.Context, userID, text string) error {
	return c.SendMessage(ctx, userID, text)
}

func (c *Conn) DeleteMessage(_ context.Context, channelID, messageID string) error {
	ch, err := chat(channelID)
	if err != nil {
		return err
	}
	return classify("delete", c.bot.Delete(tele.StoredMessage{MessageID: messageID, ChatID: ch.ID}))
}

func (c *Conn) PurgeRecent(context.Context, string, int) (int, error) {
	return 0, platform.Wrap("purge", platform.ErrUnsupported)
}

func (c *Conn) member(tenantID, userID string) (*tele.Chat, *tele.User, error) {
	ch, err := chat(tenantID)
	if err != nil {
		return nil, nil, err
	}
	u, err := user(userID)
	if err != nil {
		return nil, nil, err
	}
	return ch, u, nil
}

func (c *Conn) Ban(_ context.Context, tenantID, userID, _ string) error {
	ch, u, err := c.member(tenantID, userID)
	if err != nil {
		return err
	}
	return classify("ban", c.bot.Ban(ch, &tele.ChatMember{User: u}))
}

func (c *Conn) Unban(_ context.Context, tenantID, userID string) error {
	ch, u, err := c.member(tenantID, userID)
	if err != nil {
		return err
	}
	return classify("unban", c.bot.Unban(ch, u, true))
}

// Kick bans and immediately unbans, which removes the member but lets them rejoin.
func (c *Conn) Kick(ctx context.Context, tenantID, userID, reason string) error {
	if err := c.Ban(ctx, tenantID, userID, reason); err != nil {
		return err
	}
	return c.Unban(ctx, tenantID, userID)
}

func (c *Conn) SetTimeout(_ context.Context, tenantID, userID string, until *time.Time) error {
	ch, u, err := c.member(tenantID, userID)
	if err != nil {
		return err
	}
	cm := &tele.ChatMember{User: u, Rights: tele.NoRestrictions()}
	if until != nil {
		cm.Rights = tele.NoRights()
		cm.RestrictedUntil = until.Unix()
	}
	return classify("timeout", c.bot.Restrict(ch, cm))
}

func (c *Conn) AddRole(context.Context, string, string, string) error {
	return platform.Wrap("role_add", platform.ErrUnsupported)
}

func (c *Conn) RemoveRole(context.Context, string, string, string) error {
	return platform.Wrap("role_remove", platform.ErrUnsupported)
}

// SetChannelLocked toggles the group's default send permission; channelID is the group itself.
func (c *Conn) SetChannelLocked(_ context.Context, tenantID, _ string, locked bool) error {
	ch, err := chat(tenantID)
	if err != nil {
		return err
	}
	rights := tele.NoRestrictions()
	if locked {
		rights = tele.NoRights()
	}
	return classify("lock", c.bot.SetGroupPermissions(ch, rights))
}

func (c *Conn) FetchUser(_ context.Context, userID string) (platform.User, error) {
	n, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return platform.User{}, platform.Wrap("user", platform.ErrNotFound)
	}
	ch, err := c.bot.ChatByID(n)
	if err != nil {
		return platform.User{}, classify("user", err)
	}
	return platform.User{ID: userID, Username: ch.Username}, nil
}

func (c *Conn) FetchMember(_ context.Context, tenantID, userID string) (platform.Member, error) {
	ch, u, err := c.member(tenantID, userID)
	if err != nil {
		return platform.Member{}, err
	}
	cm, err := c.bot.ChatMemberOf(ch, u)
	if err != nil {
		return platform.Member{}, classify("member", err)
	}
	if cm.Role == tele.Left || cm.Role == tele.Kicked {
		return platform.Member{}, platform.Wrap("member", platform.ErrNotFound)
	}
	out := platform.Member{ID: userID, Roles: []string{string(cm.Role)}}
	if cm.User != nil {
		out.Username = cm.User.Username
		out.IsBot = cm.User.IsBot
	}
	return out, nil
}

func (c *Conn) FetchGuild(_ context.Context, tenantID string) (platform.Guild, error) {
	ch, err := chat(tenantID)
	if err != nil {
		return platform.Guild{}, err
	}
	full, err := c.bot.ChatByID(ch.ID)
	if err != nil {
		return platform.Guild{}, classify("guild", err)
	}
	g := platform.Guild{ID: tenantID, Name: full.Title}
	if n, err := c.bot.Len(full); err == nil {
		g.MemberCount = n
	}
	return g, nil
}

func (c *Conn) CreateInvite(_ context.Context, channelID string) (string, error) {
	ch, err := chat(channelID)
	if err != nil {
		return "", err
	}
	link, err := c.bot.CreateInviteLink(ch, &tele.ChatInviteLink{ExpireUnixtime: time.Now().Add(24 * time.Hour).Unix()})
	if err != nil {
		return "", classify("invite", err)
	}
	return link.InviteLink, nil
}

// SetPresence has no Telegram equivalent; it is accepted and ignored.
func (c *Conn) SetPresence(context.Context, string) error { return nil }

func (c *Conn) Latency() time.Duration { return 0 }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrUnauthorized) || strings.Contains(err.Error(), "Unauthorized") {
		return platform.Wrap(op, fmt.Errorf("%w: %v", platform.ErrAuth, err))
	}
	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return platform.Wrap(op, fmt.Errorf("%w: %v", platform.ErrNotFound, err))
	}
	return platform.Wrap(op, err)
}

var _ platform.Conn = (*Conn)(nil)
