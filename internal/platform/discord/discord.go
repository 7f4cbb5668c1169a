// Package discord implements platform.Dialer on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"fleetbot/internal/platform"
	"fleetbot/pkg/logx"
)

// enqueueWait bounds how long a gateway handler blocks on a full queue
// before the message is dropped.
const enqueueWait = 5 * time.Second

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsMessageContent

// Dialer opens gateway sessions.
type Dialer struct {
	log    logx.Logger
	buffer int
}

func NewDialer(log logx.Logger) *Dialer {
	return &Dialer{log: log.With(logx.String("comp", "discord")), buffer: 256}
}

// Dial checks the token with a REST call, then opens the gateway.
func (d *Dialer) Dial(ctx context.Context, token string) (platform.Conn, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, platform.ErrAuth
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, platform.Wrap("dial", err)
	}
	s.Identify.Intents = intents
	s.ShouldReconnectOnError = true

	me, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("dial", err)
	}

	c := &Conn{
		s:      s,
		log:    d.log.With(logx.String("bot", me.Username)),
		id:     platform.Identity{ClientID: me.ID, DisplayName: me.Username},
		events: make(chan platform.Message, d.buffer),
		done:   make(chan struct{}),
		wait:   enqueueWait,
	}
	c.removeHandler = s.AddHandler(c.onMessage)

	if err := s.Open(); err != nil {
		c.removeHandler()
		return nil, classify("open", err)
	}
	return c, nil
}

// Conn is one gateway session.
type Conn struct {
	s   *discordgo.Session
	log logx.Logger
	id  platform.Identity

	events        chan platform.Message
	done          chan struct{}
	wait          time.Duration
	dropped       atomic.Uint64
	removeHandler func()
	closeOnce     sync.Once
}

func (c *Conn) Identity() platform.Identity { return c.id }

var (
	userMentionRE    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMentionRE = regexp.MustCompile(`<#(\d+)>`)
)

func (c *Conn) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	msg := platform.Message{
		ID:           m.ID,
		ChannelID:    m.ChannelID,
		TenantID:     m.GuildID,
		AuthorID:     m.Author.ID,
		AuthorName:   m.Author.Username,
		AuthorIsBot:  m.Author.Bot,
		Text:         m.Content,
		RoleMentions: m.MentionRoles,
		Time:         m.Timestamp,
	}
	if m.Member != nil {
		msg.AuthorRoles = m.Member.Roles
	}
	for _, sub := range userMentionRE.FindAllStringSubmatch(m.Content, -1) {
		msg.Mentions = append(msg.Mentions, sub[1])
	}
	for _, sub := range channelMentionRE.FindAllStringSubmatch(m.Content, -1) {
		msg.ChannelRefs = append(msg.ChannelRefs, sub[1])
	}
	if m.GuildID != "" && !m.Author.Bot {
		if perms, err := s.State.UserChannelPermissions(m.Author.ID, m.ChannelID); err == nil {
			msg.AuthorIsAdmin = perms&discordgo.PermissionAdministrator != 0
		}
	}

	c.enqueue(msg)
}

// enqueue hands msg to Listen, waiting up to c.wait for queue space.
// It reports false when the message was dropped.
func (c *Conn) enqueue(msg platform.Message) bool {
	select {
	case c.events <- msg:
		return true
	default:
	}
	t := time.NewTimer(c.wait)
	defer t.Stop()
	select {
	case c.events <- msg:
		return true
	case <-c.done:
		return false
	case <-t.C:
	}
	if n := c.dropped.Add(1); n%100 == 1 {
		c.log.Warn("incoming messages dropped (consumer slow)", logx.Int64("dropped", int64(n)), logx.String("channel", msg.ChannelID))
	}
	return false
}

func (c *Conn) Listen(ctx context.Context, out chan<- platform.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
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

func (c *Conn) Close(context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.removeHandler != nil {
			c.removeHandler()
		}
		err = c.s.Close()
		close(c.done)
	})
	return err
}

func (c *Conn) SendMessage(ctx context.Context, channelID, text string) error {
	for _, chunk := range platform.SplitText(text, 2000) {
		if _, err := c.s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return classify("send", err)
		}
	}
	return nil
}

func (c *Conn) SendDirect(ctx context.Context, userID, text string) error {
	ch, err := c.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("dm", err)
	}
	return c.SendMessage(ctx, ch.ID, text)
}

func (c *Conn) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return classify("delete", c.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

func (c *Conn) PurgeRecent(ctx context.Context, channelID string, n int) (int, error) {
	msgs, err := c.s.ChannelMessages(channelID, n, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return 0, classify("purge", err)
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	switch len(ids) {
	case 0:
		return 0, nil
	case 1:
		err = c.s.ChannelMessageDelete(channelID, ids[0], discordgo.WithContext(ctx))
	default:
		err = c.s.ChannelMessagesBulkDelete(channelID, ids, discordgo.WithContext(ctx))
	}
	if err != nil {
		return 0, classify("purge", err)
	}
	return len(ids), nil
}

func (c *Conn) Ban(ctx context.Context, tenantID, userID, reason string) error {
	return classify("ban", c.s.GuildBanCreateWithReason(tenantID, userID, reason, 0, discordgo.WithContext(ctx)))
}

func (c *Conn) Unban(ctx context.Context, tenantID, userID string) error {
	return classify("unban", c.s.GuildBanDelete(tenantID, userID, discordgo.WithContext(ctx)))
}

func (c *Conn) Kick(ctx context.Context, tenantID, userID, reason string) error {
	return classify("kick", c.s.GuildMemberDeleteWithReason(tenantID, userID, reason, discordgo.WithContext(ctx)))
}

func (c *Conn) SetTimeout(ctx context.Context, tenantID, userID string, until *time.Time) error {
	return classify("timeout", c.s.GuildMemberTimeout(tenantID, userID, until, discordgo.WithContext(ctx)))
}

func (c *Conn) AddRole(ctx context.Context, tenantID, userID, roleID string) error {
	return classify("role_add", c.s.GuildMemberRoleAdd(tenantID, userID, roleID, discordgo.WithContext(ctx)))
}

func (c *Conn) RemoveRole(ctx context.Context, tenantID, userID, roleID string) error {
	return classify("role_remove", c.s.GuildMemberRoleRemove(tenantID, userID, roleID, discordgo.WithContext(ctx)))
}

// SetChannelLocked edits the @everyone overwrite, whose id equals the guild id.
func (c *Conn) SetChannelLocked(ctx context.Context, tenantID, channelID string, locked bool) error {
	ch, err := c.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("lock", err)
	}
	var allow, deny int64
	for _, ow := range ch.PermissionOverwrites {
		if ow.ID == tenantID {
			allow, deny = ow.Allow, ow.Deny
			break
		}
	}
	if locked {
		deny |= discordgo.PermissionSendMessages
		allow &^= discordgo.PermissionSendMessages
	} else {
		deny &^= discordgo.PermissionSendMessages
	}
	err = c.s.ChannelPermissionSet(channelID, tenantID, discordgo.PermissionOverwriteTypeRole, allow, deny, discordgo.WithContext(ctx))
	return classify("lock", err)
}

func (c *Conn) FetchUser(ctx context.Context, userID string) (platform.User, error) {
	u, err := c.s.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return platform.User{}, classify("user", err)
	}
	return platform.User{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL("1024"),
		BannerURL: u.BannerURL("1024"),
		IsBot:     u.Bot,
	}, nil
}

func (c *Conn) FetchMember(ctx context.Context, tenantID, userID string) (platform.Member, error) {
	m, err := c.s.GuildMember(tenantID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return platform.Member{}, classify("member", err)
	}
	out := platform.Member{ID: userID, Roles: m.Roles, JoinedAt: m.JoinedAt}
	if m.User != nil {
		out.Username = m.User.Username
		out.IsBot = m.User.Bot
	}
	return out, nil
}

func (c *Conn) FetchGuild(ctx context.Context, tenantID string) (platform.Guild, error) {
	g, err := c.s.State.Guild(tenantID)
	if err != nil {
		g, err = c.s.Guild(tenantID, discordgo.WithContext(ctx))
		if err != nil {
			return platform.Guild{}, classify("guild", err)
		}
	}
	created, _ := discordgo.SnowflakeTimestamp(g.ID)
	return platform.Guild{
		ID:           g.ID,
		Name:         g.Name,
		OwnerID:      g.OwnerID,
		MemberCount:  g.MemberCount,
		ChannelCount: len(g.Channels),
		RoleCount:    len(g.Roles),
		IconURL:      g.IconURL("1024"),
		CreatedAt:    created,
	}, nil
}

func (c *Conn) CreateInvite(ctx context.Context, channelID string) (string, error) {
	inv, err := c.s.ChannelInviteCreate(channelID, discordgo.Invite{MaxAge: 86400}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify("invite", err)
	}
	return "https://discord.gg/" + inv.Code, nil
}

func (c *Conn) SetPresence(_ context.Context, activity string) error {
	return classify("presence", c.s.UpdateGameStatus(0, activity))
}

func (c *Conn) Latency() time.Duration { return c.s.HeartbeatLatency() }

// classify maps REST status codes onto the platform sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized:
			return platform.Wrap(op, fmt.Errorf("%w: %v", platform.ErrAuth, err))
		case http.StatusNotFound:
			return platform.Wrap(op, fmt.Errorf("%w: %v", platform.ErrNotFound, err))
		}
	}
	if errors.Is(err, discordgo.ErrWSAlreadyOpen) {
		return nil
	}
	return platform.Wrap(op, err)
}

var _ platform.Conn = (*Conn)(nil)
