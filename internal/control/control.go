// Package control runs the manager bot: the connection through which
// users register new bots and operators manage the fleet.
package control

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"fleetbot/internal/fleet"
	"fleetbot/internal/platform"
	"fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

var ErrNoConnection = errors.New("control: not connected")

// Fleet is the part of the fleet supervisor the control bot drives.
type Fleet interface {
	Register(ctx context.Context, token, ownerID string) (storage.Bot, error)
	List(ctx context.Context) ([]fleet.Status, error)
	Get(ctx context.Context, id string) (fleet.Status, error)
	Activate(ctx context.Context, id string) (storage.Bot, error)
	Deactivate(ctx context.Context, id string) error
}

type Options struct {
	Token      string
	Prefix     string
	LogChannel string
	Activity   string
	Dialer     platform.Dialer
	Fleet      Fleet
	Store      storage.Store
	Logger     logx.Logger
}

type Bot struct {
	token      string
	prefix     string
	logChannel string
	activity   string
	dialer     platform.Dialer
	fleet      Fleet
	settings   settingsStore
	log        logx.Logger

	sup *supervisor.Supervisor

	mu   sync.RWMutex
	conn platform.Conn
}

func New(opts Options) *Bot {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "+"
	}
	return &Bot{
		token:      opts.Token,
		prefix:     prefix,
		logChannel: opts.LogChannel,
		activity:   opts.Activity,
		dialer:     opts.Dialer,
		fleet:      opts.Fleet,
		settings:   settingsStore{st: opts.Store},
		log:        opts.Logger.With(logx.String("comp", "control")),
	}
}

// Start connects the control bot and serves it until Stop or ctx ends.
func (b *Bot) Start(ctx context.Context) error {
	conn, err := b.dialer.Dial(ctx, b.token)
	if err != nil {
		return fmt.Errorf("control bot: %w", err)
	}
	b.mu.Lock()
	b.conn = conn
	b.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(b.log))
	b.mu.Unlock()

	if b.activity != "" {
		if err := conn.SetPresence(ctx, b.activity); err != nil {
			b.log.Warn("set presence failed", logx.Err(err))
		}
	}
	in := make(chan platform.Message, 64)
	b.sup.Go("control.listen", func(ctx context.Context) error { return conn.Listen(ctx, in) })
	b.sup.Go("control.serve", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-in:
				b.serve(ctx, conn, msg)
			}
		}
	})
	id := conn.Identity()
	b.log.Info("control bot connected", logx.String("name", id.DisplayName), logx.String("client_id", id.ClientID))
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	conn, sup := b.conn, b.sup
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	sup.Cancel()
	err := conn.Close(ctx)
	if werr := sup.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	return err
}

// SendLog posts text into the configured log channel.
func (b *Bot) SendLog(ctx context.Context, text string) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || b.logChannel == "" {
		return ErrNoConnection
	}
	return conn.SendMessage(ctx, b.logChannel, text)
}

func (b *Bot) serve(ctx context.Context, client platform.Client, msg platform.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("control handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	reply := b.Handle(ctx, client, msg)
	if reply == "" {
		return
	}
	if err := client.SendMessage(ctx, msg.ChannelID, reply); err != nil {
		b.log.Warn("control reply failed", logx.Err(err))
	}
}

// Handle runs one control command and returns the reply, or "" when msg
// is not addressed to the control bot.
func (b *Bot) Handle(ctx context.Context, client platform.Client, msg platform.Message) string {
	if msg.AuthorIsBot || !strings.HasPrefix(msg.Text, b.prefix) {
		return ""
	}
	fields := strings.Fields(msg.Text[len(b.prefix):])
	if len(fields) == 0 {
		return ""
	}
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "login":
		return b.login(ctx, client, msg, args)
	case "set":
		if len(args) > 0 && strings.EqualFold(args[0], "loginrole") {
			return b.setLoginRole(ctx, msg, args[1:])
		}
		return ""
	case "bots":
		return b.bots(ctx, msg)
	case "start":
		return b.toggle(ctx, msg, args, true)
	case "stop":
		return b.toggle(ctx, msg, args, false)
	case "help":
		return b.help()
	}
	return ""
}

func (b *Bot) help() string {
	p := b.prefix
	return strings.Join([]string{
		"🤖 Control commands",
		"`" + p + "login <token>` register and connect a bot",
		"`" + p + "bots` list your bots",
		"`" + p + "start <id>` / `" + p + "stop <id>` connect or disconnect a bot",
		"`" + p + "set loginrole <role>|off` restrict login to a role (admins)",
	}, "\n")
}

func (b *Bot) login(ctx context.Context, client platform.Client, msg platform.Message, args []string) string {
	if len(args) > 0 && msg.ID != "" {
		if err := client.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
			b.log.Debug("delete login message failed", logx.Err(err))
		}
	}
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %slogin <token>", b.prefix)
	}
	if msg.TenantID != "" && !msg.AuthorIsAdmin {
		cs, err := b.settings.GetOrCreate(ctx, msg.TenantID)
		if err != nil {
			b.log.Error("load control settings failed", logx.Err(err))
			return "❌ Something went wrong, try again later."
		}
		if len(cs.LoginRoles) > 0 && !cs.LoginRoles.Intersects(msg.AuthorRoles) {
			return "⛔ You don't have the role required to register bots."
		}
	}

	bot, err := b.fleet.Register(ctx, args[0], msg.AuthorID)
	switch {
	case err == nil:
		return fmt.Sprintf("✅ %s is connected. Buyer: %s", bot.DisplayName, authorLabel(msg))
	case errors.Is(err, fleet.ErrDuplicateCredential):
		return "❌ This bot is already connected."
	case errors.Is(err, fleet.ErrInvalidCredential):
		return "❌ Invalid token or connection failed."
	case errors.Is(err, fleet.ErrSpawnFailed):
		b.log.Warn("registered bot failed to connect", logx.String("bot", bot.ID), logx.Err(err))
		return fmt.Sprintf("⚠️ %s was registered but could not connect. Try %sstart %s later.", bot.DisplayName, b.prefix, bot.ID)
	default:
		b.log.Error("registration failed", logx.String("owner", msg.AuthorID), logx.Err(err))
		return "❌ Something went wrong, try again later."
	}
}

func (b *Bot) setLoginRole(ctx context.Context, msg platform.Message, args []string) string {
	if msg.TenantID == "" {
		return "❌ Run this in a server."
	}
	if !msg.AuthorIsAdmin {
		return "⛔ Only administrators can change the login role."
	}
	var role string
	switch {
	case len(msg.RoleMentions) > 0:
		role = msg.RoleMentions[0]
	case len(args) > 0:
		role = strings.Trim(args[0], "<@&>")
	default:
		return fmt.Sprintf("Usage: %sset loginrole <role>|off", b.prefix)
	}
	reset := strings.EqualFold(role, "off") || strings.EqualFold(role, "clear")
	cs, err := b.settings.Update(ctx, msg.TenantID, func(cs *storage.ControlSettings) {
		if reset {
			cs.LoginRoles = nil
			return
		}
		cs.LoginRoles = cs.LoginRoles.Add(role)
	})
	if err != nil {
		b.log.Error("update control settings failed", logx.Err(err))
		return "❌ Something went wrong, try again later."
	}
	if len(cs.LoginRoles) == 0 {
		return "✅ Anyone can now register bots."
	}
	return fmt.Sprintf("✅ Login allowed for roles: %s", strings.Join(cs.LoginRoles, ", "))
}

func (b *Bot) bots(ctx context.Context, msg platform.Message) string {
	all, err := b.fleet.List(ctx)
	if err != nil {
		b.log.Error("list bots failed", logx.Err(err))
		return "❌ Something went wrong, try again later."
	}
	var lines []string
	for _, st := range all {
		if !msg.AuthorIsAdmin && st.OwnerID != msg.AuthorID {
			continue
		}
		state := "offline"
		if st.Live {
			state = "online"
		}
		lines = append(lines, fmt.Sprintf("• %s `%s` %s, %s", st.DisplayName, st.ID, st.Status, state))
	}
	if len(lines) == 0 {
		return "You have no bots yet."
	}
	return "🤖 Bots\n" + strings.Join(lines, "\n")
}

func (b *Bot) toggle(ctx context.Context, msg platform.Message, args []string, start bool) string {
	verb := "stop"
	if start {
		verb = "start"
	}
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %s%s <bot id>", b.prefix, verb)
	}
	st, err := b.fleet.Get(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return "❌ Unknown bot."
	}
	if err != nil {
		b.log.Error("get bot failed", logx.Err(err))
		return "❌ Something went wrong, try again later."
	}
	if st.OwnerID != msg.AuthorID && !msg.AuthorIsAdmin {
		return "⛔ Only the buyer of this bot can do that."
	}
	if start {
		if _, err := b.fleet.Activate(ctx, st.ID); err != nil {
			b.log.Warn("start bot failed", logx.String("bot", st.ID), logx.Err(err))
			return fmt.Sprintf("❌ %s could not connect.", st.DisplayName)
		}
		return fmt.Sprintf("✅ %s started.", st.DisplayName)
	}
	if err := b.fleet.Deactivate(ctx, st.ID); err != nil {
		b.log.Error("stop bot failed", logx.String("bot", st.ID), logx.Err(err))
		return "❌ Something went wrong, try again later."
	}
	return fmt.Sprintf("🛑 %s stopped.", st.DisplayName)
}

func authorLabel(msg platform.Message) string {
	if msg.AuthorName != "" {
		return fmt.Sprintf("%s (%s)", msg.AuthorName, msg.AuthorID)
	}
	return msg.AuthorID
}

var _ logx.Sink = (*Bot)(nil)
