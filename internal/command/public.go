package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetbot/internal/auth"
	"fleetbot/internal/speedtest"
	"fleetbot/internal/storage"
)

func (r *Router) builtins(speedTimeout time.Duration) []Descriptor {
	var out []Descriptor
	out = append(out, r.publicCommands()...)
	out = append(out, r.moderationCommands()...)
	out = append(out, r.settingsCommands()...)
	out = append(out, Descriptor{
		Name: "speed", Aliases: []string{"speedtest"}, Usage: "speed", Description: "Measure the host's network speed",
		MinTier: auth.TierOwner, DenyReply: true, Timeout: speedTimeout, Handle: r.cmdSpeed,
	})
	out = append(out, r.buyerCommands()...)
	return out
}

func (r *Router) publicCommands() []Descriptor {
	return []Descriptor{
		{Name: "help", Aliases: []string{"commands"}, Usage: "help", Description: "List the commands you can use", Handle: r.cmdHelp},
		{Name: "ping", Usage: "ping", Description: "Show the gateway latency", Handle: r.cmdPing},
		{Name: "pic", Aliases: []string{"avatar", "pp"}, Usage: "pic [member]", Description: "Show a profile picture", Handle: r.cmdAvatar},
		{Name: "banner", Usage: "banner [member]", Description: "Show a profile banner", Handle: r.cmdBanner},
		{Name: "serverinfo", Aliases: []string{"si"}, Usage: "serverinfo", Description: "Show information about this server", Handle: r.cmdServerinfo},
	}
}

func (r *Router) buyerCommands() []Descriptor {
	buyer := func(d Descriptor) Descriptor {
		d.MinTier = auth.TierBuyer
		d.DenyReply = true
		return d
	}
	return []Descriptor{
		buyer(Descriptor{Name: "owner", Usage: "owner add|remove|list [member]", Description: "Manage owners", Handle: r.cmdMemberSet("owner list", func(s storage.Settings) storage.Set { return s.Owners }, func(p *storage.SettingsPatch, v storage.Set) { p.Owners = &v })}),
		buyer(Descriptor{Name: "invite", Usage: "invite", Description: "Create an invite to this channel", Handle: r.cmdInvite}),
		buyer(Descriptor{Name: "setactivity", Aliases: []string{"activity"}, Usage: "setactivity <text>", Description: "Change the bot's activity", Handle: r.cmdSetActivity}),
	}
}

var tierOrder = []auth.Tier{auth.TierDefault, auth.TierWhitelisted, auth.TierOwner, auth.TierBuyer}

func (r *Router) cmdHelp(_ context.Context, req *Request) error {
	principal := auth.Principal{ID: req.Msg.AuthorID, Roles: req.Msg.AuthorRoles}
	p := req.Settings.Prefix
	req.Reply("📖 Commands (prefix `%s`)", p)
	for _, tier := range tierOrder {
		var lines []string
		for _, e := range r.entries {
			if e.MinTier != tier {
				continue
			}
			v := auth.Resolve(principal, req.Bot, req.Settings, e.CustomPerm)
			if !v.Allows(e.MinTier, e.CustomPerm) {
				continue
			}
			lines = append(lines, fmt.Sprintf("`%s%s` %s", p, e.Usage, e.Description))
		}
		if len(lines) == 0 {
			continue
		}
		req.Reply("\n**%s**", strings.ToUpper(tier.String()[:1])+tier.String()[1:])
		for _, l := range lines {
			req.Reply("%s", l)
		}
	}
	return nil
}

func (r *Router) cmdPing(_ context.Context, req *Request) error {
	req.Reply("🏓 Pong! %dms", req.Client.Latency().Milliseconds())
	return nil
}

func (r *Router) subjectID(req *Request) string {
	if id := req.TargetID(0); id != "" {
		return id
	}
	return req.Msg.AuthorID
}

func (r *Router) cmdAvatar(ctx context.Context, req *Request) error {
	u, err := req.Client.FetchUser(ctx, r.subjectID(req))
	if err != nil {
		return err
	}
	if u.AvatarURL == "" {
		req.Reply("%s has no profile picture.", u.Username)
		return nil
	}
	req.Reply("🖼️ %s\n%s", u.Username, u.AvatarURL)
	return nil
}

func (r *Router) cmdBanner(ctx context.Context, req *Request) error {
	u, err := req.Client.FetchUser(ctx, r.subjectID(req))
	if err != nil {
		return err
	}
	if u.BannerURL == "" {
		req.Reply("%s has no banner.", u.Username)
		return nil
	}
	req.Reply("🖼️ %s\n%s", u.Username, u.BannerURL)
	return nil
}

func (r *Router) cmdServerinfo(ctx context.Context, req *Request) error {
	g, err := req.Client.FetchGuild(ctx, req.Msg.TenantID)
	if err != nil {
		return err
	}
	req.Reply("🏠 %s", g.Name)
	req.Reply("ID: %s", g.ID)
	req.Reply("Owner: %s", g.OwnerID)
	req.Reply("Members: %d", g.MemberCount)
	if g.ChannelCount > 0 {
		req.Reply("Channels: %d", g.ChannelCount)
	}
	if g.RoleCount > 0 {
		req.Reply("Roles: %d", g.RoleCount)
	}
	if !g.CreatedAt.IsZero() {
		req.Reply("Created: %s", g.CreatedAt.UTC().Format(time.DateOnly))
	}
	if g.IconURL != "" {
		req.Reply("%s", g.IconURL)
	}
	return nil
}

func (r *Router) cmdSpeed(ctx context.Context, req *Request) error {
	if r.speed == nil {
		return usagef("Speed test is not available.")
	}
	res, err := r.speed.Run(ctx)
	if errors.Is(err, speedtest.ErrBusy) {
		return usagef("⏳ A speed test is already running.")
	}
	if err != nil {
		return err
	}
	req.Reply("%s", res.Format())
	return nil
}

func (r *Router) cmdInvite(ctx context.Context, req *Request) error {
	link, err := req.Client.CreateInvite(ctx, req.Msg.ChannelID)
	if err != nil {
		return err
	}
	req.Reply("🔗 %s", link)
	return nil
}

func (r *Router) cmdSetActivity(ctx context.Context, req *Request) error {
	text := req.Rest(0)
	if text == "" {
		return usagef("Usage: %ssetactivity <text>", req.Settings.Prefix)
	}
	if err := req.Client.SetPresence(ctx, text); err != nil {
		return err
	}
	req.Reply("✅ Activity set to %s", text)
	return nil
}
