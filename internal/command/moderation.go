package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"fleetbot/internal/auth"
	"fleetbot/internal/platform"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

const maxClear = 100

func (r *Router) moderationCommands() []Descriptor {
	mod := func(d Descriptor) Descriptor {
		d.MinTier = auth.TierWhitelisted
		d.CustomPerm = d.Name
		d.DenyReply = true
		return d
	}
	return []Descriptor{
		mod(Descriptor{Name: "warn", Usage: "warn <member> [reason]", Description: "Warn a member", Handle: r.cmdWarn}),
		mod(Descriptor{Name: "mute", Usage: "mute <member> [reason]", Description: "Give a member the mute role", Handle: r.cmdMute}),
		mod(Descriptor{Name: "tempmute", Aliases: []string{"timeout"}, Usage: "tempmute <member> <duration> [reason]", Description: "Time a member out", Handle: r.cmdTempmute}),
		mod(Descriptor{Name: "unmute", Usage: "unmute <member>", Description: "Lift a mute or timeout", Handle: r.cmdUnmute}),
		mod(Descriptor{Name: "kick", Usage: "kick <member> [reason]", Description: "Kick a member", Handle: r.cmdKick}),
		mod(Descriptor{Name: "ban", Usage: "ban <member> [reason]", Description: "Ban a member", Handle: r.cmdBan}),
		mod(Descriptor{Name: "tempban", Usage: "tempban <member> <duration> [reason]", Description: "Ban a member for a while", Handle: r.cmdTempban}),
		mod(Descriptor{Name: "unban", Usage: "unban <user id>", Description: "Lift a ban", Handle: r.cmdUnban}),
		mod(Descriptor{Name: "lock", Usage: "lock [channel]", Description: "Stop members from writing in a channel", Handle: r.cmdLock(true)}),
		mod(Descriptor{Name: "unlock", Usage: "unlock [channel]", Description: "Reopen a locked channel", Handle: r.cmdLock(false)}),
		mod(Descriptor{Name: "clear", Aliases: []string{"purge"}, Usage: "clear <1-100>", Description: "Delete recent messages", Handle: r.cmdClear}),
		mod(Descriptor{Name: "sanctions", Aliases: []string{"history"}, Usage: "sanctions <member>", Description: "Show a member's sanctions", Handle: r.cmdSanctions}),
	}
}

// target resolves and checks the subject of a moderation command.
func (r *Router) target(ctx context.Context, req *Request, i int) (platform.Member, error) {
	m, err := req.Target(ctx, i)
	if err != nil {
		return platform.Member{}, err
	}
	if err := checkTarget(req, m); err != nil {
		return platform.Member{}, err
	}
	return m, nil
}

func (r *Router) cmdWarn(ctx context.Context, req *Request) error {
	m, err := r.target(ctx, req, 0)
	if err != nil {
		return err
	}
	rec, err := r.sanction(ctx, req, m.ID, storage.KindWarn, req.Rest(1), 0, nil)
	if err != nil {
		return err
	}
	notice := fmt.Sprintf("⚠️ You were warned in %s: %s", req.Msg.TenantID, rec.Reason)
	if err := req.Client.SendDirect(ctx, m.ID, notice); err != nil {
		req.Logger.Debug("warn dm failed", logx.String("user", m.ID), logx.Err(err))
	}
	req.Reply("⚠️ Warned %s: %s", displayName(m), rec.Reason)
	return nil
}

func (r *Router) cmdMute(ctx context.Context, req *Request) error {
	m, err := r.target(ctx, req, 0)
	if err != nil {
		return err
	}
	role := req.Settings.MuteRole
	if role == "" {
		return usagef("❌ No mute role is set. Use %smuterole <role> first.", req.Settings.Prefix)
	}
	rec, err := r.sanction(ctx, req, m.ID, storage.KindMute, req.Rest(1), 0, func(ctx context.Context) error {
		return req.Client.AddRole(ctx, req.Msg.TenantID, m.ID, role)
	})
	if err != nil {
		return err
	}
	req.Reply("🔇 Muted %s: %s", displayName(m), rec.Reason)
	return nil
}

func (r *Router) cmdTempmute(ctx context.Context, req *Request) error {
	m, err := r.target(ctx, req, 0)
	if err != nil {
		return err
	}
	d := ParseDuration(req.Arg(1))
	if d == 0 {
		return ErrInvalidDuration
	}
	until := r.now().Add(d)
	rec, err := r.sanction(ctx, req, m.ID, storage.KindTempmute, req.Rest(2), d, func(ctx context.Context) error {
		return req.Client.SetTimeout(ctx, req.Msg.TenantID, m.ID, &until)
	})
	if err != nil {
		return err
	}
	req.Reply("🔇 Muted %s for %s: %s", displayName(m), FormatDuration(d), rec.Reason)
	return nil
}

func (r *Router) cmdUnmute(ctx context.Context, req *Request) error {
	m, err := req.Target(ctx, 0)
	if err != nil {
		return err
	}
	if err := req.Client.SetTimeout(ctx, req.Msg.TenantID, m.ID, nil); err != nil && !errors.Is(err, platform.ErrUnsupported) {
		return err
	}
	if role := req.Settings.MuteRole; role != "" && slices.Contains(m.Roles, role) {
		if err := req.Client.RemoveRole(ctx, req.Msg.TenantID, m.ID, role); err != nil {
			return err
		}
	}
	req.Reply("🔊 Unmuted %s.", displayName(m))
	return nil
}

func (r *Router) cmdKick(ctx context.Context, req *Request) error {
	m, err := r.target(ctx, req, 0)
	if err != nil {
		return err
	}
	reason := req.Rest(1)
	rec, err := r.sanction(ctx, req, m.ID, storage.KindKick, reason, 0, func(ctx context.Context) error {
		return req.Client.Kick(ctx, req.Msg.TenantID, m.ID, orDefault(reason, noReason))
	})
	if err != nil {
		return err
	}
	req.Reply("👢 Kicked %s: %s", displayName(m), rec.Reason)
	return nil
}

func (r *Router) cmdBan(ctx context.Context, req *Request) error {
	m, err := r.target(ctx, req, 0)
	if err != nil {
		return err
	}
	reason := req.Rest(1)
	rec, err := r.sanction(ctx, req, m.ID, storage.KindBan, reason, 0, func(ctx context.Context) error {
		return req.Client.Ban(ctx, req.Msg.TenantID, m.ID, orDefault(reason, noReason))
	})
	if err != nil {
		return err
	}
	req.Reply("🔨 Banned %s: %s", displayName(m), rec.Reason)
	return nil
}

func (r *Router) cmdTempban(ctx context.Context, req *Request) error {
	m, err := r.target(ctx, req, 0)
	if err != nil {
		return err
	}
	d := ParseDuration(req.Arg(1))
	if d == 0 {
		return ErrInvalidDuration
	}
	reason := req.Rest(2)
	rec, err := r.sanction(ctx, req, m.ID, storage.KindTempban, reason, d, func(ctx context.Context) error {
		return req.Client.Ban(ctx, req.Msg.TenantID, m.ID, orDefault(reason, noReason))
	})
	if err != nil {
		return err
	}
	req.Reply("⏳ Banned %s for %s: %s", displayName(m), FormatDuration(d), rec.Reason)
	return nil
}

// cmdUnban takes a raw id: banned users are no longer members.
func (r *Router) cmdUnban(ctx context.Context, req *Request) error {
	id := req.TargetID(0)
	if id == "" {
		return ErrInvalidTarget
	}
	if err := req.Client.Unban(ctx, req.Msg.TenantID, id); err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return ErrInvalidTarget
		}
		return err
	}
	req.Reply("✅ Unbanned %s.", id)
	return nil
}

func (r *Router) cmdLock(locked bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		channel := req.Msg.ChannelID
		if len(req.Msg.ChannelRefs) > 0 {
			channel = req.Msg.ChannelRefs[0]
		}
		if err := req.Client.SetChannelLocked(ctx, req.Msg.TenantID, channel, locked); err != nil {
			return err
		}
		if locked {
			req.Reply("🔒 Channel locked.")
		} else {
			req.Reply("🔓 Channel unlocked.")
		}
		return nil
	}
}

func (r *Router) cmdClear(ctx context.Context, req *Request) error {
	n, err := strconv.Atoi(req.Arg(0))
	if err != nil || n < 1 || n > maxClear {
		return usagef("Usage: %sclear <1-%d>", req.Settings.Prefix, maxClear)
	}
	deleted, err := req.Client.PurgeRecent(ctx, req.Msg.ChannelID, n)
	if err != nil {
		return err
	}
	req.Reply("🧹 Deleted %d messages.", deleted)
	return nil
}

// cmdSanctions lists by raw id so departed members keep their history.
func (r *Router) cmdSanctions(ctx context.Context, req *Request) error {
	id := req.TargetID(0)
	if id == "" {
		return ErrInvalidTarget
	}
	recs, err := r.ledger.ListFor(ctx, req.Scope(), id)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		req.Reply("📋 No sanctions for %s.", id)
		return nil
	}
	req.Reply("📋 Sanctions for %s (%d):", id, len(recs))
	for i, rec := range recs {
		line := fmt.Sprintf("%d. %s by %s on %s", i+1, rec.Kind, rec.ModeratorID, rec.CreatedAt.UTC().Format(time.DateOnly))
		if rec.Duration > 0 {
			line += " for " + FormatDuration(rec.Duration)
		}
		req.Reply("%s | %s", line, rec.Reason)
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
