package command

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"fleetbot/internal/auth"
	"fleetbot/internal/storage"
	"fleetbot/internal/tenant"
)

const maxPrefixLen = 5

func (r *Router) settingsCommands() []Descriptor {
	owner := func(d Descriptor) Descriptor {
		d.MinTier = auth.TierOwner
		d.DenyReply = true
		return d
	}
	return []Descriptor{
		owner(Descriptor{Name: "prefix", Usage: "prefix [new prefix]", Description: "Show or change the command prefix", Handle: r.cmdPrefix}),
		owner(Descriptor{Name: "whitelist", Aliases: []string{"wl"}, Usage: "whitelist add|remove|list [member]", Description: "Manage whitelisted members", Handle: r.cmdMemberSet("whitelist", func(s storage.Settings) storage.Set { return s.Whitelist }, func(p *storage.SettingsPatch, v storage.Set) { p.Whitelist = &v })}),
		owner(Descriptor{Name: "blacklist", Aliases: []string{"bl"}, Usage: "blacklist add|remove|list [member]", Description: "Manage ignored members", Handle: r.cmdMemberSet("blacklist", func(s storage.Settings) storage.Set { return s.Blacklist }, func(p *storage.SettingsPatch, v storage.Set) { p.Blacklist = &v })}),
		owner(Descriptor{Name: "antiraid", Usage: "antiraid on|off", Description: "Toggle raid protection", Handle: r.cmdToggle("antiraid", func(s storage.Settings) bool { return s.Antiraid }, func(p *storage.SettingsPatch, v bool) { p.Antiraid = &v })}),
		owner(Descriptor{Name: "antilink", Usage: "antilink on|off", Description: "Toggle link filtering", Handle: r.cmdToggle("antilink", func(s storage.Settings) bool { return s.Antilink }, func(p *storage.SettingsPatch, v bool) { p.Antilink = &v })}),
		owner(Descriptor{Name: "antispam", Usage: "antispam on|off", Description: "Toggle spam filtering", Handle: r.cmdToggle("antispam", func(s storage.Settings) bool { return s.Antispam }, func(p *storage.SettingsPatch, v bool) { p.Antispam = &v })}),
		owner(Descriptor{Name: "antimassmention", Usage: "antimassmention on|off", Description: "Toggle mass mention filtering", Handle: r.cmdToggle("antimassmention", func(s storage.Settings) bool { return s.Antimassmention }, func(p *storage.SettingsPatch, v bool) { p.Antimassmention = &v })}),
		owner(Descriptor{Name: "badwords", Usage: "badwords on|off", Description: "Toggle the bad word filter", Handle: r.cmdToggle("badwords", func(s storage.Settings) bool { return s.Badwords }, func(p *storage.SettingsPatch, v bool) { p.Badwords = &v })}),
		owner(Descriptor{Name: "badword", Usage: "badword add|remove|list [word]", Description: "Manage the bad word list", Handle: r.cmdBadword}),
		owner(Descriptor{Name: "modlog", Usage: "modlog <channel>|off", Description: "Mirror sanctions into a channel", Handle: r.cmdModlog}),
		owner(Descriptor{Name: "muterole", Usage: "muterole <role>|off", Description: "Set the role used by mute", Handle: r.cmdMuterole}),
		owner(Descriptor{Name: "punish", Aliases: []string{"punishment"}, Usage: "punish derank|mute|kick|ban", Description: "Set the automod punishment", Handle: r.cmdPunish}),
		owner(Descriptor{Name: "perm", Usage: "perm set <command> role|member <id> | perm clear <command> | perm list", Description: "Grant commands to roles or members", Handle: r.cmdPerm}),
	}
}

// update persists patch and refreshes the request's settings.
func (r *Router) update(ctx context.Context, req *Request, patch storage.SettingsPatch) error {
	st, err := r.tenants.Update(ctx, req.Settings.ID, patch)
	if err != nil {
		return err
	}
	req.Settings = st
	return nil
}

func (r *Router) cmdPrefix(ctx context.Context, req *Request) error {
	p := req.Arg(0)
	if p == "" {
		req.Reply("Current prefix: `%s`", req.Settings.Prefix)
		return nil
	}
	if len(req.Args) > 1 || utf8.RuneCountInString(p) > maxPrefixLen {
		return usagef("❌ The prefix must be one word of at most %d characters.", maxPrefixLen)
	}
	if err := r.update(ctx, req, storage.SettingsPatch{Prefix: &p}); err != nil {
		return err
	}
	req.Reply("✅ Prefix set to `%s`", p)
	return nil
}

// cmdMemberSet manages a set of member ids. Adding requires a current
// member; removing accepts any id so departed users can be cleaned up.
func (r *Router) cmdMemberSet(label string, get func(storage.Settings) storage.Set, set func(*storage.SettingsPatch, storage.Set)) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		cur := get(req.Settings)
		switch strings.ToLower(req.Arg(0)) {
		case "add":
			m, err := req.Target(ctx, 1)
			if err != nil {
				return err
			}
			if cur.Has(m.ID) {
				req.Reply("%s is already in the %s.", displayName(m), label)
				return nil
			}
			var p storage.SettingsPatch
			set(&p, cur.Add(m.ID))
			if err := r.update(ctx, req, p); err != nil {
				return err
			}
			req.Reply("✅ Added %s to the %s.", displayName(m), label)
		case "remove", "rm", "del":
			id := req.TargetID(1)
			if id == "" {
				return ErrInvalidTarget
			}
			if !cur.Has(id) {
				req.Reply("%s is not in the %s.", id, label)
				return nil
			}
			var p storage.SettingsPatch
			set(&p, cur.Remove(id))
			if err := r.update(ctx, req, p); err != nil {
				return err
			}
			req.Reply("✅ Removed %s from the %s.", id, label)
		case "list", "":
			if len(cur) == 0 {
				req.Reply("The %s is empty.", label)
				return nil
			}
			req.Reply("%s (%d): %s", label, len(cur), strings.Join(cur, ", "))
		default:
			return usagef("Usage: %s%s add|remove|list [member]", req.Settings.Prefix, req.Command)
		}
		return nil
	}
}

func (r *Router) cmdToggle(label string, get func(storage.Settings) bool, set func(*storage.SettingsPatch, bool)) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		var on bool
		switch strings.ToLower(req.Arg(0)) {
		case "on", "enable", "true":
			on = true
		case "off", "disable", "false":
		case "":
			req.Reply("%s is %s.", label, onOff(get(req.Settings)))
			return nil
		default:
			return usagef("Usage: %s%s on|off", req.Settings.Prefix, req.Command)
		}
		var p storage.SettingsPatch
		set(&p, on)
		if err := r.update(ctx, req, p); err != nil {
			return err
		}
		req.Reply("✅ %s is now %s.", label, onOff(on))
		return nil
	}
}

func (r *Router) cmdBadword(ctx context.Context, req *Request) error {
	words := tenant.Strings(req.Settings, tenant.KeyBadwords)
	word := strings.ToLower(req.Arg(1))
	switch strings.ToLower(req.Arg(0)) {
	case "add":
		if word == "" {
			return usagef("Usage: %sbadword add <word>", req.Settings.Prefix)
		}
		if slices.Contains(words, word) {
			req.Reply("`%s` is already listed.", word)
			return nil
		}
		next := append(slices.Clone(words), word)
		sort.Strings(next)
		if err := r.update(ctx, req, storage.SettingsPatch{Config: map[string]any{tenant.KeyBadwords: next}}); err != nil {
			return err
		}
		req.Reply("✅ Added `%s` to the bad word list.", word)
	case "remove", "rm", "del":
		i := slices.Index(words, word)
		if word == "" || i < 0 {
			req.Reply("`%s` is not listed.", word)
			return nil
		}
		next := slices.Delete(slices.Clone(words), i, i+1)
		var v any = next
		if len(next) == 0 {
			v = nil
		}
		if err := r.update(ctx, req, storage.SettingsPatch{Config: map[string]any{tenant.KeyBadwords: v}}); err != nil {
			return err
		}
		req.Reply("✅ Removed `%s` from the bad word list.", word)
	case "list", "":
		if len(words) == 0 {
			req.Reply("The bad word list is empty.")
			return nil
		}
		req.Reply("Bad words (%d): %s", len(words), strings.Join(words, ", "))
	default:
		return usagef("Usage: %sbadword add|remove|list [word]", req.Settings.Prefix)
	}
	return nil
}

func (r *Router) cmdModlog(ctx context.Context, req *Request) error {
	channel := ""
	switch {
	case len(req.Msg.ChannelRefs) > 0:
		channel = req.Msg.ChannelRefs[0]
	case strings.EqualFold(req.Arg(0), "off"):
	case req.Arg(0) != "":
		channel = normalizeID(req.Arg(0))
	default:
		if req.Settings.ModlogChannel == "" {
			req.Reply("No modlog channel is set.")
		} else {
			req.Reply("Modlog channel: %s", req.Settings.ModlogChannel)
		}
		return nil
	}
	if err := r.update(ctx, req, storage.SettingsPatch{ModlogChannel: &channel}); err != nil {
		return err
	}
	if channel == "" {
		req.Reply("✅ Modlog disabled.")
	} else {
		req.Reply("✅ Sanctions will be logged in %s.", channel)
	}
	return nil
}

func (r *Router) cmdMuterole(ctx context.Context, req *Request) error {
	role := ""
	switch {
	case len(req.Msg.RoleMentions) > 0:
		role = req.Msg.RoleMentions[0]
	case strings.EqualFold(req.Arg(0), "off"):
	case req.Arg(0) != "":
		role = normalizeID(req.Arg(0))
	default:
		return usagef("Usage: %smuterole <role>|off", req.Settings.Prefix)
	}
	if err := r.update(ctx, req, storage.SettingsPatch{MuteRole: &role}); err != nil {
		return err
	}
	if role == "" {
		req.Reply("✅ Mute role cleared.")
	} else {
		req.Reply("✅ Mute role set to %s.", role)
	}
	return nil
}

func (r *Router) cmdPunish(ctx context.Context, req *Request) error {
	p := strings.ToLower(req.Arg(0))
	if p == "" {
		req.Reply("Automod punishment: %s", tenant.String(req.Settings, tenant.KeyPunishment, tenant.DefaultPunishment))
		return nil
	}
	if !slices.Contains(tenant.Punishments, p) {
		return usagef("Usage: %spunish %s", req.Settings.Prefix, strings.Join(tenant.Punishments, "|"))
	}
	if err := r.update(ctx, req, storage.SettingsPatch{Config: map[string]any{tenant.KeyPunishment: p}}); err != nil {
		return err
	}
	req.Reply("✅ Automod punishment set to %s.", p)
	return nil
}

func (r *Router) cmdPerm(ctx context.Context, req *Request) error {
	usage := usagef("Usage: %sperm set <command> role|member <id> | %[1]sperm clear <command> | %[1]sperm list", req.Settings.Prefix)
	switch strings.ToLower(req.Arg(0)) {
	case "set", "add":
		d, ok := r.Lookup(req.Arg(1))
		if !ok || d.CustomPerm == "" {
			return usagef("❌ `%s` cannot be granted.", req.Arg(1))
		}
		rule := req.Settings.Permissions[d.CustomPerm]
		switch strings.ToLower(req.Arg(2)) {
		case "role":
			id := normalizeID(req.Arg(3))
			if len(req.Msg.RoleMentions) > 0 {
				id = req.Msg.RoleMentions[0]
			}
			if id == "" {
				return usage
			}
			rule.Roles = rule.Roles.Add(id)
		case "member", "user":
			m, err := req.Target(ctx, 3)
			if err != nil {
				return err
			}
			rule.Members = rule.Members.Add(m.ID)
		default:
			return usage
		}
		if err := r.update(ctx, req, storage.SettingsPatch{Permissions: map[string]*storage.PermissionRule{d.CustomPerm: &rule}}); err != nil {
			return err
		}
		req.Reply("✅ `%s` granted: %s", d.Name, describeRule(rule))
	case "clear", "reset":
		d, ok := r.Lookup(req.Arg(1))
		if !ok || d.CustomPerm == "" {
			return usagef("❌ `%s` cannot be granted.", req.Arg(1))
		}
		if err := r.update(ctx, req, storage.SettingsPatch{Permissions: map[string]*storage.PermissionRule{d.CustomPerm: nil}}); err != nil {
			return err
		}
		req.Reply("✅ Custom permission for `%s` cleared.", d.Name)
	case "list", "":
		if len(req.Settings.Permissions) == 0 {
			req.Reply("No custom permissions.")
			return nil
		}
		names := make([]string, 0, len(req.Settings.Permissions))
		for name := range req.Settings.Permissions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			req.Reply("`%s`: %s", name, describeRule(req.Settings.Permissions[name]))
		}
	default:
		return usage
	}
	return nil
}

func describeRule(rule storage.PermissionRule) string {
	return fmt.Sprintf("roles [%s], members [%s]", strings.Join(rule.Roles, ", "), strings.Join(rule.Members, ", "))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
