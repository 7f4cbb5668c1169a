package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fleetbot/internal/auth"
	"fleetbot/internal/platform"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

const noReason = "No reason provided"

// ModlogLine renders a sanction for the tenant's modlog channel.
func ModlogLine(rec storage.Sanction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛡️ %s: %s by %s", rec.Kind, rec.SubjectID, rec.ModeratorID)
	if rec.Duration > 0 {
		fmt.Fprintf(&b, " for %s", FormatDuration(rec.Duration))
	}
	if rec.Reason != "" {
		fmt.Fprintf(&b, " | %s", rec.Reason)
	}
	return b.String()
}

// Modlog mirrors rec into the tenant's modlog channel when one is set.
func Modlog(ctx context.Context, client platform.Client, st storage.Settings, rec storage.Sanction) error {
	if st.ModlogChannel == "" {
		return nil
	}
	return client.SendMessage(ctx, st.ModlogChannel, ModlogLine(rec))
}

// sanction performs action and records the sanction once it succeeded.
func (r *Router) sanction(ctx context.Context, req *Request, subject string, kind storage.SanctionKind, reason string, d time.Duration, action func(context.Context) error) (storage.Sanction, error) {
	if reason == "" {
		reason = noReason
	}
	rec, err := r.ledger.Record(ctx, storage.Sanction{
		Scope:       req.Scope(),
		SubjectID:   subject,
		Kind:        kind,
		Reason:      reason,
		ModeratorID: req.Msg.AuthorID,
		Duration:    d,
	}, action)
	if err != nil {
		return storage.Sanction{}, err
	}
	r.metrics.Sanction(string(kind))
	if err := Modlog(ctx, req.Client, req.Settings, rec); err != nil {
		req.Logger.Warn("modlog failed", logx.String("channel", req.Settings.ModlogChannel), logx.Err(err))
	}
	return rec, nil
}

// checkTarget refuses sanctions against the caller, the bot itself and
// members at or above the caller's tier.
func checkTarget(req *Request, target platform.Member) error {
	switch {
	case target.ID == req.Msg.AuthorID:
		return usagef("❌ You cannot use this on yourself.")
	case target.ID == req.Bot.ClientID:
		return usagef("❌ I can't do that to myself.")
	}
	tv := auth.Resolve(auth.Principal{ID: target.ID, Roles: target.Roles}, req.Bot, req.Settings, "")
	if tv.Tier > auth.TierDefault && tv.Tier >= req.Verdict.Tier {
		return usagef("❌ %s is at or above your permission tier.", displayName(target))
	}
	return nil
}

func displayName(m platform.Member) string {
	if m.Username != "" {
		return m.Username
	}
	return m.ID
}
