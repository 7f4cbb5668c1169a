package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleetbot/internal/auth"
	"fleetbot/internal/platform"
	"fleetbot/internal/storage"
	"fleetbot/pkg/logx"
)

var (
	// ErrInvalidTarget means no member could be resolved from the message.
	ErrInvalidTarget   = errors.New("invalid target")
	ErrInvalidDuration = errors.New("invalid duration")
)

// UsageError carries a reply meant for the caller, such as a usage hint.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return e.Msg }

func usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// Request is one dispatched command.
type Request struct {
	Bot      storage.Bot
	Client   platform.Client
	Msg      platform.Message
	Settings storage.Settings
	Verdict  auth.Verdict

	// Command is the canonical name; Alias is the token the caller typed.
	Command string
	Alias   string
	Args    []string

	ReqID  string
	Logger logx.Logger

	replies []string
}

func (r *Request) Scope() storage.Scope {
	return storage.Scope{TenantID: r.Msg.TenantID, BotID: r.Bot.ID}
}

// Reply queues a line for the reply sent back into the channel.
func (r *Request) Reply(format string, args ...any) {
	if len(args) == 0 {
		r.replies = append(r.replies, format)
		return
	}
	r.replies = append(r.replies, fmt.Sprintf(format, args...))
}

func (r *Request) replyText() string { return strings.Join(r.replies, "\n") }

// Arg returns the i-th argument or "".
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// Rest joins the arguments from i on.
func (r *Request) Rest(i int) string {
	if i >= len(r.Args) {
		return ""
	}
	return strings.Join(r.Args[i:], " ")
}

// TargetID picks the subject of the command without checking membership:
// the first user mention, else the id in argument i.
func (r *Request) TargetID(i int) string {
	if len(r.Msg.Mentions) > 0 {
		return r.Msg.Mentions[0]
	}
	return normalizeID(r.Arg(i))
}

// Target resolves the subject against the tenant member list.
func (r *Request) Target(ctx context.Context, i int) (platform.Member, error) {
	id := r.TargetID(i)
	if id == "" {
		return platform.Member{}, ErrInvalidTarget
	}
	m, err := r.Client.FetchMember(ctx, r.Msg.TenantID, id)
	if errors.Is(err, platform.ErrNotFound) {
		return platform.Member{}, ErrInvalidTarget
	}
	if err != nil {
		return platform.Member{}, err
	}
	return m, nil
}

// normalizeID strips mention markup like <@123>, <@!123>, <@&123>, <#123>
// and a leading @.
func normalizeID(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = strings.TrimSuffix(s[1:], ">")
		s = strings.TrimLeft(s, "@!&#")
	}
	return strings.TrimPrefix(s, "@")
}
