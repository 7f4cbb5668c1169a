// Package platform is the boundary between the fleet and a chat platform.
//
// Drivers (discord, telegram) translate platform events into Message values
// and expose moderation actions through Client. Everything above this
// package is platform-agnostic.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPlatform marks any failure reported by the remote platform.
	ErrPlatform = errors.New("platform error")
	// ErrAuth means the token was rejected.
	ErrAuth = errors.New("platform: authentication failed")
	// ErrUnsupported means the driver cannot perform the operation.
	ErrUnsupported = errors.New("platform: operation not supported")
	// ErrNotFound means the user, member or guild does not exist.
	ErrNotFound = errors.New("platform: not found")
)

// Error wraps a failed platform call. It matches ErrPlatform with errors.Is.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("platform %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Is(target error) bool {
	return target == ErrPlatform
}

// Wrap returns nil for a nil err, otherwise an *Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Identity describes the account behind a connection.
type Identity struct {
	ClientID    string
	DisplayName string
}

// Message is an inbound chat message. TenantID is empty for direct messages.
type Message struct {
	ID          string
	ChannelID   string
	TenantID    string
	AuthorID    string
	AuthorName  string
	AuthorIsBot bool
	// AuthorIsAdmin is true when the author holds the platform's administrator permission.
	AuthorIsAdmin bool
	AuthorRoles   []string
	Text          string
	Mentions      []string // user ids, in order of appearance
	RoleMentions  []string
	ChannelRefs   []string
	Time          time.Time
}

// Member is a user as seen inside one tenant.
type Member struct {
	ID       string
	Username string
	Roles    []string
	IsBot    bool
	JoinedAt time.Time
}

type User struct {
	ID        string
	Username  string
	AvatarURL string
	BannerURL string
	IsBot     bool
}

type Guild struct {
	ID           string
	Name         string
	OwnerID      string
	MemberCount  int
	ChannelCount int
	RoleCount    int
	IconURL      string
	CreatedAt    time.Time
}

// Client is the set of operations commands may perform.
type Client interface {
	Identity() Identity

	SendMessage(ctx context.Context, channelID, text string) error
	SendDirect(ctx context.Context, userID, text string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	// PurgeRecent deletes up to n recent messages in channelID and returns how many were removed.
	PurgeRecent(ctx context.Context, channelID string, n int) (int, error)

	Ban(ctx context.Context, tenantID, userID, reason string) error
	Unban(ctx context.Context, tenantID, userID string) error
	Kick(ctx context.Context, tenantID, userID, reason string) error
	// SetTimeout restricts a member until the given time. nil lifts the restriction.
	SetTimeout(ctx context.Context, tenantID, userID string, until *time.Time) error
	AddRole(ctx context.Context, tenantID, userID, roleID string) error
	RemoveRole(ctx context.Context, tenantID, userID, roleID string) error
	// SetChannelLocked denies (or restores) the default role's permission to send messages.
	SetChannelLocked(ctx context.Context, tenantID, channelID string, locked bool) error

	FetchUser(ctx context.Context, userID string) (User, error)
	FetchMember(ctx context.Context, tenantID, userID string) (Member, error)
	FetchGuild(ctx context.Context, tenantID string) (Guild, error)
	CreateInvite(ctx context.Context, channelID string) (string, error)
	SetPresence(ctx context.Context, activity string) error
	Latency() time.Duration
}

// Conn is a live connection.
type Conn interface {
	Client
	// Listen delivers inbound messages to out until ctx is done or the
	// connection breaks. It does not close out.
	Listen(ctx context.Context, out chan<- Message) error
	Close(ctx context.Context) error
}

// Dialer opens connections. Dial validates the token and returns ErrAuth
// (possibly wrapped) when the platform rejects it.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
