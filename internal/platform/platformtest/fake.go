// Package platformtest provides an in-memory platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetbot/internal/platform"
)

// Call records one client operation.
type Call struct {
	Op   string
	Args []string
}

func (c Call) String() string { return c.Op + "(" + strings.Join(c.Args, ",") + ")" }

// Dialer is a fake platform.Dialer. Only tokens added with AddToken connect.
type Dialer struct {
	mu      sync.Mutex
	tokens  map[string]platform.Identity
	members map[string]map[string]platform.Member
	conns   map[string][]*Conn
	dials   int
	dialErr error
	gate    chan struct{}
}

func NewDialer() *Dialer {
	return &Dialer{
		tokens:  map[string]platform.Identity{},
		members: map[string]map[string]platform.Member{},
		conns:   map[string][]*Conn{},
	}
}

func (d *Dialer) AddToken(token, clientID, name string) {
	d.mu.Lock()
	d.tokens[token] = platform.Identity{ClientID: clientID, DisplayName: name}
	d.mu.Unlock()
}

// FailDial makes every Dial return err (nil restores normal behavior).
func (d *Dialer) FailDial(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func (d *Dialer) AddMember(tenantID string, m platform.Member) {
	d.mu.Lock()
	if d.members[tenantID] == nil {
		d.members[tenantID] = map[string]platform.Member{}
	}
	d.members[tenantID][m.ID] = m
	d.mu.Unlock()
}

// Hold makes later Dial calls block until release is called. A held Dial
// ignores its context, like a handshake that is already on the wire.
func (d *Dialer) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.gate = nil
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *Dialer) Dial(_ context.Context, token string) (platform.Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	id, ok := d.tokens[token]
	if !ok {
		return nil, platform.ErrAuth
	}
	c := NewConn(id)
	c.dialer = d
	d.conns[token] = append(d.conns[token], c)
	return c, nil
}

// Dials counts Dial calls, successful or not.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every connection opened for token, oldest first.
func (d *Dialer) Conns(token string) []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns[token]...)
}

func (d *Dialer) member(tenantID, userID string) (platform.Member, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[tenantID][userID]
	return m, ok
}

// Conn is a fake platform.Conn that records every call.
type Conn struct {
	id     platform.Identity
	dialer *Dialer
	in     chan platform.Message
	done   chan struct{}

	mu        sync.Mutex
	calls     []Call
	fail      map[string]error
	closed    bool
	listening bool
	members   map[string]map[string]platform.Member
}

// NewConn returns a standalone connection.
func NewConn(id platform.Identity) *Conn {
	return &Conn{
		id:      id,
		in:      make(chan platform.Message, 64),
		done:    make(chan struct{}),
		fail:    map[string]error{},
		members: map[string]map[string]platform.Member{},
	}
}

func (c *Conn) Identity() platform.Identity { return c.id }

// Push injects an inbound message.
func (c *Conn) Push(m platform.Message) { c.in <- m }

// FailOn makes op return err until cleared with a nil err.
func (c *Conn) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

func (c *Conn) AddMember(tenantID string, m platform.Member) {
	c.mu.Lock()
	if c.members[tenantID] == nil {
		c.members[tenantID] = map[string]platform.Member{}
	}
	c.members[tenantID][m.ID] = m
	c.mu.Unlock()
}

func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsOf returns only the calls named op.
func (c *Conn) CallsOf(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Sent returns the text of every SendMessage call.
func (c *Conn) Sent() []string {
	var out []string
	for _, call := range c.CallsOf("SendMessage") {
		out = append(out, call.Args[1])
	}
	return out
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Conn) record(op string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fail[op]; ok {
		return platform.Wrap(op, err)
	}
	c.calls = append(c.calls, Call{Op: op, Args: args})
	return nil
}

func (c *Conn) Listen(ctx context.Context, out chan<- platform.Message) error {
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case m := <-c.in:
			select {
			case out <- m:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *Conn) SendMessage(_ context.Context, channelID, text string) error {
	return c.record("SendMessage", channelID, text)
}

func (c *Conn) SendDirect(_ context.Context, userID, text string) error {
	return c.record("SendDirect", userID, text)
}

func (c *Conn) DeleteMessage(_ context.Context, channelID, messageID string) error {
	return c.record("DeleteMessage", channelID, messageID)
}

func (c *Conn) PurgeRecent(_ context.Context, channelID string, n int) (int, error) {
	if err := c.record("PurgeRecent", channelID, fmt.Sprint(n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Conn) Ban(_ context.Context, tenantID, userID, reason string) error {
	return c.record("Ban", tenantID, userID, reason)
}

func (c *Conn) Unban(_ context.Context, tenantID, userID string) error {
	return c.record("Unban", tenantID, userID)
}

func (c *Conn) Kick(_ context.Context, tenantID, userID, reason string) error {
	return c.record("Kick", tenantID, userID, reason)
}

func (c *Conn) SetTimeout(_ context.Context, tenantID, userID string, until *time.Time) error {
	u := ""
	if until != nil {
		u = until.UTC().Format(time.RFC3339)
	}
	return c.record("SetTimeout", tenantID, userID, u)
}

func (c *Conn) AddRole(_ context.Context, tenantID, userID, roleID string) error {
	return c.record("AddRole", tenantID, userID, roleID)
}

func (c *Conn) RemoveRole(_ context.Context, tenantID, userID, roleID string) error {
	return c.record("RemoveRole", tenantID, userID, roleID)
}

func (c *Conn) SetChannelLocked(_ context.Context, tenantID, channelID string, locked bool) error {
	return c.record("SetChannelLocked", tenantID, channelID, fmt.Sprint(locked))
}

func (c *Conn) FetchUser(_ context.Context, userID string) (platform.User, error) {
	if err := c.record("FetchUser", userID); err != nil {
		return platform.User{}, err
	}
	return platform.User{ID: userID, Username: "user-" + userID, AvatarURL: "https://cdn.example/avatars/" + userID + ".png"}, nil
}

func (c *Conn) FetchMember(_ context.Context, tenantID, userID string) (platform.Member, error) {
	if err := c.record("FetchMember", tenantID, userID); err != nil {
		return platform.Member{}, err
	}
	c.mu.Lock()
	m, ok := c.members[tenantID][userID]
	c.mu.Unlock()
	if !ok && c.dialer != nil {
		m, ok = c.dialer.member(tenantID, userID)
	}
	if !ok {
		return platform.Member{}, platform.Wrap("FetchMember", platform.ErrNotFound)
	}
	return m, nil
}

func (c *Conn) FetchGuild(_ context.Context, tenantID string) (platform.Guild, error) {
	if err := c.record("FetchGuild", tenantID); err != nil {
		return platform.Guild{}, err
	}
	return platform.Guild{ID: tenantID, Name: "guild-" + tenantID, OwnerID: "owner", MemberCount: 3}, nil
}

func (c *Conn) CreateInvite(_ context.Context, channelID string) (string, error) {
	if err := c.record("CreateInvite", channelID); err != nil {
		return "", err
	}
	return "https://invite.example/" + channelID, nil
}

func (c *Conn) SetPresence(_ context.Context, activity string) error {
	return c.record("SetPresence", activity)
}

func (c *Conn) Latency() time.Duration { return 42 * time.Millisecond }

var _ platform.Conn = (*Conn)(nil)
var _ platform.Dialer = (*Dialer)(nil)
