// Package ledger records moderation sanctions. Records are never changed
// or removed once written.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetbot/internal/storage"
)

var ErrInvalidRecord = errors.New("ledger: invalid record")

type Ledger struct {
	st  storage.Store
	now func() time.Time
}

func New(st storage.Store) *Ledger { return &Ledger{st: st, now: time.Now} }

// Append validates and stores r. Timed kinds get ExpiresAt = now + Duration
// when the caller left it empty.
func (l *Ledger) Append(ctx context.Context, r storage.Sanction) (storage.Sanction, error) {
	timed := r.Kind == storage.KindTempban || r.Kind == storage.KindTempmute
	switch {
	case !r.Kind.Valid():
		return storage.Sanction{}, fmt.Errorf("%w: kind %q", ErrInvalidRecord, r.Kind)
	case r.Scope.TenantID == "" || r.Scope.BotID == "":
		return storage.Sanction{}, fmt.Errorf("%w: missing scope", ErrInvalidRecord)
	case r.SubjectID == "":
		return storage.Sanction{}, fmt.Errorf("%w: missing subject", ErrInvalidRecord)
	case timed && r.Duration <= 0:
		return storage.Sanction{}, fmt.Errorf("%w: %s needs a duration", ErrInvalidRecord, r.Kind)
	}
	if timed && r.ExpiresAt == nil {
		exp := l.now().Add(r.Duration)
		r.ExpiresAt = &exp
	}
	out, err := l.st.AppendSanction(ctx, r)
	if err != nil {
		return storage.Sanction{}, fmt.Errorf("append %s for %s: %w", r.Kind, r.SubjectID, err)
	}
	return out, nil
}

// Record runs action and appends r only if action succeeded. A failed
// action leaves the ledger untouched.
func (l *Ledger) Record(ctx context.Context, r storage.Sanction, action func(context.Context) error) (storage.Sanction, error) {
	if action != nil {
		if err := action(ctx); err != nil {
			return storage.Sanction{}, err
		}
	}
	return l.Append(ctx, r)
}

// ListFor returns the subject's records in creation order.
func (l *Ledger) ListFor(ctx context.Context, scope storage.Scope, subjectID string) ([]storage.Sanction, error) {
	return l.st.ListSanctions(ctx, scope, subjectID)
}

// Expired returns tempbans of botID that expired in (after, until].
func (l *Ledger) Expired(ctx context.Context, botID string, after, until time.Time) ([]storage.Sanction, error) {
	return l.st.ListExpiring(ctx, botID, storage.KindTempban, after, until)
}

// Superseded reports whether a ban or tempban for the same subject was
// recorded after r. A superseded tempban must not be lifted on expiry.
func (l *Ledger) Superseded(ctx context.Context, r storage.Sanction) (bool, error) {
	recs, err := l.ListFor(ctx, r.Scope, r.SubjectID)
	if err != nil {
		return false, err
	}
	seen := false
	for _, o := range recs {
		if o.ID == r.ID {
			seen = true
			continue
		}
		if !seen {
			continue
		}
		if o.Kind == storage.KindBan || o.Kind == storage.KindTempban {
			return true, nil
		}
	}
	return false, nil
}
