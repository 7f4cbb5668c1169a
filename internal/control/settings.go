package control

import (
	"context"
	"fmt"

	"fleetbot/internal/storage"
)

// settingsStore gives control-plane settings get-or-create semantics.
type settingsStore struct {
	st storage.Store
}

func (s settingsStore) GetOrCreate(ctx context.Context, tenantID string) (storage.ControlSettings, error) {
	cur, ok, err := s.st.GetControlSettings(ctx, tenantID)
	if err != nil {
		return storage.ControlSettings{}, fmt.Errorf("load control settings %s: %w", tenantID, err)
	}
	if ok {
		return cur, nil
	}
	cur, err = s.st.PutControlSettings(ctx, storage.ControlSettings{TenantID: tenantID})
	if err != nil {
		return storage.ControlSettings{}, fmt.Errorf("create control settings %s: %w", tenantID, err)
	}
	return cur, nil
}

// Update applies fn to the current row and stores it. Last write wins.
func (s settingsStore) Update(ctx context.Context, tenantID string, fn func(*storage.ControlSettings)) (storage.ControlSettings, error) {
	cur, err := s.GetOrCreate(ctx, tenantID)
	if err != nil {
		return storage.ControlSettings{}, err
	}
	fn(&cur)
	out, err := s.st.PutControlSettings(ctx, cur)
	if err != nil {
		return storage.ControlSettings{}, fmt.Errorf("update control settings %s: %w", tenantID, err)
	}
	return out, nil
}
