package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type slotState struct {
	slot   Slot
	active bool
}

// Registry owns every slot grouped by tenant. Slots are never shared: a
// handle registered for one tenant is rejected for any other.
type Registry struct {
	mu       sync.RWMutex
	byTenant map[string][]*slotState
	byHandle map[string]*slotState
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byTenant: make(map[string][]*slotState),
		byHandle: make(map[string]*slotState),
		logger:   logger,
	}
}

// Register adds a slot. Newly registered slots are considered active until
// the next Refresh says otherwise.
func (r *Registry) Register(slot Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHandle[slot.Handle()]; ok {
		if existing.slot.TenantID() != slot.TenantID() {
			return fmt.Errorf("%w: %s belongs to %s", ErrSlotOwned, slot.Handle(), existing.slot.TenantID())
		}
		return fmt.Errorf("slot %s already registered", slot.Handle())
	}

	for _, st := range r.byTenant[slot.TenantID()] {
		if st.slot.Index() == slot.Index() {
			return fmt.Errorf("tenant %s already has slot %d", slot.TenantID(), slot.Index())
		}
	}

	st := &slotState{slot: slot, active: true}
	r.byHandle[slot.Handle()] = st
	slots := append(r.byTenant[slot.TenantID()], st)
	sort.Slice(slots, func(i, j int) bool { return slots[i].slot.Index() < slots[j].slot.Index() })
	r.byTenant[slot.TenantID()] = slots

	return nil
}

// Refresh probes every slot's connection and records whether it is active.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.RLock()
	states := make([]*slotState, 0, len(r.byHandle))
	for _, st := range r.byHandle {
		states = append(states, st)
	}
	r.mu.RUnlock()

	for _, st := range states {
		connected := st.slot.IsConnected(ctx)

		r.mu.Lock()
		changed := st.active != connected
		st.active = connected
		r.mu.Unlock()

		if changed {
			r.logger.Info("slot connection changed",
				zap.String("tenant_id", st.slot.TenantID()),
				zap.Int("slot", st.slot.Index()),
				zap.Bool("active", connected),
			)
		}
	}
}

// SetActive overrides the cached connection state of a slot.
func (r *Registry) SetActive(handle string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, handle)
	}
	st.active = active
	return nil
}

// ActiveSlots returns the tenant's active slots ordered by slot index.
func (r *Registry) ActiveSlots(tenantID string) []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Slot, 0, len(r.byTenant[tenantID]))
	for _, st := range r.byTenant[tenantID] {
		if st.active {
			result = append(result, st.slot)
		}
	}
	return result
}

// Slots returns every slot of the tenant regardless of state.
func (r *Registry) Slots(tenantID string) []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Slot, 0, len(r.byTenant[tenantID]))
	for _, st := range r.byTenant[tenantID] {
		result = append(result, st.slot)
	}
	return result
}

// Lookup resolves a provider handle to its slot.
func (r *Registry) Lookup(handle string) (Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}
	return st.slot, true
}

// Tenants lists tenants with at least one registered slot.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenants := make([]string, 0, len(r.byTenant))
	for id := range r.byTenant {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)
	return tenants
}

// pick returns the preferred slot when active, otherwise the tenant's first active slot.
func (r *Registry) pick(tenantID string, preferred int) (Slot, error) {
	active := r.ActiveSlots(tenantID)
	if len(active) == 0 {
		return nil, fmt.Errorf("%w for tenant %s", ErrNoActiveSlot, tenantID)
	}
	for _, slot := range active {
		if slot.Index() == preferred {
			return slot, nil
		}
	}
	return active[0], nil
}

// SendText sends through the tenant's own slots only.
func (r *Registry) SendText(ctx context.Context, tenantID string, preferredSlot int, to, text string) error {
	slot, err := r.pick(tenantID, preferredSlot)
	if err != nil {
		return err
	}
	return slot.SendText(ctx, to, text)
}

func (r *Registry) SendVoice(ctx context.Context, tenantID string, preferredSlot int, to string, audio []byte) error {
	slot, err := r.pick(tenantID, preferredSlot)
	if err != nil {
		return err
	}
	return slot.SendVoice(ctx, to, audio)
}

// DownloadMedia fetches media through the slot that received it, falling back
// to any other active slot of the same tenant.
func (r *Registry) DownloadMedia(ctx context.Context, tenantID string, slotIndex int, ref *MediaRef) ([]byte, error) {
	slot, err := r.pick(tenantID, slotIndex)
	if err != nil {
		return nil, err
	}
	return slot.DownloadMedia(ctx, ref)
}
