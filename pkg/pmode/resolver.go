package pmode

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrPModeNotFound is returned when no PMode matches the lookup key.
var ErrPModeNotFound = errors.New("pmode not found")

// Key carries the header derived values used to select a PMode.
type Key struct {
	// PModeID is the eb:AgreementRef/@pmode value, if any.
	PModeID   string
	Agreement string
	Service   string
	Action    string
	Initiator string
	Responder string
	// MPC is set for pull requests.
	MPC string
}

// Resolver resolves the PMode for an inbound message. Implementations must
// be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, key Key) (*ProcessingMode, error)
}

// Manager manages processing modes
type Manager struct {
	mu     sync.RWMutex
	pmodes map[string]*ProcessingMode
}

// NewManager creates a new P-Mode manager
func NewManager(pmodes ...*ProcessingMode) *Manager {
	m := &Manager{
		pmodes: make(map[string]*ProcessingMode),
	}
	for _, pm := range pmodes {
		m.Add(pm)
	}
	return m
}

// Add adds or replaces a processing mode
func (m *Manager) Add(pm *ProcessingMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pmodes[pm.ID] = pm
}

// Get retrieves a processing mode by ID
func (m *Manager) Get(id string) *ProcessingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pmodes[id]
}

// Remove removes a processing mode
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pmodes, id)
}

// Len returns the number of registered processing modes.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pmodes)
}

// Resolve finds the PMode for key. An explicit PMode id wins; otherwise
// the first PMode (ordered by id) whose leg 1 business info and parties
// match is returned. Empty PMode fields act as wildcards.
func (m *Manager) Resolve(ctx context.Context, key Key) (*ProcessingMode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if key.PModeID != "" {
		if pm, ok := m.pmodes[key.PModeID]; ok {
			return pm, nil
		}
		return nil, ErrPModeNotFound
	}

	ids := make([]string, 0, len(m.pmodes))
	for id := range m.pmodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if matches(m.pmodes[id], key) {
			return m.pmodes[id], nil
		}
	}
	return nil, ErrPModeNotFound
}

func matches(pm *ProcessingMode, key Key) bool {
	if key.MPC != "" {
		for i := range pm.Legs {
			if pm.Legs[i].MPC() == key.MPC {
				return true
			}
		}
		return false
	}

	if pm.Agreement != nil && key.Agreement != "" && pm.Agreement.Name != key.Agreement {
		return false
	}
	if pm.Initiator != nil && pm.Initiator.ID != "" && pm.Initiator.ID != key.Initiator {
		return false
	}
	if pm.Responder != nil && pm.Responder.ID != "" && pm.Responder.ID != key.Responder {
		return false
	}
	leg := pm.Leg(1)
	if leg == nil || leg.BusinessInfo == nil {
		return true
	}
	bi := leg.BusinessInfo
	if bi.Service != "" && bi.Service != key.Service {
		return false
	}
	if bi.Action != "" && bi.Action != key.Action {
		return false
	}
	return true
}
