// Package lease serializes access to physical cards with time-boxed,
// owner-scoped locks keyed by ICC, and maps interactive session ids to
// the ICC they locked.
package lease

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pinme/tacho-gateway/internal/logging"
)

// DefaultTTL is how long a lease stays active without being re-acquired.
const DefaultTTL = 5 * time.Minute

// Owner identifies who holds a lease.
type Owner string

func DeviceOwner(deviceID int) Owner {
	return Owner("device:" + strconv.Itoa(deviceID))
}

func SessionOwner(sessionID string) Owner {
	return Owner("session:" + sessionID)
}

func RelayOwner(reader string) Owner {
	return Owner("relay:" + reader)
}

// ResetOwner holds a card for the duration of a diagnostic reset.
func ResetOwner(reader string) Owner {
	return Owner("reset:" + reader)
}

// Kind returns the owner prefix ("device", "session", "relay", "reset").
func (o Owner) Kind() string {
	kind, _, _ := strings.Cut(string(o), ":")
	return kind
}

// Lease is one lock entry.
type Lease struct {
	ICC       string    `json:"icc"`
	Owner     Owner     `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l Lease) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Manager holds at most one active lease per ICC. Expired entries are only
// noticed when someone asks about that ICC; there is no background sweep.
type Manager struct {
	mu     sync.Mutex
	leases map[string]Lease
	ttl    time.Duration
	clock  Clock
}

// NewManager creates a Manager. ttl <= 0 selects DefaultTTL; a nil clock
// selects the system clock.
func NewManager(ttl time.Duration, clock Clock) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Manager{
		leases: make(map[string]Lease),
		ttl:    ttl,
		clock:  clock,
	}
}

// TTL returns the lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes or renews the lease on icc for owner. It succeeds when the
// ICC is free, already held by owner, or held by a lease that has expired.
// Every success resets the expiry to now + TTL.
func (m *Manager) Acquire(icc string, owner Owner) bool {
	now := m.clock.Now()

	m.mu.Lock()
	cur, held := m.leases[icc]
	if held && cur.Owner != owner && !cur.expired(now) {
		m.mu.Unlock()
		logging.Debug(logging.CatLock, "Lease conflict", map[string]any{
			"icc":     icc,
			"owner":   string(owner),
			"holder":  string(cur.Owner),
			"expires": cur.ExpiresAt,
		})
		return false
	}
	m.leases[icc] = Lease{ICC: icc, Owner: owner, ExpiresAt: now.Add(m.ttl)}
	m.mu.Unlock()

	if held && cur.Owner != owner {
		logging.Info(logging.CatLock, "Expired lease taken over", map[string]any{
			"icc":      icc,
			"owner":    string(owner),
			"previous": string(cur.Owner),
		})
	}
	return true
}

// Release removes the lease on icc whoever holds it.
func (m *Manager) Release(icc string) {
	m.mu.Lock()
	delete(m.leases, icc)
	m.mu.Unlock()
}

// ReleaseIfOwner removes the lease on icc only if owner holds it.
func (m *Manager) ReleaseIfOwner(icc string, owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[icc]; ok && cur.Owner == owner {
		delete(m.leases, icc)
		return true
	}
	return false
}

// Holder returns the active lease on icc, if any.
func (m *Manager) Holder(icc string) (Lease, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[icc]
	if !ok || cur.expired(now) {
		return Lease{}, false
	}
	return cur, true
}

// Snapshot returns the active leases ordered by ICC.
func (m *Manager) Snapshot() []Lease {
	now := m.clock.Now()
	m.mu.Lock()
	out := make([]Lease, 0, len(m.leases))
	for _, l := range m.leases {
		if !l.expired(now) {
			out = append(out, l)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ICC < out[j].ICC })
	return out
}
