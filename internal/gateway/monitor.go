package gateway

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/lease"
	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/metrics"
	"github.com/pinme/tacho-gateway/internal/registry"
)

// DefaultScanInterval is how often readers are rescanned.
const DefaultScanInterval = 30 * time.Second

// CompanySource supplies the company to ICC table.
type CompanySource interface {
	FetchCompanies(ctx context.Context) (map[int][]string, error)
}

// RelaySyncer is told about every scan so it can start and stop relays.
type RelaySyncer interface {
	Sync(readers []core.ReaderInfo)
}

// MonitorConfig wires a Monitor. Companies and Relays are optional.
type MonitorConfig struct {
	Transport core.Transport
	Registry  *registry.Registry
	Leases    *lease.Manager
	Companies CompanySource
	Relays    RelaySyncer
	// RelayEnabled is checked every cycle; nil means enabled. While it
	// reports false every relay is stopped.
	RelayEnabled func() bool
	Interval     time.Duration
}

// Monitor runs the periodic scan and refresh cycle.
type Monitor struct {
	cfg     MonitorConfig
	trigger chan struct{}

	// scanMu serializes cycles; tables are updated through the registry.
	scanMu sync.Mutex

	obsMu     sync.RWMutex
	observers []func([]core.ReaderInfo)
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScanInterval
	}
	return &Monitor{
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Subscribe registers fn to receive every scan result.
func (m *Monitor) Subscribe(fn func([]core.ReaderInfo)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// Trigger requests a cycle from Run without waiting for it.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run scans immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer logging.RecoverAndLog("scan loop", false)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.Scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
		}
	}
}

// Scan runs one cycle: probe readers, refresh the registry, refresh the
// company table, sync relays and notify observers. A failed reader listing
// keeps the previous reader tables.
func (m *Monitor) Scan(ctx context.Context) ([]core.ReaderInfo, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	infos, err := m.scanReaders()
	if err != nil {
		logging.Warn(logging.CatCard, "Reader listing failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	m.cfg.Registry.UpdateReaders(infos)

	cards := 0
	for _, info := range infos {
		if info.HasCard {
			cards++
		}
	}
	metrics.RecordScan(len(infos), cards)

	if m.cfg.Companies != nil {
		companies, err := m.cfg.Companies.FetchCompanies(ctx)
		if err != nil {
			logging.Warn(logging.CatProvisioning, "Company list refresh failed, keeping last table", map[string]any{
				"error": err.Error(),
			})
		} else {
			m.cfg.Registry.UpdateCompanies(companies)
		}
	}

	if m.cfg.Relays != nil {
		if m.cfg.RelayEnabled == nil || m.cfg.RelayEnabled() {
			m.cfg.Relays.Sync(infos)
		} else {
			m.cfg.Relays.Sync(nil)
		}
	}

	m.obsMu.RLock()
	observers := slices.Clone(m.observers)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(infos)
	}

	logging.Debug(logging.CatRegistry, "Scan complete", map[string]any{
		"readers": len(infos),
		"cards":   cards,
	})
	return infos, nil
}

// scanReaders probes every reader except those whose card is leased; a
// leased card is mid-conversation and reselecting EF_ICC would disturb it,
// so its previous entry is carried over.
func (m *Monitor) scanReaders() ([]core.ReaderInfo, error) {
	names, err := m.cfg.Transport.ListReaders()
	if err != nil {
		return nil, err
	}

	previous := make(map[string]core.ReaderInfo)
	for _, info := range m.cfg.Registry.Readers() {
		previous[info.Name] = info
	}

	infos := make([]core.ReaderInfo, 0, len(names))
	for _, name := range names {
		if prev, ok := previous[name]; ok && m.busy(prev.ICC) {
			infos = append(infos, prev)
			continue
		}
		infos = append(infos, core.ScanReader(m.cfg.Transport, name))
	}
	return infos, nil
}

func (m *Monitor) busy(icc string) bool {
	if icc == "" || m.cfg.Leases == nil {
		return false
	}
	_, held := m.cfg.Leases.Holder(icc)
	return held
}
