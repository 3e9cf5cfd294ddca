// Package registry tracks which card sits in which reader and which cards
// belong to which company.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/logging"
)

// Registry holds the latest scan and provisioning results. Each update
// replaces its tables wholesale; lookups never block on I/O.
type Registry struct {
	mu          sync.RWMutex
	readers     []core.ReaderInfo
	readerByICC map[string]string
	iccByReader map[string]string
	scannedAt   time.Time

	companyMu   sync.RWMutex
	companies   map[int][]string
	companiesAt time.Time
}

func New() *Registry {
	return &Registry{
		readerByICC: make(map[string]string),
		iccByReader: make(map[string]string),
		companies:   make(map[int][]string),
	}
}

// UpdateReaders replaces the reader tables with one scan's results.
func (r *Registry) UpdateReaders(infos []core.ReaderInfo) {
	readers := append([]core.ReaderInfo(nil), infos...)
	byICC := make(map[string]string, len(infos))
	byReader := make(map[string]string, len(infos))
	for _, info := range infos {
		if info.ICC == "" {
			continue
		}
		if prev, dup := byICC[info.ICC]; dup {
			logging.Warn(logging.CatRegistry, "ICC reported by two readers", map[string]any{
				"icc":     info.ICC,
				"readers": []string{prev, info.Name},
			})
		}
		byICC[info.ICC] = info.Name
		byReader[info.Name] = info.ICC
	}

	r.mu.Lock()
	r.readers = readers
	r.readerByICC = byICC
	r.iccByReader = byReader
	r.scannedAt = time.Now()
	r.mu.Unlock()
}

// UpdateCompanies replaces the company to ICC table.
func (r *Registry) UpdateCompanies(companies map[int][]string) {
	table := make(map[int][]string, len(companies))
	for id, iccs := range companies {
		table[id] = append([]string(nil), iccs...)
	}

	r.companyMu.Lock()
	r.companies = table
	r.companiesAt = time.Now()
	r.companyMu.Unlock()
}

// ReaderByICC returns the reader currently holding icc.
func (r *Registry) ReaderByICC(icc string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.readerByICC[icc]
	return name, ok
}

// ICCByReader returns the ICC of the card in reader.
func (r *Registry) ICCByReader(reader string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	icc, ok := r.iccByReader[reader]
	return icc, ok
}

// ICCByCompany returns the company's default (first listed) ICC.
func (r *Registry) ICCByCompany(companyID int) (string, bool) {
	r.companyMu.RLock()
	defer r.companyMu.RUnlock()
	iccs := r.companies[companyID]
	if len(iccs) == 0 {
		return "", false
	}
	return iccs[0], true
}

// ICCsByCompany returns every ICC the company owns, in provisioning order.
func (r *Registry) ICCsByCompany(companyID int) []string {
	r.companyMu.RLock()
	defer r.companyMu.RUnlock()
	return append([]string(nil), r.companies[companyID]...)
}

// Readers returns the latest scan result.
func (r *Registry) Readers() []core.ReaderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.ReaderInfo(nil), r.readers...)
}

// ReaderNames returns the names from the latest scan.
func (r *Registry) ReaderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.readers))
	for _, info := range r.readers {
		names = append(names, info.Name)
	}
	return names
}

// ICCs returns a copy of the ICC to reader table.
func (r *Registry) ICCs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.readerByICC))
	for icc, name := range r.readerByICC {
		out[icc] = name
	}
	return out
}

// CompanyIDs returns the provisioned company ids in ascending order.
func (r *Registry) CompanyIDs() []int {
	r.companyMu.RLock()
	ids := make([]int, 0, len(r.companies))
	for id := range r.companies {
		ids = append(ids, id)
	}
	r.companyMu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Stats summarizes the tables for health output.
type Stats struct {
	Readers     int       `json:"readers"`
	Cards       int       `json:"cards"`
	KnownICCs   int       `json:"knownIccs"`
	Companies   int       `json:"companies"`
	ScannedAt   time.Time `json:"scannedAt"`
	CompaniesAt time.Time `json:"companiesAt"`
}

func (r *Registry) Stats() Stats {
	var s Stats
	r.mu.RLock()
	s.Readers = len(r.readers)
	for _, info := range r.readers {
		if info.HasCard {
			s.Cards++
		}
	}
	s.KnownICCs = len(r.readerByICC)
	s.ScannedAt = r.scannedAt
	r.mu.RUnlock()

	r.companyMu.RLock()
	s.Companies = len(r.companies)
	s.CompaniesAt = r.companiesAt
	r.companyMu.RUnlock()
	return s
}
