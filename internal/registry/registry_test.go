package registry

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/core/cardtest"
)

func TestUpdateReadersLookups(t *testing.T) {
	r := New()
	r.UpdateReaders([]core.ReaderInfo{
		{Name: "Reader-A", HasCard: true, ICC: "QWxpY2U="},
		{Name: "Reader-B", HasCard: true, Error: "select EF_ICC failed"},
		{Name: "Reader-C"},
	})

	if name, ok := r.ReaderByICC("QWxpY2U="); !ok || name != "Reader-A" {
		t.Errorf("ReaderByICC() = %q, %v", name, ok)
	}
	if icc, ok := r.ICCByReader("Reader-A"); !ok || icc != "QWxpY2U=" {
		t.Errorf("ICCByReader() = %q, %v", icc, ok)
	}
	if _, ok := r.ICCByReader("Reader-B"); ok {
		t.Error("reader without a readable ICC must not resolve")
	}
	if _, ok := r.ReaderByICC("missing"); ok {
		t.Error("unknown ICC must not resolve")
	}

	want := []string{"Reader-A", "Reader-B", "Reader-C"}
	if diff := cmp.Diff(want, r.ReaderNames()); diff != "" {
		t.Errorf("ReaderNames() mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateReadersReplacesWholesale(t *testing.T) {
	r := New()
	r.UpdateReaders([]core.ReaderInfo{{Name: "Reader-A", HasCard: true, ICC: "ICC1"}})
	r.UpdateReaders([]core.ReaderInfo{{Name: "Reader-B", HasCard: true, ICC: "ICC2"}})

	if _, ok := r.ReaderByICC("ICC1"); ok {
		t.Error("ICC1 should be gone after the second scan")
	}
	if diff := cmp.Diff(map[string]string{"ICC2": "Reader-B"}, r.ICCs()); diff != "" {
		t.Errorf("ICCs() mismatch (-want +got):\n%s", diff)
	}
}

func TestCardMovedBetweenReaders(t *testing.T) {
	r := New()
	r.UpdateReaders([]core.ReaderInfo{{Name: "Reader-A", HasCard: true, ICC: "ICC1"}})
	r.UpdateReaders([]core.ReaderInfo{
		{Name: "Reader-A"},
		{Name: "Reader-B", HasCard: true, ICC: "ICC1"},
	})

	if name, _ := r.ReaderByICC("ICC1"); name != "Reader-B" {
		t.Errorf("ReaderByICC() = %q, want Reader-B", name)
	}
}

func TestCompanies(t *testing.T) {
	r := New()
	r.UpdateCompanies(map[int][]string{
		42: {"ICC1", "ICC2"},
		7:  {},
	})

	if icc, ok := r.ICCByCompany(42); !ok || icc != "ICC1" {
		t.Errorf("ICCByCompany(42) = %q, %v, want first listed", icc, ok)
	}
	if _, ok := r.ICCByCompany(7); ok {
		t.Error("company with no cards must not resolve")
	}
	if _, ok := r.ICCByCompany(99); ok {
		t.Error("unknown company must not resolve")
	}
	if diff := cmp.Diff([]string{"ICC1", "ICC2"}, r.ICCsByCompany(42)); diff != "" {
		t.Errorf("ICCsByCompany() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{7, 42}, r.CompanyIDs()); diff != "" {
		t.Errorf("CompanyIDs() mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateCompaniesCopiesInput(t *testing.T) {
	r := New()
	in := map[int][]string{42: {"ICC1"}}
	r.UpdateCompanies(in)
	in[42][0] = "mutated"

	if icc, _ := r.ICCByCompany(42); icc != "ICC1" {
		t.Errorf("registry shares the caller's slice: got %q", icc)
	}
}

func TestStats(t *testing.T) {
	r := New()
	r.UpdateReaders([]core.ReaderInfo{
		{Name: "Reader-A", HasCard: true, ICC: "ICC1"},
		{Name: "Reader-B", HasCard: true},
		{Name: "Reader-C"},
	})
	r.UpdateCompanies(map[int][]string{1: {"ICC1"}})

	s := r.Stats()
	if s.Readers != 3 || s.Cards != 2 || s.KnownICCs != 1 || s.Companies != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestConcurrentLookupsDuringRefresh(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.UpdateReaders([]core.ReaderInfo{{Name: "Reader-A", HasCard: true, ICC: "ICC1"}})
				r.UpdateCompanies(map[int][]string{42: {"ICC1"}})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.ReaderByICC("ICC1")
				r.ICCByCompany(42)
				r.Readers()
			}
		}()
	}
	wg.Wait()
}

func TestHandleCache(t *testing.T) {
	tr := cardtest.New().Insert("Reader-A", cardtest.NewTachoCard([]byte("x")))
	h1, _ := tr.Connect("Reader-A")
	h2, _ := tr.Connect("Reader-A")

	c := NewHandleCache()
	if _, ok := c.Get(7); ok {
		t.Fatal("empty cache returned a handle")
	}
	if prev := c.Set(7, h1); prev != nil {
		t.Errorf("first Set displaced %v", prev)
	}
	if got, ok := c.Get(7); !ok || got != h1 {
		t.Error("Get() should return the stored handle")
	}
	if prev := c.Set(7, h2); prev != h1 {
		t.Error("Set() should return the displaced handle")
	}
	if got, ok := c.Take(7); !ok || got != h2 {
		t.Error("Take() should return the current handle")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Take, want 0", c.Len())
	}
}
