package lease

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSessions(NewFakeClock(epoch))

	id := s.Create("ICC1")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("session id %q is not a UUID: %v", id, err)
	}

	icc, ok := s.Lookup(id)
	if !ok || icc != "ICC1" {
		t.Fatalf("Lookup() = %q, %v", icc, ok)
	}

	icc, ok = s.Remove(id)
	if !ok || icc != "ICC1" {
		t.Fatalf("Remove() = %q, %v", icc, ok)
	}
	if _, ok := s.Lookup(id); ok {
		t.Error("Lookup() after Remove should fail")
	}
	if _, ok := s.Remove(id); ok {
		t.Error("second Remove() should report not found")
	}
}

func TestSessionLookupUnknown(t *testing.T) {
	s := NewSessions(nil)
	if _, ok := s.Lookup("not-a-session"); ok {
		t.Error("unknown id should not be found")
	}
}

func TestSessionListOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := NewSessions(clock)

	first := s.Create("ICC1")
	clock.Advance(time.Second)
	second := s.Create("ICC2")

	list := s.List()
	if len(list) != 2 || list[0].ID != first || list[1].ID != second {
		t.Errorf("List() = %+v", list)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}
