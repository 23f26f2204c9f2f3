package mcp_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/diabetactic/diabetactic-go"
	"github.com/diabetactic/diabetactic-go/mcp"
)

func TestRefSession_Track_PerKindCounters(t *testing.T) {
	s := mcp.NewRefSession()

	r1 := s.Track(diabetactic.KindReading, "r-a")
	a1 := s.Track(diabetactic.KindAppointment, "a-a")
	r2 := s.Track(diabetactic.KindReading, "r-b")

	if r1 != "R1" || r2 != "R2" {
		t.Errorf("reading refs = %q, %q; want R1, R2", r1, r2)
	}
	if a1 != "A1" {
		t.Errorf("appointment ref = %q, want A1", a1)
	}
}

func TestRefSession_Track_SameEntitySameRef(t *testing.T) {
	s := mcp.NewRefSession()

	first := s.Track(diabetactic.KindReading, "r-a")
	again := s.Track(diabetactic.KindReading, "r-a")
	if first != again {
		t.Errorf("retracking returned %q, want %q", again, first)
	}

	// The same local id under another kind is a different entity.
	if ref := s.Track(diabetactic.KindAppointment, "r-a"); ref != "A1" {
		t.Errorf("appointment with reading's id got %q, want A1", ref)
	}
}

func TestRefSession_Resolve(t *testing.T) {
	s := mcp.NewRefSession()
	s.Track(diabetactic.KindReading, "r-a")

	e, ok := s.Resolve(" r1 ")
	if !ok {
		t.Fatal("Resolve(r1) not found")
	}
	if e.Kind != diabetactic.KindReading || e.LocalID != "r-a" {
		t.Errorf("Resolve(r1) = %+v", e)
	}

	if _, ok := s.Resolve("R9"); ok {
		t.Error("Resolve(R9) should not be found")
	}
}

func TestRefSession_Clear(t *testing.T) {
	s := mcp.NewRefSession()
	s.Track(diabetactic.KindReading, "r-a")
	s.Track(diabetactic.KindReading, "r-b")

	s.Clear()

	if len(s.All()) != 0 {
		t.Errorf("All() after Clear = %v", s.All())
	}
	if ref := s.Track(diabetactic.KindReading, "r-c"); ref != "R1" {
		t.Errorf("counter not reset: got %q", ref)
	}
}

func TestRefSession_ConcurrentTrack(t *testing.T) {
	s := mcp.NewRefSession()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Track(diabetactic.KindReading, fmt.Sprintf("r-%d", i))
		}(i)
	}
	wg.Wait()

	all := s.All()
	if len(all) != 50 {
		t.Fatalf("tracked %d refs, want 50", len(all))
	}
	for i := 1; i <= 50; i++ {
		if _, ok := all[fmt.Sprintf("R%d", i)]; !ok {
			t.Errorf("missing R%d", i)
		}
	}
}
