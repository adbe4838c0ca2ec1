package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestExpiriesRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state", "mural.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	want := time.Now().Add(30 * time.Second).UTC().Truncate(time.Millisecond)
	if err := s.SetExpiry(7, want); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}
	got, err := s.Expiries()
	if err != nil {
		t.Fatalf("Expiries: %v", err)
	}
	if !got[7].Equal(want) {
		t.Fatalf("expiry = %v, want %v", got[7], want)
	}
}

func TestSetExpiry_Overwrites(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "mural.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	first := time.Unix(1000, 0)
	second := time.Unix(2000, 0)
	if err := s.SetExpiry(7, first); err != nil {
		t.Fatal(err)
	}
	if err := s.SetExpiry(7, second); err != nil {
		t.Fatal(err)
	}
	got, err := s.Expiries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[7].Equal(second) {
		t.Fatalf("expiries = %v, want single row at %v", got, second)
	}
}

func TestExpiries_EmptyDatabase(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "mural.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.Expiries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expiries = %v, want none", got)
	}
}
