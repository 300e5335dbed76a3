package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStore_Create(t *testing.T) {
	store := NewStore()

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		session := store.Create("192.168.1.20:50000")

		// Verify ID is unique
		if ids[session.ID] {
			t.Errorf("Duplicate session ID: %s", session.ID)
		}
		ids[session.ID] = true

		// Verify ID format
		if _, err := uuid.Parse(session.ID); err != nil {
			t.Errorf("Session ID %q is not a UUID: %v", session.ID, err)
		}

		if session.Remote != "192.168.1.20:50000" {
			t.Errorf("Remote = %s", session.Remote)
		}
		if session.ConnectedAt.IsZero() {
			t.Error("ConnectedAt should not be zero")
		}
	}

	if store.Len() != 100 {
		t.Errorf("Len = %d, want 100", store.Len())
	}
}

func TestStore_Update(t *testing.T) {
	store := NewStore()
	session := store.Create("10.0.0.1:1")

	ok := store.Update(session.ID, func(s *Session) {
		s.TitleID = "00050000-101C9400"
		s.OpenHandles = 3
		s.ID = "tampered"
	})
	if !ok {
		t.Fatal("Update should find the session")
	}

	got, found := store.Get(session.ID)
	if !found {
		t.Fatal("Session should be found")
	}
	if got.TitleID != "00050000-101C9400" {
		t.Errorf("TitleID = %s", got.TitleID)
	}
	if got.OpenHandles != 3 {
		t.Errorf("OpenHandles = %d, want 3", got.OpenHandles)
	}
	if got.ID != session.ID {
		t.Errorf("ID changed to %s", got.ID)
	}

	if store.Update("missing", func(*Session) {}) {
		t.Error("Update should fail for unknown ID")
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore()
	session := store.Create("10.0.0.1:1")

	_, found := store.Get(session.ID)
	if !found {
		t.Fatal("session should exist")
	}

	store.Delete(session.ID)

	_, found = store.Get(session.ID)
	if found {
		t.Fatal("session should be deleted")
	}
}

func TestStore_ListOrdered(t *testing.T) {
	store := NewStore()
	first := store.Create("a")
	time.Sleep(time.Millisecond)
	second := store.Create("b")

	list := store.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("List order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, first.ID, second.ID)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore()
	done := make(chan bool)

	// Concurrent creates
	go func() {
		for i := 0; i < 50; i++ {
			s := store.Create("a")
			store.Update(s.ID, func(s *Session) { s.OpenHandles++ })
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 50; i++ {
			store.Delete(store.Create("b").ID)
		}
		done <- true
	}()

	// Concurrent lookups
	go func() {
		for i := 0; i < 50; i++ {
			store.List()
			store.Get("missing")
		}
		done <- true
	}()

	// Wait for all goroutines
	for i := 0; i < 3; i++ {
		<-done
	}

	if store.Len() != 50 {
		t.Errorf("Len = %d, want 50", store.Len())
	}
}
