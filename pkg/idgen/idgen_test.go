package idgen

import (
	"strings"
	"testing"
)

// TestNewID tests the NewID function
func TestNewID(t *testing.T) {
	t.Run("returns non-empty ID", func(t *testing.T) {
		if NewID() == "" {
			t.Error("NewID() returned empty string")
		}
	})

	t.Run("returns 20 character ID", func(t *testing.T) {
		if id := NewID(); len(id) != 20 {
			t.Errorf("NewID() returned ID with length %d, want 20", len(id))
		}
	})

	t.Run("generates unique IDs", func(t *testing.T) {
		ids := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := NewID()
			if ids[id] {
				t.Errorf("NewID() generated duplicate ID: %s", id)
			}
			ids[id] = true
		}
	})
}

// TestNewRunID tests the run id prefix
func TestNewRunID(t *testing.T) {
	id := NewRunID()
	if !strings.HasPrefix(id, "run-") {
		t.Errorf("NewRunID() = %s, want run- prefix", id)
	}
	if NewRunID() == id {
		t.Error("NewRunID() generated duplicate ID")
	}
}

// TestNewRequestID tests the request id prefix
func TestNewRequestID(t *testing.T) {
	if id := NewRequestID(); !strings.HasPrefix(id, "req-") {
		t.Errorf("NewRequestID() = %s, want req- prefix", id)
	}
}
