// Package uuid provides unit tests for UUID generation and validation.
package uuid

import "testing"

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()

	if id == "" {
		t.Fatal("Expected non-empty UUID string")
	}

	if !IsValid(id) {
		t.Errorf("Generated UUID %q is not a valid v4 UUID", id)
	}
}

// TestNewUniqueness tests that consecutive UUIDs differ.
func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		seen[id] = true
	}
}

// TestIsValid tests UUID v4 validation.
func TestIsValid(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid v4", "9b2d78e1-3f4a-4c6b-8f1d-2a9e5b7c0d13", true},
		{"empty", "", false},
		{"no dashes", "9b2d78e13f4a4c6b8f1d2a9e5b7c0d13", false},
		{"wrong version", "9b2d78e1-3f4a-1c6b-8f1d-2a9e5b7c0d13", false},
		{"wrong variant", "9b2d78e1-3f4a-4c6b-1f1d-2a9e5b7c0d13", false},
		{"too short", "9b2d78e1-3f4a-4c6b-8f1d", false},
	}

	for _, tc := range cases {
		if got := IsValid(tc.input); got != tc.want {
			t.Errorf("%s: IsValid(%q) = %v, want %v", tc.name, tc.input, got, tc.want)
		}
	}
}

// TestValidate tests that Validate returns errors for invalid input.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate on generated UUID returned error: %v", err)
	}

	if err := Validate("not-a-uuid"); err == nil {
		t.Error("Expected error for invalid UUID")
	}
}
