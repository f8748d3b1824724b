package main

import "testing"

func TestParseMappingsValid(t *testing.T) {
	mappings, err := parseMappings([]string{"documents=/mnt/share/documents"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mappings["documents"] != "/mnt/share/documents" {
		t.Fatalf("unexpected mapping: %v", mappings)
	}
}

func TestParseMappingsSplitsOnFirstEquals(t *testing.T) {
	mappings, err := parseMappings([]string{"channel=/path/with=equals"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mappings["channel"] != "/path/with=equals" {
		t.Fatalf("unexpected mapping: %v", mappings)
	}
}

func TestParseMappingsNoEquals(t *testing.T) {
	if _, err := parseMappings([]string{"no-equals-sign"}); err == nil {
		t.Fatal("expected an error for a mapping without '='")
	}
}

func TestParseMappingsMultiple(t *testing.T) {
	mappings, err := parseMappings([]string{"a=/mnt/a", "b=/mnt/b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mappings) != 2 || mappings["a"] != "/mnt/a" || mappings["b"] != "/mnt/b" {
		t.Fatalf("unexpected mappings: %v", mappings)
	}
}
