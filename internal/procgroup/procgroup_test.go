package procgroup

import "testing"

func TestRegisterLookup(t *testing.T) {
	r := New(4)
	r.Register("root", 1)

	pid, ok := r.Lookup("root")
	if !ok || pid != 1 {
		t.Fatalf("Lookup(root) = %d,%v want 1,true", pid, ok)
	}
	name, ok := r.NameOf(1)
	if !ok || name != "root" {
		t.Fatalf("NameOf(1) = %q,%v want root,true", name, ok)
	}
}

func TestReRegisterMovesName(t *testing.T) {
	r := New(4)
	r.Register("root", 1)
	r.Register("root", 2)

	if _, ok := r.NameOf(1); ok {
		t.Fatal("pid 1 should no longer hold the name after re-registration")
	}
	pid, ok := r.Lookup("root")
	if !ok || pid != 2 {
		t.Fatalf("Lookup(root) = %d,%v want 2,true", pid, ok)
	}
}

func TestUnregisterPid(t *testing.T) {
	r := New(4)
	r.Register("root", 1)
	r.UnregisterPid(1)

	if _, ok := r.Lookup("root"); ok {
		t.Fatal("expected name to be gone after UnregisterPid")
	}
	if _, ok := r.NameOf(1); ok {
		t.Fatal("expected reverse mapping to be gone too")
	}
}

func TestEvictionClearsReverseMapping(t *testing.T) {
	r := New(1)
	r.Register("a", 1)
	r.Register("b", 2) // evicts "a" under capacity 1

	if _, ok := r.Lookup("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	if _, ok := r.NameOf(1); ok {
		t.Fatal("expected reverse mapping for evicted pid to be cleared")
	}
}
