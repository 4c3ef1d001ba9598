package cap

import "testing"

func TestInsertLookupDelete(t *testing.T) {
	s := NewSpace(16)
	slot, err := s.Insert(KindEndpoint, RightSend|RightGrant, "ep-object", 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c, err := s.Lookup(slot)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if c.Kind != KindEndpoint || c.Object != "ep-object" {
		t.Fatalf("Lookup returned %+v", c)
	}
	if err := s.Delete(slot); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Lookup(slot); err == nil {
		t.Fatalf("Lookup after delete should fail")
	}
}

func TestCopyRequiresGrant(t *testing.T) {
	src := NewSpace(16)
	dest := NewSpace(16)
	slot, _ := src.Insert(KindEndpoint, RightSend, "ep", 0) // no Grant
	if _, err := Copy(src, slot, dest); err == nil {
		t.Fatalf("Copy without Grant should fail")
	}

	slot2, _ := src.Insert(KindEndpoint, RightSend|RightGrant, "ep2", 0)
	destSlot, err := Copy(src, slot2, dest)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got, _ := dest.Lookup(destSlot)
	if got.Object != "ep2" || got.Rights != (RightSend|RightGrant) {
		t.Fatalf("Copy produced %+v", got)
	}
}

func TestMintReducesRights(t *testing.T) {
	src := NewSpace(16)
	dest := NewSpace(16)
	slot, _ := src.Insert(KindEndpoint, RightSend|RightReceive|RightGrant, "ep", 0)
	destSlot, err := Mint(src, slot, dest, RightSend, 42)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	got, _ := dest.Lookup(destSlot)
	if got.Rights != RightSend {
		t.Fatalf("Mint rights = %v, want RightSend only", got.Rights)
	}
	if got.Badge != 42 {
		t.Fatalf("Mint badge = %d, want 42", got.Badge)
	}
}

func TestRevokeInvalidatesGeneration(t *testing.T) {
	s := NewSpace(16)
	slot, _ := s.Insert(KindMemory, RightRead|RightRevoke, nil, 0)
	c, _ := s.Lookup(slot)
	if !s.IsValid(c) {
		t.Fatalf("freshly looked-up capability should be valid")
	}
	if err := s.Revoke(slot); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.IsValid(c) {
		t.Fatalf("capability cached before revoke should now be invalid")
	}
	// The slot itself was never reinserted, so its stored generation is
	// still the pre-revoke one: every outstanding reference to it,
	// cached or freshly looked up, stays invalid until something
	// re-inserts into the slot.
	fresh, _ := s.Lookup(slot)
	if s.IsValid(fresh) {
		t.Fatalf("a lookup of a revoked, not-reinserted slot should stay invalid")
	}
}

func TestRevokeRequiresRight(t *testing.T) {
	s := NewSpace(16)
	slot, _ := s.Insert(KindMemory, RightRead, nil, 0) // no RightRevoke
	if err := s.Revoke(slot); err == nil {
		t.Fatalf("Revoke without RightRevoke should fail")
	}
}
