package keypool

import "testing"

func TestHashSecret_Deterministic(t *testing.T) {
	a := HashSecret("sk-foo", "")
	b := HashSecret("sk-foo", "")
	if a != b {
		t.Fatalf("HashSecret should be deterministic, got %q and %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16-char hash, got %d: %q", len(a), a)
	}
}

func TestHashSecret_OrgSalting(t *testing.T) {
	base := HashSecret("sk-foo", "")
	clone := HashSecret("sk-foo", "org-123")
	if base == clone {
		t.Fatal("same secret with a different org id should hash differently")
	}
}

func TestNewCredential_InitialState(t *testing.T) {
	c := NewCredential("openai", "sk-foo", "")
	if c.IsDisabled || c.IsRevoked || c.IsOverQuota {
		t.Fatal("new credential should start fully enabled")
	}
	if !c.LastChecked.IsZero() {
		t.Fatal("new credential should have a zero lastChecked, unchecked state")
	}
	if c.ModelFamilies == nil || c.ModelIDs == nil || c.TokenUsage == nil {
		t.Fatal("new credential should have initialized maps")
	}
}

func TestCredential_ToPublic_ScrubsSecret(t *testing.T) {
	c := NewCredential("openai", "sk-very-secret", "")
	c.ModelFamilies["gpt4o"] = true
	c.TokenUsage["gpt4o"] = Usage{InputTokens: 10, OutputTokens: 20}

	pub := c.toPublic()
	if pub.Hash != c.Hash {
		t.Fatal("public view should carry the hash")
	}
	if len(pub.ModelFamilies) != 1 || pub.ModelFamilies[0] != "gpt4o" {
		t.Fatalf("expected one family gpt4o, got %v", pub.ModelFamilies)
	}
	if pub.TokenUsage["gpt4o"].InputTokens != 10 {
		t.Fatal("usage should be copied into the public view")
	}
}

func TestCredentialSet_AddCollapsesDuplicates(t *testing.T) {
	set := newCredentialSet()
	c1 := NewCredential("openai", "sk-foo", "")
	c2 := NewCredential("openai", "sk-foo", "") // same secret+org -> same hash

	set.add(c1)
	set.add(c2)

	if set.len() != 1 {
		t.Fatalf("expected duplicate hash to collapse, got %d entries", set.len())
	}
}

func TestCredentialSet_StableOrder(t *testing.T) {
	set := newCredentialSet()
	var hashes []string
	for i := 0; i < 5; i++ {
		c := NewCredential("openai", "sk-"+string(rune('a'+i)), "")
		set.add(c)
		hashes = append(hashes, c.Hash)
	}

	all := set.all()
	if len(all) != 5 {
		t.Fatalf("expected 5 credentials, got %d", len(all))
	}
	for i, c := range all {
		if c.Hash != hashes[i] {
			t.Fatalf("expected insertion order at index %d: want %s got %s", i, hashes[i], c.Hash)
		}
	}
}
