package keypool

import (
	"testing"
	"time"
)

func credWithHash(hash string, lastUsed time.Time) *Credential {
	return &Credential{Hash: hash, LastUsed: lastUsed}
}

func TestPrioritizeEligible_DisabledSortsLast(t *testing.T) {
	now := time.Now()
	a := credWithHash("a", now)
	b := credWithHash("b", now)
	b.IsDisabled = true

	creds := []*Credential{b, a}
	prioritizeEligible(creds, nil)

	if creds[0] != a {
		t.Fatal("enabled credential should sort before a disabled one")
	}
}

func TestPrioritizeEligible_LastUsedAscending(t *testing.T) {
	now := time.Now()
	older := credWithHash("older", now.Add(-time.Hour))
	newer := credWithHash("newer", now)

	creds := []*Credential{newer, older}
	prioritizeEligible(creds, nil)

	if creds[0] != older {
		t.Fatal("least-recently-used credential should sort first")
	}
}

func TestPrioritizeEligible_HashTieBreak(t *testing.T) {
	now := time.Now()
	a := credWithHash("aaa", now)
	b := credWithHash("bbb", now)

	creds := []*Credential{b, a}
	prioritizeEligible(creds, nil)

	if creds[0] != a {
		t.Fatal("equal lastUsed should fall back to ascending hash order")
	}
}

func TestPrioritizeEligible_ComparatorTakesPrecedence(t *testing.T) {
	now := time.Now()
	// a was used more recently than b, but the comparator should override
	// the default lastUsed ordering.
	a := credWithHash("a", now)
	b := credWithHash("b", now.Add(-time.Hour))
	a.Ext.OpenAI = &OpenAIExt{IsTrial: true}

	creds := []*Credential{b, a}
	prioritizeEligible(creds, openAITrialFirst)

	if creds[0] != a {
		t.Fatal("trial credential should be prioritized ahead of a more-recently-idle non-trial one")
	}
}

func TestOpenAITrialFirst_NoPreferenceWhenEqual(t *testing.T) {
	a := &Credential{}
	b := &Credential{}
	if openAITrialFirst(a, b) {
		t.Fatal("two non-trial credentials should have no preference")
	}
}

func TestQwenLeastRecentlyUsedFirst(t *testing.T) {
	now := time.Now()
	older := credWithHash("older", now.Add(-time.Minute))
	newer := credWithHash("newer", now)

	if !qwenLeastRecentlyUsedFirst(older, newer) {
		t.Fatal("older credential should be preferred")
	}
	if qwenLeastRecentlyUsedFirst(newer, older) {
		t.Fatal("newer credential should not be preferred over older")
	}
}
