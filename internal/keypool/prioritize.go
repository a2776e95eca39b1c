package keypool

import "sort"

// Comparator expresses a provider-specific tie-break preference between
// two already-eligible credentials. It returns true if a should be tried
// before b, ignoring the fields prioritizeEligible already handles
// (isDisabled, lastUsed, hash). A nil Comparator means "no preference".
type Comparator func(a, b *Credential) bool

// openAITrialFirst prefers trial credentials: burn the free allowance
// before spending a paid credential, per §4.1's OpenAI filter note.
func openAITrialFirst(a, b *Credential) bool {
	at, bt := isTrial(a), isTrial(b)
	if at == bt {
		return false
	}
	return at && !bt
}

func isTrial(c *Credential) bool {
	return c.Ext.OpenAI != nil && c.Ext.OpenAI.IsTrial
}

// qwenLeastRecentlyUsedFirst prefers the credential used longest ago.
// This mirrors the default lastUsed-ascending tie-break exactly; it is
// expressed as an explicit comparator because the spec calls it out as a
// named Qwen-specific policy rather than incidental default behavior.
func qwenLeastRecentlyUsedFirst(a, b *Credential) bool {
	if a.LastUsed.Equal(b.LastUsed) {
		return false
	}
	return a.LastUsed.Before(b.LastUsed)
}

// prioritizeEligible orders an already-filtered eligible slice in place
// per §4.5: isDisabled ascending (always false post-filter, kept for
// defensiveness), then the provider comparator, then lastUsed ascending,
// then hash ascending as a deterministic final tie-break.
func prioritizeEligible(creds []*Credential, cmp Comparator) {
	sort.SliceStable(creds, func(i, j int) bool {
		a, b := creds[i], creds[j]
		if a.IsDisabled != b.IsDisabled {
			return !a.IsDisabled
		}
		if cmp != nil {
			if cmp(a, b) {
				return true
			}
			if cmp(b, a) {
				return false
			}
		}
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		return a.Hash < b.Hash
	})
}
