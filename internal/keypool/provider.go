package keypool

import (
	"net/http"
	"sync"
	"time"
)

// ProbeResult carries the capability data a probe discovered. Nil slices
// mean "no change reported"; Patch, if non-nil, is applied to the
// credential's Extensions under the provider lock.
type ProbeResult struct {
	ModelFamilies []string
	ModelIDs      []string
	Patch         func(*Extensions)
}

// CredentialProvider owns the credential set for one upstream service. It
// is the generic engine described in §4.1; provider-specific behavior is
// supplied by a Variant.
type CredentialProvider struct {
	mu      sync.Mutex
	set     *credentialSet
	variant Variant

	checkKeys     bool
	allowedFamily map[string]bool // nil = all families allowed

	retries map[string]*retryState
}

// NewCredentialProvider constructs an empty provider for the given
// variant. checkKeys mirrors the CHECK_KEYS config flag (§6): when false,
// the modelIds membership test in Select is skipped and credentials are
// treated as perpetually "unchecked, assumed valid".
func NewCredentialProvider(variant Variant, checkKeys bool, allowedFamilies []string) *CredentialProvider {
	p := &CredentialProvider{
		set:     newCredentialSet(),
		variant: variant,
		checkKeys: checkKeys,
		retries: make(map[string]*retryState),
	}
	if len(allowedFamilies) > 0 {
		p.allowedFamily = make(map[string]bool, len(allowedFamilies))
		for _, f := range allowedFamilies {
			p.allowedFamily[f] = true
		}
	}
	return p
}

// Variant exposes the provider's strategy object, e.g. for the Health
// Checker to obtain its ProbeStrategy.
func (p *CredentialProvider) Variant() Variant { return p.variant }

// Add inserts a new credential, collapsing duplicate hashes.
func (p *CredentialProvider) Add(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set.add(c)
}

// Select implements §4.1's select(model, {streaming, multimodal}).
func (p *CredentialProvider) Select(model string, multimodal, streaming bool) (*Credential, error) {
	family := p.variant.FamilyOf(model)
	if p.allowedFamily != nil && !p.allowedFamily[family] {
		return nil, &NoCredentialError{Service: p.variant.Name(), Model: model, Retryable: false}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var eligible []*Credential
	var throttledOnly []*Credential // eligible but for rateLimitedUntil

	for _, c := range p.set.all() {
		if c.IsDisabled || c.IsOverQuota {
			continue
		}
		// With CHECK_KEYS off no probe fills ModelFamilies, so a credential
		// with none recorded is assumed to serve every family.
		if !c.ModelFamilies[family] && (p.checkKeys || len(c.ModelFamilies) > 0) {
			continue
		}
		if p.checkKeys && len(c.ModelIDs) > 0 && !c.ModelIDs[model] {
			continue
		}
		if !p.variant.ExtraFilter(c, model, multimodal, streaming) {
			continue
		}
		if now.Before(c.RateLimitedUntil) {
			throttledOnly = append(throttledOnly, c)
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		if len(throttledOnly) == 0 {
			return nil, &NoCredentialError{Service: p.variant.Name(), Model: model, Retryable: false}
		}
		// Every candidate is throttled: no credential is returned; the
		// retryable error carries the remaining lockout of the one with the
		// smallest rateLimitedUntil.
		best := throttledOnly[0]
		for _, c := range throttledOnly[1:] {
			if c.RateLimitedUntil.Before(best.RateLimitedUntil) {
				best = c
			}
		}
		return nil, &NoCredentialError{
			Service:          p.variant.Name(),
			Model:            model,
			Retryable:        true,
			RetryAfterMillis: best.RateLimitedUntil.Sub(now).Milliseconds(),
		}
	}

	prioritizeEligible(eligible, p.variant.SelectComparator())
	chosen := eligible[0]

	chosen.LastUsed = now
	p.throttleLocked(chosen, now)

	return chosen, nil
}

// throttleLocked applies the post-selection reuse cooldown (§4.1's
// Throttle note). Caller holds p.mu.
func (p *CredentialProvider) throttleLocked(c *Credential, now time.Time) {
	candidate := now.Add(p.variant.ThrottleDelay())
	if candidate.After(c.RateLimitedUntil) {
		c.RateLimitedUntil = candidate
	}
}

// Update merges a partial patch into the credential identified by hash.
// sets lastChecked when called by the checker.
func (p *CredentialProvider) Update(hash string, fromChecker bool, patch func(*Credential)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.set.get(hash)
	if c == nil {
		return
	}
	if patch != nil {
		patch(c)
	}
	if fromChecker {
		c.LastChecked = time.Now()
	}
}

// Disable marks a credential off; revocation is sticky (§8 idempotence:
// disable(revoked) then disable(quota) leaves IsRevoked true).
func (p *CredentialProvider) Disable(hash string, reason DisableReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.set.get(hash)
	if c == nil {
		return
	}
	c.IsDisabled = true
	switch reason {
	case ReasonRevoked:
		c.IsRevoked = true
	case ReasonQuota:
		c.IsOverQuota = true
	}
}

// IncrementUsage adds to tokenUsage[family] and bumps promptCount.
func (p *CredentialProvider) IncrementUsage(hash, family string, u Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.set.get(hash)
	if c == nil {
		return
	}
	cur := c.TokenUsage[family]
	cur.InputTokens += u.InputTokens
	cur.OutputTokens += u.OutputTokens
	c.TokenUsage[family] = cur
	c.PromptCount++
}

// MarkRateLimited sets rateLimitedAt=now, rateLimitedUntil=now+lockout.
func (p *CredentialProvider) MarkRateLimited(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.set.get(hash)
	if c == nil {
		return
	}
	now := time.Now()
	c.RateLimitedAt = now
	c.RateLimitedUntil = now.Add(p.variant.DefaultLockout())
}

// UpdateRateLimits delegates header parsing to the variant (OpenAI's
// x-ratelimit-reset-* headers; a no-op for providers without them).
func (p *CredentialProvider) UpdateRateLimits(hash string, headers http.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.set.get(hash)
	if c == nil {
		return
	}
	p.variant.ParseRateLimitHeaders(c, headers)
}

// GetLockoutPeriod returns 0 if any credential serving family is
// currently free, otherwise the minimum remaining lockout across the
// eligible set, capped at 20s.
func (p *CredentialProvider) GetLockoutPeriod(family string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var min time.Duration = -1

	for _, c := range p.set.all() {
		if c.IsDisabled || c.IsOverQuota {
			continue
		}
		if !c.ModelFamilies[family] {
			continue
		}
		if !now.Before(c.RateLimitedUntil) {
			return 0
		}
		remaining := c.RateLimitedUntil.Sub(now)
		if min < 0 || remaining < min {
			min = remaining
		}
	}
	if min < 0 {
		return 0
	}
	if min > maxLockoutCap {
		return maxLockoutCap
	}
	return min
}

// Recheck clears isOverQuota and isDisabled (not isRevoked) and resets
// lastChecked so the scheduler re-probes every credential promptly.
func (p *CredentialProvider) Recheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.set.all() {
		if c.IsRevoked {
			continue
		}
		c.IsOverQuota = false
		c.IsDisabled = false
		c.LastChecked = time.Time{}
	}
}

// Available returns the count of non-disabled credentials.
func (p *CredentialProvider) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.set.all() {
		if !c.IsDisabled {
			n++
		}
	}
	return n
}

// List returns a secret-scrubbed view of every credential.
func (p *CredentialProvider) List() []PublicCredential {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.set.all()
	out := make([]PublicCredential, 0, len(all))
	for _, c := range all {
		out = append(out, c.toPublic())
	}
	return out
}

// EnsureClones implements scenario 6's per-org clone discovery: for every
// orgID the checker discovered that base does not already cover (neither as
// base's own org nor as an existing clone's), create an independent
// Credential sharing base's secret but with its own hash, lastChecked=0 and
// no back-reference, so it is probed and disabled on its own schedule.
func (p *CredentialProvider) EnsureClones(base *Credential, orgIDs []string) {
	if len(orgIDs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	known := make(map[string]bool)
	for _, c := range p.set.all() {
		if c.Secret != base.Secret {
			continue
		}
		if c.Ext.OpenAI != nil {
			known[c.Ext.OpenAI.OrganizationID] = true
		}
	}

	for _, org := range orgIDs {
		if org == "" || known[org] {
			continue
		}
		clone := NewCredential(base.Service, base.Secret, org)
		p.set.add(clone)
		known[org] = true
	}
}

// candidatesForProbe returns non-revoked credentials whose lastChecked is
// old enough to probe again, oldest first, respecting the strategy's
// minimum interval.
func (p *CredentialProvider) candidatesForProbe(minInterval time.Duration) []*Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []*Credential
	for _, c := range p.set.all() {
		if c.IsRevoked {
			continue
		}
		if c.LastChecked.IsZero() || now.Sub(c.LastChecked) >= minInterval {
			out = append(out, c)
		}
	}
	return out
}

// applyProbeResult merges a completed probe's findings into the
// credential's state and applies the generic transition table (§4.2).
func (p *CredentialProvider) applyProbeResult(hash string, res ProbeResult, outcome ProbeOutcome, fullCycle time.Duration, maxRetries int, revokeOnExhaustion bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.set.get(hash)
	if c == nil {
		return
	}
	now := time.Now()

	for _, f := range res.ModelFamilies {
		c.ModelFamilies[f] = true
	}
	for _, id := range res.ModelIDs {
		c.ModelIDs[id] = true
	}
	if res.Patch != nil {
		res.Patch(&c.Ext)
	}

	rs := p.retries[hash]
	if rs == nil {
		rs = &retryState{}
		p.retries[hash] = rs
	}

	switch outcome {
	case OutcomeSuccess:
		c.LastChecked = now
		rs.count = 0
	case OutcomeRevoked:
		c.IsDisabled = true
		c.IsRevoked = true
		c.LastChecked = now
	case OutcomeOverQuota:
		c.IsDisabled = true
		c.IsOverQuota = true
		c.LastChecked = now
	case OutcomeRateLimitWindow:
		c.LastChecked = now.Add(-(fullCycle - 5*time.Minute))
	case OutcomeRateLimitHard:
		c.IsDisabled = true
		c.IsOverQuota = true
		c.LastChecked = now
	case OutcomeServerError:
		if !rs.lastServerError.IsZero() && now.Sub(rs.lastServerError) > fullCycle {
			rs.count = 0
		}
		rs.count++
		rs.lastServerError = now
		if rs.count > maxRetries {
			if revokeOnExhaustion {
				c.IsDisabled = true
				c.IsRevoked = true
			}
			rs.count = 0
		}
		c.LastChecked = now
	}
}
