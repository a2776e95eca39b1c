// Package keypool implements the credential pool, health checker, and
// dispatch queue that sit between the gateway's request handlers and the
// per-provider upstream adapters. A Pool owns one CredentialProvider per
// upstream service; each Provider owns a set of Credentials and a
// HealthChecker that keeps their state current.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DisableReason identifies why a credential was taken out of selection.
type DisableReason string

const (
	ReasonQuota   DisableReason = "quota"
	ReasonRevoked DisableReason = "revoked"
)

// AnthropicTier is Anthropic's usage-band classification inferred from
// rate-limit response headers.
type AnthropicTier string

const (
	TierFree    AnthropicTier = "free"
	TierBuild1  AnthropicTier = "build_1"
	TierBuild2  AnthropicTier = "build_2"
	TierBuild3  AnthropicTier = "build_3"
	TierBuild4  AnthropicTier = "build_4"
	TierScale   AnthropicTier = "scale"
	TierUnknown AnthropicTier = "unknown"
)

// Usage accumulates token counts for one model family on one credential.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// OpenAIExt holds fields specific to OpenAI credentials (and their
// per-organization clones).
type OpenAIExt struct {
	OrganizationID         string
	IsTrial                bool
	OrganizationVerified   bool
	RateLimitRequestsReset time.Time
	RateLimitTokensReset   time.Time
}

// AnthropicExt holds fields specific to Anthropic credentials.
type AnthropicExt struct {
	Tier      AnthropicTier
	IsPozzed  bool
}

// GoogleAIExt holds fields specific to Google AI (Gemini) credentials.
type GoogleAIExt struct {
	BillingEnabled    bool
	OverQuotaFamilies map[string]bool
}

// Extensions is a tagged-variant payload: at most one of these is
// populated, matching the credential's Service. Providers that need no
// extra state (the generic OpenAI-compatible family) leave all nil.
type Extensions struct {
	OpenAI    *OpenAIExt
	Anthropic *AnthropicExt
	GoogleAI  *GoogleAIExt
}

// Credential is one API authentication artifact for one upstream service.
// All mutable fields are guarded by the owning CredentialProvider's mutex;
// Credential itself has no lock of its own.
type Credential struct {
	Secret string
	Hash   string
	Service string

	ModelFamilies map[string]bool
	ModelIDs      map[string]bool

	IsDisabled  bool
	IsRevoked   bool
	IsOverQuota bool

	RateLimitedAt    time.Time
	RateLimitedUntil time.Time

	LastUsed    time.Time
	LastChecked time.Time
	PromptCount int64

	TokenUsage map[string]Usage

	Ext Extensions
}

// HashSecret derives the stable short identifier for a secret, optionally
// salted by an organization id for OpenAI clones. It is exported so
// provider-specific clone discovery can compute a clone's hash the same
// way credentials are hashed at construction.
func HashSecret(secret, orgID string) string {
	h := sha256.Sum256([]byte(secret + "\x00" + orgID))
	return hex.EncodeToString(h[:])[:16]
}

// NewCredential constructs a Credential in its initial "unchecked, enabled"
// lifecycle state.
func NewCredential(service, secret, orgID string) *Credential {
	return &Credential{
		Secret:        secret,
		Hash:          HashSecret(secret, orgID),
		Service:       service,
		ModelFamilies: make(map[string]bool),
		ModelIDs:      make(map[string]bool),
		TokenUsage:    make(map[string]Usage),
	}
}

// PublicCredential is the secret-scrubbed view returned by List().
type PublicCredential struct {
	Hash          string
	Service       string
	ModelFamilies []string
	IsDisabled    bool
	IsRevoked     bool
	IsOverQuota   bool
	RateLimitedUntil time.Time
	LastUsed      time.Time
	LastChecked   time.Time
	PromptCount   int64
	TokenUsage    map[string]Usage
}

func (c *Credential) toPublic() PublicCredential {
	families := make([]string, 0, len(c.ModelFamilies))
	for f := range c.ModelFamilies {
		families = append(families, f)
	}
	usage := make(map[string]Usage, len(c.TokenUsage))
	for k, v := range c.TokenUsage {
		usage[k] = v
	}
	return PublicCredential{
		Hash:             c.Hash,
		Service:          c.Service,
		ModelFamilies:    families,
		IsDisabled:       c.IsDisabled,
		IsRevoked:        c.IsRevoked,
		IsOverQuota:      c.IsOverQuota,
		RateLimitedUntil: c.RateLimitedUntil,
		LastUsed:         c.LastUsed,
		LastChecked:      c.LastChecked,
		PromptCount:      c.PromptCount,
		TokenUsage:       usage,
	}
}

// credentialSet is the internal container a CredentialProvider keeps its
// credentials in, indexed by hash for O(1) update/disable. It has no lock
// of its own: the owning CredentialProvider's mutex guards every access,
// since §5 requires the filter/sort/throttle sequence in Select to observe
// one consistent snapshot under a single critical section.
type credentialSet struct {
	byHash map[string]*Credential
	order  []string // insertion order, for deterministic iteration/tie-break
}

func newCredentialSet() *credentialSet {
	return &credentialSet{byHash: make(map[string]*Credential)}
}

// add inserts c, collapsing duplicate hashes (the spec requires duplicate
// configured secrets to collapse before insertion). Caller holds the lock.
func (s *credentialSet) add(c *Credential) {
	if _, exists := s.byHash[c.Hash]; exists {
		return
	}
	s.byHash[c.Hash] = c
	s.order = append(s.order, c.Hash)
}

func (s *credentialSet) get(hash string) *Credential {
	return s.byHash[hash]
}

// all returns the credentials in stable insertion order. Caller holds the lock.
func (s *credentialSet) all() []*Credential {
	out := make([]*Credential, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, s.byHash[h])
	}
	return out
}

func (s *credentialSet) len() int {
	return len(s.order)
}
