package keypool

import (
	"context"
	"net/http"
	"time"
)

// Variant is the tagged-variant strategy object for one upstream service:
// the provider-specific pieces of selection, throttling, and probing that
// the generic CredentialProvider delegates to. §9's "interface + tagged
// variant" design note.
type Variant interface {
	// Name is the service identifier, e.g. "openai", "anthropic".
	Name() string

	// FamilyOf maps a concrete model id to its coarse model family.
	FamilyOf(model string) string

	// ExtraFilter applies provider-specific eligibility rules beyond the
	// generic filter in Select (§4.1's per-provider bullets). Returning
	// false excludes the credential.
	ExtraFilter(c *Credential, model string, multimodal, streaming bool) bool

	// SelectComparator returns the provider's tie-break preference, or nil.
	SelectComparator() Comparator

	// ThrottleDelay is REUSE_DELAY: how long a credential is held back
	// after being selected, before it can be selected again.
	ThrottleDelay() time.Duration

	// DefaultLockout is the window set by MarkRateLimited absent a more
	// specific header-derived value.
	DefaultLockout() time.Duration

	// ParseRateLimitHeaders updates a credential's rate-limit-derived
	// fields (OpenAI's reset headers, Anthropic's tier headers) from a
	// completed request's response headers. Providers with nothing to
	// parse leave this a no-op.
	ParseRateLimitHeaders(c *Credential, headers http.Header)

	// Prober returns the health-check probe strategy for this service.
	Prober() ProbeStrategy
}

// OrgDiscoverer is an optional capability a ProbeStrategy may implement
// (currently only OpenAIVariant) when a credential can belong to more than
// one billing organization: the Health Checker calls it after a successful
// probe to learn which organizations the secret has access to, then asks
// the CredentialProvider to ensure a clone exists for each (scenario 6).
type OrgDiscoverer interface {
	DiscoverOrganizations(ctx context.Context, client *http.Client, secret string) ([]string, error)
}

const (
	defaultThrottleDelay = 500 * time.Millisecond
	defaultLockout       = 2 * time.Second
	maxLockoutCap        = 20 * time.Second
)
