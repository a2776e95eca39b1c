package keypool

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GenericConfig parameterizes GenericVariant for the "thin" OpenAI-compatible
// providers (Deepseek, Qwen, Moonshot, GLM, Groq, OpenRouter, Mistral,
// Cohere, xAI, ...): §4.2's "minimal chat-completion or balance probe"
// depth. Each named provider gets its own GenericConfig built in
// internal/app/keypool.go (buildKeyPool).
type GenericConfig struct {
	Service     string
	ProbeURL    string // full URL of a cheap authenticated GET endpoint, e.g. "https://api.x.ai/v1/models"
	MinInterval time.Duration
	FullCycle   time.Duration
	MaxRetries  int
	Revoke      bool // RevokeOnServerErrorExhaustion
	Throttle    time.Duration
	Lockout     time.Duration
	// LRUFirst enables the Qwen-style least-recently-used-first comparator
	// (§4.5); all other generic providers use no preference.
	LRUFirst bool
}

// GenericVariant is the shared Variant+ProbeStrategy implementation for
// providers that need nothing beyond a models-list probe and the default
// filter/throttle behavior.
type GenericVariant struct {
	cfg GenericConfig
}

func NewGenericVariant(cfg GenericConfig) *GenericVariant {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 3 * time.Second
	}
	if cfg.FullCycle <= 0 {
		cfg.FullCycle = 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = defaultThrottleDelay
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = defaultLockout
	}
	return &GenericVariant{cfg: cfg}
}

func (g *GenericVariant) Name() string { return g.cfg.Service }

// FamilyOf treats each concrete model id as its own family: the generic
// providers in this spec's "shared/generic depth" tier don't carry a
// documented family-grouping table the way OpenAI/Anthropic/Google AI do.
func (g *GenericVariant) FamilyOf(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if g.cfg.Service == "groq" && strings.HasPrefix(m, "groq-") {
		return m
	}
	return m
}

func (g *GenericVariant) ExtraFilter(_ *Credential, _ string, _, _ bool) bool { return true }

func (g *GenericVariant) SelectComparator() Comparator {
	if g.cfg.LRUFirst {
		return qwenLeastRecentlyUsedFirst
	}
	return nil
}

func (g *GenericVariant) ThrottleDelay() time.Duration  { return g.cfg.Throttle }
func (g *GenericVariant) DefaultLockout() time.Duration { return g.cfg.Lockout }

func (g *GenericVariant) ParseRateLimitHeaders(_ *Credential, _ http.Header) {
	// No generic provider in this tier exposes reset-time headers worth
	// parsing; markRateLimited's default lockout covers 429s instead.
}

func (g *GenericVariant) Prober() ProbeStrategy { return g }

func (g *GenericVariant) MinInterval() time.Duration         { return g.cfg.MinInterval }
func (g *GenericVariant) FullCyclePeriod() time.Duration     { return g.cfg.FullCycle }
func (g *GenericVariant) MaxServerErrorRetries() int         { return g.cfg.MaxRetries }
func (g *GenericVariant) RevokeOnServerErrorExhaustion() bool { return g.cfg.Revoke }

func (g *GenericVariant) Probe(ctx context.Context, client *http.Client, secret string) (ProbeResult, error) {
	u, err := url.Parse(g.cfg.ProbeURL)
	if err != nil {
		return ProbeResult{}, &ProbeError{Outcome: OutcomeServerError, Err: err}
	}

	status, body, err := doBearerGet(ctx, client, u.String(), secret)
	if err != nil {
		return ProbeResult{}, err
	}
	if perr := probeError(status, body); perr != nil {
		return ProbeResult{}, perr
	}
	return ProbeResult{}, nil
}
