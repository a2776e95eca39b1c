package keypool

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ProbeOutcome classifies a completed probe for the generic
// status-transition table in §4.2.
type ProbeOutcome int

const (
	OutcomeSuccess ProbeOutcome = iota
	OutcomeRevoked
	OutcomeOverQuota
	OutcomeRateLimitWindow
	OutcomeRateLimitHard
	OutcomeServerError
)

// ProbeError wraps a non-success probe result with its classification.
// Probe implementations return one of these (or a plain error, treated as
// OutcomeServerError) to drive the generic transition table.
type ProbeError struct {
	Outcome ProbeOutcome
	Err     error
}

func (e *ProbeError) Error() string { return e.Err.Error() }
func (e *ProbeError) Unwrap() error { return e.Err }

// ProbeStrategy is the per-service health-probe strategy object (§9's
// "strategy object" design note). Probe issues the out-of-band network
// calls for one credential and reports discovered capabilities via the
// returned ProbeResult; it must not mutate shared state directly, since
// it runs without the provider lock held (probes can take up to
// probeTimeout and must not block concurrent Select calls).
type ProbeStrategy interface {
	MinInterval() time.Duration
	FullCyclePeriod() time.Duration
	MaxServerErrorRetries() int
	// RevokeOnServerErrorExhaustion decides whether exhausting the retry
	// budget on repeated 5xx/network failures revokes the credential
	// (Deepseek-style, scenario 4) or leaves it alone for another cycle.
	RevokeOnServerErrorExhaustion() bool
	Probe(ctx context.Context, client *http.Client, secret string) (ProbeResult, error)
}

// retryState tracks the server-error retry counter for one credential,
// with decay: the counter resets once a full cycle period has elapsed
// since the last server error (DESIGN.md's open-question decision).
type retryState struct {
	count           int
	lastServerError time.Time
}

// HealthChecker runs the per-credential probe scheduler for one
// CredentialProvider. The whole-provider recheck cron lives in Pool,
// which calls Provider.Recheck() directly; HealthChecker only owns the
// continuous per-credential scheduling loop.
type HealthChecker struct {
	provider *CredentialProvider
	strategy ProbeStrategy
	client   *http.Client
	log      *slog.Logger

	probeTimeout time.Duration
	idleSleep    time.Duration
}

// NewHealthChecker constructs a checker for provider using strategy's
// probe. probeTimeout bounds each individual probe call (default 10s per
// §5).
func NewHealthChecker(provider *CredentialProvider, strategy ProbeStrategy, client *http.Client, probeTimeout time.Duration, log *slog.Logger) *HealthChecker {
	if client == nil {
		client = &http.Client{}
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &HealthChecker{
		provider:     provider,
		strategy:     strategy,
		client:       client,
		log:          log,
		probeTimeout: probeTimeout,
		idleSleep:    1 * time.Second,
	}
}

// Run drives the scheduler loop until ctx is cancelled: pick the
// credential with the oldest lastChecked that has waited at least
// MinInterval, probe it, write back state, repeat. When nothing is ready
// it sleeps briefly before checking again.
func (h *HealthChecker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next := h.pickNext()
		if next == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.idleSleep):
			}
			continue
		}

		h.probeOne(ctx, next)
	}
}

// pickNext returns the most overdue probeable credential, or nil.
func (h *HealthChecker) pickNext() *Credential {
	candidates := h.provider.candidatesForProbe(h.strategy.MinInterval())
	if len(candidates) == 0 {
		return nil
	}
	oldest := candidates[0]
	for _, c := range candidates[1:] {
		if c.LastChecked.Before(oldest.LastChecked) {
			oldest = c
		}
	}
	return oldest
}

func (h *HealthChecker) probeOne(ctx context.Context, c *Credential) {
	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	res, err := h.strategy.Probe(probeCtx, h.client, c.Secret)
	outcome, cause := classify(err)

	h.provider.applyProbeResult(c.Hash, res, outcome, h.strategy.FullCyclePeriod(), h.strategy.MaxServerErrorRetries(), h.strategy.RevokeOnServerErrorExhaustion())

	if outcome == OutcomeSuccess {
		if discoverer, ok := h.strategy.(OrgDiscoverer); ok {
			if orgIDs, discErr := discoverer.DiscoverOrganizations(ctx, h.client, c.Secret); discErr == nil && len(orgIDs) > 0 {
				h.provider.EnsureClones(c, orgIDs)
			}
		}
	}

	if h.log == nil {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		h.log.Info("credential probe ok", slog.String("service", h.provider.Variant().Name()), slog.String("hash", c.Hash))
	case OutcomeRevoked:
		h.log.Warn("credential revoked", slog.String("service", h.provider.Variant().Name()), slog.String("hash", c.Hash), slog.Any("err", cause))
	case OutcomeOverQuota:
		h.log.Warn("credential over quota", slog.String("service", h.provider.Variant().Name()), slog.String("hash", c.Hash), slog.Any("err", cause))
	case OutcomeRateLimitWindow:
		h.log.Info("credential rate limited, rechecking soon", slog.String("service", h.provider.Variant().Name()), slog.String("hash", c.Hash))
	case OutcomeRateLimitHard:
		h.log.Warn("credential hard quota limited", slog.String("service", h.provider.Variant().Name()), slog.String("hash", c.Hash))
	case OutcomeServerError:
		h.log.Error("credential probe error", slog.String("service", h.provider.Variant().Name()), slog.String("hash", c.Hash), slog.Any("err", cause))
	}
}

// hostPhaseShift returns hashOf(hostname) mod 7 hours, used to stagger the
// global recheck cron across a fleet of replicas so they don't all probe
// at once (§4.2's cadence note).
func hostPhaseShift() time.Duration {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum32()%7) * time.Hour
}

// classify normalizes a probe's returned error into an outcome; a plain
// (non-*ProbeError) error is treated as a transient server error.
func classify(err error) (ProbeOutcome, error) {
	if err == nil {
		return OutcomeSuccess, nil
	}
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Outcome, pe.Err
	}
	return OutcomeServerError, err
}
