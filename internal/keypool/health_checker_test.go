package keypool

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassify_Success(t *testing.T) {
	outcome, err := classify(nil)
	if outcome != OutcomeSuccess || err != nil {
		t.Fatalf("expected success/nil, got %v %v", outcome, err)
	}
}

func TestClassify_ProbeError(t *testing.T) {
	inner := errors.New("boom")
	outcome, err := classify(&ProbeError{Outcome: OutcomeRevoked, Err: inner})
	if outcome != OutcomeRevoked {
		t.Fatalf("expected OutcomeRevoked, got %v", outcome)
	}
	if err != inner {
		t.Fatalf("expected unwrapped inner error, got %v", err)
	}
}

func TestClassify_PlainErrorIsServerError(t *testing.T) {
	outcome, _ := classify(errors.New("network blip"))
	if outcome != OutcomeServerError {
		t.Fatalf("expected a plain error to classify as OutcomeServerError, got %v", outcome)
	}
}

// fakeProbeStrategy is a scriptable ProbeStrategy for exercising
// HealthChecker without any real network access.
type fakeProbeStrategy struct {
	minInterval time.Duration
	fullCycle   time.Duration
	maxRetries  int
	revoke      bool

	result ProbeResult
	err    error
	calls  int
}

func (f *fakeProbeStrategy) MinInterval() time.Duration          { return f.minInterval }
func (f *fakeProbeStrategy) FullCyclePeriod() time.Duration      { return f.fullCycle }
func (f *fakeProbeStrategy) MaxServerErrorRetries() int          { return f.maxRetries }
func (f *fakeProbeStrategy) RevokeOnServerErrorExhaustion() bool { return f.revoke }

func (f *fakeProbeStrategy) Probe(ctx context.Context, client *http.Client, secret string) (ProbeResult, error) {
	f.calls++
	return f.result, f.err
}

func TestHealthChecker_PickNext_PrefersOldest(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	older := addEligible(p, "sk-a", "m")
	older.LastChecked = time.Now().Add(-time.Hour)
	newer := addEligible(p, "sk-b", "m")
	newer.LastChecked = time.Now().Add(-time.Minute)

	strategy := &fakeProbeStrategy{minInterval: time.Millisecond}
	hc := NewHealthChecker(p, strategy, nil, time.Second, nil)

	next := hc.pickNext()
	if next != older {
		t.Fatal("expected the credential with the oldest lastChecked to be picked")
	}
}

func TestHealthChecker_PickNext_NoneReady(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	c := addEligible(p, "sk-a", "m")
	c.LastChecked = time.Now()

	strategy := &fakeProbeStrategy{minInterval: time.Hour}
	hc := NewHealthChecker(p, strategy, nil, time.Second, nil)

	if hc.pickNext() != nil {
		t.Fatal("a recently checked credential under minInterval should not be picked")
	}
}

func TestHealthChecker_ProbeOne_SuccessClearsRetryState(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	c := addEligible(p, "sk-a", "m")

	strategy := &fakeProbeStrategy{fullCycle: time.Hour, maxRetries: 2}
	hc := NewHealthChecker(p, strategy, nil, time.Second, nil)

	hc.probeOne(context.Background(), c)

	if c.LastChecked.IsZero() {
		t.Fatal("a successful probe should set lastChecked")
	}
	if strategy.calls != 1 {
		t.Fatalf("expected exactly one probe call, got %d", strategy.calls)
	}
}

func TestHealthChecker_ProbeOne_RevokedDisablesCredential(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	c := addEligible(p, "sk-a", "m")

	strategy := &fakeProbeStrategy{
		fullCycle: time.Hour,
		err:       &ProbeError{Outcome: OutcomeRevoked, Err: errors.New("401")},
	}
	hc := NewHealthChecker(p, strategy, nil, time.Second, nil)
	hc.probeOne(context.Background(), c)

	if !c.IsRevoked || !c.IsDisabled {
		t.Fatal("a revoked outcome should disable and revoke the credential")
	}
}

func TestHealthChecker_ProbeOne_ServerErrorExhaustionRevokes(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	c := addEligible(p, "sk-a", "m")

	strategy := &fakeProbeStrategy{
		fullCycle:  time.Hour,
		maxRetries: 1,
		revoke:     true,
		err:        errors.New("boom"),
	}
	hc := NewHealthChecker(p, strategy, nil, time.Second, nil)

	hc.probeOne(context.Background(), c)
	if c.IsDisabled {
		t.Fatal("first server error should not yet revoke (within retry budget)")
	}

	hc.probeOne(context.Background(), c)
	if !c.IsRevoked || !c.IsDisabled {
		t.Fatal("exhausting the retry budget with revoke=true should revoke the credential")
	}
}

// fakeOrgDiscoverer composes fakeProbeStrategy with an OrgDiscoverer so
// probeOne's post-success clone-discovery branch can be exercised without
// touching the real OpenAI variant or the network.
type fakeOrgDiscoverer struct {
	*fakeProbeStrategy
	orgIDs []string
}

func (f *fakeOrgDiscoverer) DiscoverOrganizations(ctx context.Context, client *http.Client, secret string) ([]string, error) {
	return f.orgIDs, nil
}

func TestHealthChecker_ProbeOne_DiscoversOrgsOnSuccess(t *testing.T) {
	p := NewCredentialProvider(NewOpenAIVariant(), true, nil)
	base := NewCredential("openai", "sk-shared", "")
	p.Add(base)

	strategy := &fakeOrgDiscoverer{
		fakeProbeStrategy: &fakeProbeStrategy{fullCycle: time.Hour},
		orgIDs:            []string{"org-a", "org-b"},
	}
	hc := NewHealthChecker(p, strategy, nil, time.Second, nil)
	hc.probeOne(context.Background(), base)

	if got := len(p.set.all()); got != 3 {
		t.Fatalf("expected base + 2 discovered org clones = 3 credentials, got %d", got)
	}
}

func TestHealthChecker_ProbeOne_NoDiscoveryWithoutInterface(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	c := addEligible(p, "sk-a", "m")

	strategy := &fakeProbeStrategy{fullCycle: time.Hour}
	hc := NewHealthChecker(p, strategy, nil, time.Second, nil)
	hc.probeOne(context.Background(), c)

	if got := len(p.set.all()); got != 1 {
		t.Fatalf("a strategy that does not implement OrgDiscoverer should never create clones, got %d credentials", got)
	}
}

func TestHostPhaseShift_BoundedAndDeterministic(t *testing.T) {
	a := hostPhaseShift()
	b := hostPhaseShift()
	if a != b {
		t.Fatal("hostPhaseShift should be deterministic for a fixed hostname within one process")
	}
	if a < 0 || a >= 7*time.Hour {
		t.Fatalf("expected shift in [0, 7h), got %v", a)
	}
}
