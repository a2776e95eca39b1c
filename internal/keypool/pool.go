package keypool

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// MetricsSink receives observability signals from the Pool. The gateway's
// Prometheus registry implements this; tests can use a no-op or a
// recording fake.
type MetricsSink interface {
	SetCredentialGauge(service, state string, n int)
	RecordSelect(service, outcome string)
	SetQueueDepth(service, family string, n int)
	ObserveQueueWait(service, family string, d time.Duration)
	RecordProbe(service, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) SetCredentialGauge(string, string, int)        {}
func (noopMetrics) RecordSelect(string, string)                   {}
func (noopMetrics) SetQueueDepth(string, string, int)              {}
func (noopMetrics) ObserveQueueWait(string, string, time.Duration) {}
func (noopMetrics) RecordProbe(string, string)                    {}

// AuditSink records each credential selection for out-of-band usage
// analytics (the ClickHouse-backed internal/auditlog.Sink in production;
// a no-op here when unconfigured).
type AuditSink interface {
	RecordSelection(ctx context.Context, service, hash, model string, at time.Time)
}

type noopAudit struct{}

func (noopAudit) RecordSelection(context.Context, string, string, string, time.Time) {}

// cronSpec describes a whole-provider recheck cadence (§4.2's "Global
// cron" note): OpenAI every 8h, Google AI daily; other providers have no
// forced cron and rely solely on the continuous per-credential scheduler.
type cronSpec struct {
	interval time.Duration
}

// providerEntry bundles everything the Pool owns per registered service.
type providerEntry struct {
	provider *CredentialProvider
	checker  *HealthChecker
	queue    *Queue
	cron     *cronSpec
}

// Pool is the Key Pool facade (§4.3): single entry point routing by
// service (explicit or model-inferred) to the right CredentialProvider,
// plus the per-family request counter and the scheduled recheck cron.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*providerEntry

	counters   sync.Map // family string -> *int64
	log        *slog.Logger
	metrics    MetricsSink
	audit      AuditSink
}

// NewPool constructs an empty Pool. metrics/audit may be nil, in which
// case no-op implementations are used.
func NewPool(log *slog.Logger, metrics MetricsSink, audit AuditSink) *Pool {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if audit == nil {
		audit = noopAudit{}
	}
	return &Pool{
		entries: make(map[string]*providerEntry),
		log:     log,
		metrics: metrics,
		audit:   audit,
	}
}

// AddProvider registers a CredentialProvider for service, wiring up its
// HealthChecker and Dispatch Queue. cronInterval is 0 for services with
// no forced whole-pool recheck cron.
func (p *Pool) AddProvider(service string, provider *CredentialProvider, checker *HealthChecker, cronInterval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := &providerEntry{
		provider: provider,
		checker:  checker,
		queue:    NewQueue(provider, 50*time.Millisecond),
	}
	if cronInterval > 0 {
		entry.cron = &cronSpec{interval: cronInterval}
	}
	p.entries[service] = entry
}

// inferenceTable is the prefix/substring table from §4.3's "Model →
// service inference". Order matters: more specific patterns are checked
// first (e.g. "claude-*@*" before the bare "claude-" prefix).
var inferenceTable = []struct {
	match   func(model string) bool
	service string
}{
	{func(m string) bool { return strings.Contains(m, "claude") && strings.Contains(m, "@") }, "gcp"},
	{func(m string) bool { return strings.HasPrefix(m, "anthropic.claude") }, "aws"},
	{func(m string) bool { return strings.HasPrefix(m, "claude-") }, "anthropic"},
	{func(m string) bool { return strings.Contains(m, "gemini") }, "google-ai"},
	{func(m string) bool { return strings.Contains(m, "mistral") }, "mistral-ai"},
	{func(m string) bool {
		for _, pfx := range []string{"gpt", "o1", "o3", "o4", "dall-e", "chatgpt", "text-embedding", "codex"} {
			if strings.HasPrefix(m, pfx) {
				return true
			}
		}
		return false
	}, "openai"},
	{func(m string) bool { return strings.HasPrefix(m, "deepseek") }, "deepseek"},
	{func(m string) bool { return strings.HasPrefix(m, "grok") || strings.HasPrefix(m, "xai") }, "xai"},
	{func(m string) bool { return strings.HasPrefix(m, "qwen") }, "qwen"},
	{func(m string) bool { return strings.HasPrefix(m, "glm") }, "glm"},
	{func(m string) bool { return strings.HasPrefix(m, "moonshot") || strings.HasPrefix(m, "kimi") }, "moonshot"},
	{func(m string) bool { return strings.HasPrefix(m, "groq-") || m == "groq" }, "groq"},
	{func(m string) bool { return strings.Contains(m, "openrouter") }, "openrouter"},
	{func(m string) bool { return strings.HasPrefix(m, "command") }, "cohere"},
}

// InferService implements §4.3's model→service inference fallback.
func InferService(model string) (string, error) {
	m := strings.ToLower(model)
	for _, rule := range inferenceTable {
		if rule.match(m) {
			return rule.service, nil
		}
	}
	return "", &UnknownServiceError{Model: model}
}

func (p *Pool) entry(service string) *providerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[service]
}

// Select implements KeyPool.select: resolve service (explicit or
// inferred from model), delegate to that provider, and report metrics
// and the audit sink.
func (p *Pool) Select(ctx context.Context, model, service string, multimodal, streaming bool) (*Credential, error) {
	if service == "" {
		inferred, err := InferService(model)
		if err != nil {
			return nil, err
		}
		service = inferred
	}

	e := p.entry(service)
	if e == nil {
		return nil, &UnknownServiceError{Model: model}
	}

	cred, err := e.provider.Select(model, multimodal, streaming)
	if err != nil {
		p.metrics.RecordSelect(service, "miss")
		return nil, err
	}

	p.metrics.RecordSelect(service, "hit")
	p.audit.RecordSelection(ctx, service, cred.Hash, model, time.Now())
	return cred, nil
}

// MarkRateLimited routes to the owning provider.
func (p *Pool) MarkRateLimited(service, hash string) {
	if e := p.entry(service); e != nil {
		e.provider.MarkRateLimited(hash)
	}
}

// UpdateRateLimits routes to the owning provider.
func (p *Pool) UpdateRateLimits(service, hash string, headers http.Header) {
	if e := p.entry(service); e != nil {
		e.provider.UpdateRateLimits(hash, headers)
	}
}

// IncrementUsage routes to the owning provider.
func (p *Pool) IncrementUsage(service, hash, family string, u Usage) {
	if e := p.entry(service); e != nil {
		e.provider.IncrementUsage(hash, family, u)
	}
}

// IncrementUsageForModel is a convenience wrapper that derives family from
// model via the owning provider's Variant, for callers (the gateway) that
// only know the model string.
func (p *Pool) IncrementUsageForModel(service, hash, model string, u Usage) {
	e := p.entry(service)
	if e == nil {
		return
	}
	e.provider.IncrementUsage(hash, e.provider.Variant().FamilyOf(model), u)
}

// IncrementRequestCount bumps the per-family counter; Groq subfamilies
// (ids prefixed "groq-") additionally bump the parent "groq" counter,
// per §4.3's request-counter note (a decision documented as Groq-only in
// DESIGN.md, since §9 leaves generality of the pattern unclear).
func (p *Pool) IncrementRequestCount(family string) {
	p.bump(family)
	if strings.HasPrefix(family, "groq-") {
		p.bump("groq")
	}
}

func (p *Pool) bump(family string) {
	v, _ := p.counters.LoadOrStore(family, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RequestCount returns the current counter value for family.
func (p *Pool) RequestCount(family string) int64 {
	v, ok := p.counters.Load(family)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// Available returns the non-disabled credential count for one service, or
// the sum across all services when modelOrService == "all".
func (p *Pool) Available(modelOrService string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if modelOrService == "all" {
		total := 0
		for _, e := range p.entries {
			total += e.provider.Available()
		}
		return total
	}

	if e, ok := p.entries[modelOrService]; ok {
		return e.provider.Available()
	}
	if service, err := InferService(modelOrService); err == nil {
		if e, ok := p.entries[service]; ok {
			return e.provider.Available()
		}
	}
	return 0
}

// List aggregates every provider's public credential view.
func (p *Pool) List() []PublicCredential {
	p.mu.Lock()
	entries := make([]*providerEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var out []PublicCredential
	for _, e := range entries {
		out = append(out, e.provider.List()...)
	}
	return out
}

// Services returns the names of every registered service. Used by the
// gateway's component health snapshot to enumerate pool-managed providers
// without reaching into Pool's internals.
func (p *Pool) Services() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for service := range p.entries {
		out = append(out, service)
	}
	return out
}

// Registered reports whether service has a CredentialProvider registered.
// Callers (the gateway's circuit breaker) use this to distinguish "this
// provider is pool-managed and has zero eligible credentials" from "this
// provider isn't pool-managed at all", since only the former should affect
// admission decisions.
func (p *Pool) Registered(service string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[service]
	return ok
}

// GetLockoutPeriod routes to the owning provider.
func (p *Pool) GetLockoutPeriod(service, family string) time.Duration {
	if e := p.entry(service); e != nil {
		return e.provider.GetLockoutPeriod(family)
	}
	return 0
}

// Queue returns the Dispatch Queue for service, or nil if unregistered.
func (p *Pool) Queue(service string) *Queue {
	if e := p.entry(service); e != nil {
		return e.queue
	}
	return nil
}

// QueueDepths returns, for every registered service, its per-family queue
// depths. Used by the management API.
func (p *Pool) QueueDepths() map[string]map[string]int {
	p.mu.Lock()
	entries := make(map[string]*providerEntry, len(p.entries))
	for k, v := range p.entries {
		entries[k] = v
	}
	p.mu.Unlock()

	out := make(map[string]map[string]int, len(entries))
	for service, e := range entries {
		out[service] = e.queue.Depths()
	}
	return out
}

// Run starts every registered provider's Health Checker, Dispatch Queue
// sweep, and (when configured) whole-provider recheck cron, returning
// when ctx is cancelled or any task returns a non-context error.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	entries := make(map[string]*providerEntry, len(p.entries))
	for k, v := range p.entries {
		entries[k] = v
	}
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for service, e := range entries {
		service, e := service, e
		if e.checker != nil {
			g.Go(func() error { return e.checker.Run(ctx) })
		}
		g.Go(func() error { return e.queue.Run(ctx) })
		if e.cron != nil {
			g.Go(func() error { return p.runCron(ctx, service, e) })
		}
	}
	return g.Wait()
}

// runCron waits out the fleet-desync phase shift, then calls
// provider.Recheck() every interval, forever.
func (p *Pool) runCron(ctx context.Context, service string, e *providerEntry) error {
	shift := hostPhaseShift()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(shift):
	}

	ticker := time.NewTicker(e.cron.interval)
	defer ticker.Stop()

	for {
		e.provider.Recheck()
		if p.log != nil {
			p.log.Info("keypool cron recheck", slog.String("service", service))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
