package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/auditlog"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/keypool"
)

// keyPoolSpec describes one provider's registration with the credential
// pool: its service name, its configured keys, its Variant (for the "thin"
// OpenAI-compatible providers, a GenericVariant built from a GenericConfig),
// and its whole-provider recheck interval (0 = none).
type keyPoolSpec struct {
	service      string
	keys         []string
	variant      keypool.Variant
	cronInterval time.Duration
}

// buildKeyPool constructs a Pool with one CredentialProvider per provider
// that has at least one configured key (*_API_KEYS, falling back to the
// single *_API_KEY convenience variable). Health checking is skipped
// entirely when CHECK_KEYS=false, per the config note that it leaves every
// credential in "unchecked, assumed valid" state.
func buildKeyPool(cfg *config.Config, log *slog.Logger, metrics keypool.MetricsSink, audit keypool.AuditSink) *keypool.Pool {
	pool := keypool.NewPool(log, metrics, audit)

	specs := []keyPoolSpec{
		{"openai", keysFor(cfg.OpenAI.APIKeys, cfg.OpenAI.APIKey), keypool.NewOpenAIVariant(), 8 * time.Hour},
		{"anthropic", keysFor(cfg.Anthropic.APIKeys, cfg.Anthropic.APIKey), keypool.NewAnthropicVariant(), 0},
		{"google-ai", keysFor(cfg.Gemini.APIKeys, cfg.Gemini.APIKey), keypool.NewGoogleAIVariant(), 24 * time.Hour},
	}

	generics := []keypool.GenericConfig{
		{Service: "deepseek", ProbeURL: "https://api.deepseek.com/v1/models", Revoke: true, MaxRetries: 2},
		{Service: "xai", ProbeURL: "https://api.x.ai/v1/models"},
		{Service: "groq", ProbeURL: "https://api.groq.com/openai/v1/models"},
		{Service: "together", ProbeURL: "https://api.together.xyz/v1/models"},
		{Service: "perplexity", ProbeURL: "https://api.perplexity.ai/models"},
		{Service: "cerebras", ProbeURL: "https://api.cerebras.ai/v1/models"},
		{Service: "moonshot", ProbeURL: "https://api.moonshot.cn/v1/models"},
		{Service: "minimax", ProbeURL: "https://api.minimax.chat/v1/models"},
		{Service: "qwen", ProbeURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1/models", LRUFirst: true},
		{Service: "nebius", ProbeURL: "https://api.studio.nebius.ai/v1/models"},
		{Service: "novita", ProbeURL: "https://api.novita.ai/v3/openai/models"},
		{Service: "bytedance", ProbeURL: "https://ark.cn-beijing.volces.com/api/v3/models"},
		{Service: "zai", ProbeURL: "https://api.z.ai/api/openai/v1/models"},
		{Service: "canopywave", ProbeURL: "https://api.canopywave.com/v1/models"},
		{Service: "inference", ProbeURL: "https://api.inference.net/v1/models"},
		{Service: "nanogpt", ProbeURL: "https://nano-gpt.com/api/v1/models"},
	}
	genericKeys := map[string][]string{
		"deepseek":   keysFor(cfg.DeepSeek.APIKeys, cfg.DeepSeek.APIKey),
		"xai":        keysFor(cfg.XAI.APIKeys, cfg.XAI.APIKey),
		"groq":       keysFor(cfg.Groq.APIKeys, cfg.Groq.APIKey),
		"together":   keysFor(cfg.Together.APIKeys, cfg.Together.APIKey),
		"perplexity": keysFor(cfg.Perplexity.APIKeys, cfg.Perplexity.APIKey),
		"cerebras":   keysFor(cfg.Cerebras.APIKeys, cfg.Cerebras.APIKey),
		"moonshot":   keysFor(cfg.Moonshot.APIKeys, cfg.Moonshot.APIKey),
		"minimax":    keysFor(cfg.MiniMax.APIKeys, cfg.MiniMax.APIKey),
		"qwen":       keysFor(cfg.Qwen.APIKeys, cfg.Qwen.APIKey),
		"nebius":     keysFor(cfg.Nebius.APIKeys, cfg.Nebius.APIKey),
		"novita":     keysFor(cfg.NovitaAI.APIKeys, cfg.NovitaAI.APIKey),
		"bytedance":  keysFor(cfg.ByteDance.APIKeys, cfg.ByteDance.APIKey),
		"zai":        keysFor(cfg.ZAI.APIKeys, cfg.ZAI.APIKey),
		"canopywave": keysFor(cfg.CanopyWave.APIKeys, cfg.CanopyWave.APIKey),
		"inference":  keysFor(cfg.Inference.APIKeys, cfg.Inference.APIKey),
		"nanogpt":    keysFor(cfg.NanoGPT.APIKeys, cfg.NanoGPT.APIKey),
	}
	for _, gc := range generics {
		specs = append(specs, keyPoolSpec{
			service: gc.Service,
			keys:    genericKeys[gc.Service],
			variant: keypool.NewGenericVariant(gc),
		})
	}

	for _, s := range specs {
		if len(s.keys) == 0 {
			continue
		}
		provider := keypool.NewCredentialProvider(s.variant, cfg.KeyPool.CheckKeys, cfg.KeyPool.AllowedModelFamilies)
		for _, key := range s.keys {
			provider.Add(keypool.NewCredential(s.service, key, ""))
		}

		var checker *keypool.HealthChecker
		if cfg.KeyPool.CheckKeys {
			checker = keypool.NewHealthChecker(provider, s.variant.Prober(), nil, 10*time.Second, log)
		}

		pool.AddProvider(s.service, provider, checker, s.cronInterval)
	}

	return pool
}

// keysFor returns list if non-empty, otherwise a single-element slice
// wrapping single when it's set, otherwise nil — the *_API_KEYS /
// *_API_KEY fallback rule.
func keysFor(list []string, single string) []string {
	if len(list) > 0 {
		return list
	}
	if single != "" {
		return []string{single}
	}
	return nil
}

// newAuditSink builds the ClickHouse-backed audit sink when configured, or
// a no-op sink otherwise. The returned *auditlog.ClickHouseSink is nil for
// the no-op case.
func newAuditSink(ctx context.Context, cfg *config.Config, log *slog.Logger) (keypool.AuditSink, *auditlog.ClickHouseSink) {
	if cfg.KeyPool.ClickHouseDSN == "" {
		return auditlog.NoopSink{}, nil
	}
	sink, err := auditlog.NewClickHouseSink(ctx, cfg.KeyPool.ClickHouseDSN, log)
	if err != nil {
		log.Warn("auditlog: clickhouse unavailable, falling back to no-op", slog.Any("err", err))
		return auditlog.NoopSink{}, nil
	}
	return sink, sink
}
