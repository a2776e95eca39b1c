package keypool

import (
	"context"
	"testing"
	"time"
)

func TestInferService_TableMatches(t *testing.T) {
	cases := map[string]string{
		"claude-3-5-sonnet@20241022": "gcp",
		"anthropic.claude-3-haiku":   "aws",
		"claude-3-opus":              "anthropic",
		"gemini-1.5-pro":             "google-ai",
		"mistral-large":              "mistral-ai",
		"gpt-4o":                     "openai",
		"o3-mini":                    "openai",
		"deepseek-chat":              "deepseek",
		"grok-2":                     "xai",
		"qwen-turbo":                 "qwen",
		"glm-4":                      "glm",
		"kimi-k1":                    "moonshot",
		"groq-llama3":                "groq",
		"some-openrouter-model":      "openrouter",
		"command-r-plus":             "cohere",
	}
	for model, want := range cases {
		got, err := InferService(model)
		if err != nil {
			t.Fatalf("InferService(%q) unexpected error: %v", model, err)
		}
		if got != want {
			t.Errorf("InferService(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestInferService_Unknown(t *testing.T) {
	_, err := InferService("some-totally-unrecognized-model")
	if err == nil {
		t.Fatal("expected an error for an unrecognized model")
	}
	if _, ok := err.(*UnknownServiceError); !ok {
		t.Fatalf("expected *UnknownServiceError, got %T", err)
	}
}

func newTestPool() *Pool {
	return NewPool(nil, nil, nil)
}

func TestPool_SelectRoutesByExplicitService(t *testing.T) {
	pool := newTestPool()
	p := NewCredentialProvider(testVariant("openai"), true, nil)
	addEligible(p, "sk-a", "gpt-4o")
	pool.AddProvider("openai", p, nil, 0)

	cred, err := pool.Select(context.Background(), "gpt-4o", "openai", false, false)
	if err != nil {
		t.Fatalf("expected selection, got %v", err)
	}
	if cred == nil {
		t.Fatal("expected a non-nil credential")
	}
}

func TestPool_SelectInfersServiceWhenUnset(t *testing.T) {
	pool := newTestPool()
	p := NewCredentialProvider(NewOpenAIVariant(), true, nil)
	addEligible(p, "sk-a", "gpt4o") // OpenAIVariant.FamilyOf("gpt-4o") == "gpt4o"
	pool.AddProvider("openai", p, nil, 0)

	cred, err := pool.Select(context.Background(), "gpt-4o", "", false, false)
	if err != nil {
		t.Fatalf("expected selection via inference, got %v", err)
	}
	if cred == nil {
		t.Fatal("expected a non-nil credential")
	}
}

func TestPool_SelectUnknownService(t *testing.T) {
	pool := newTestPool()
	_, err := pool.Select(context.Background(), "gpt-4o", "not-registered", false, false)
	if _, ok := err.(*UnknownServiceError); !ok {
		t.Fatalf("expected *UnknownServiceError for an unregistered service, got %v", err)
	}
}

func TestPool_SelectUninferableModelNoService(t *testing.T) {
	pool := newTestPool()
	_, err := pool.Select(context.Background(), "totally-unknown-model", "", false, false)
	if _, ok := err.(*UnknownServiceError); !ok {
		t.Fatalf("expected *UnknownServiceError, got %v", err)
	}
}

func TestPool_MarkRateLimitedAndLockoutRouting(t *testing.T) {
	pool := newTestPool()
	p := NewCredentialProvider(testVariant("openai"), true, nil)
	c := addEligible(p, "sk-a", "gpt-4o")
	pool.AddProvider("openai", p, nil, 0)

	pool.MarkRateLimited("openai", c.Hash)
	if pool.GetLockoutPeriod("openai", "gpt-4o") <= 0 {
		t.Fatal("expected a positive lockout period after MarkRateLimited")
	}

	// Unregistered service should be a no-op, not a panic.
	pool.MarkRateLimited("not-registered", "deadbeef")
	if pool.GetLockoutPeriod("not-registered", "gpt-4o") != 0 {
		t.Fatal("expected zero lockout for an unregistered service")
	}
}

func TestPool_IncrementUsageForModel(t *testing.T) {
	pool := newTestPool()
	p := NewCredentialProvider(testVariant("openai"), true, nil)
	c := addEligible(p, "sk-a", "gpt-4o")
	pool.AddProvider("openai", p, nil, 0)

	pool.IncrementUsageForModel("openai", c.Hash, "gpt-4o", Usage{InputTokens: 42})
	if c.TokenUsage["gpt-4o"].InputTokens != 42 {
		t.Fatalf("expected usage to route to the owning provider, got %+v", c.TokenUsage["gpt-4o"])
	}
}

func TestPool_RequestCount_GroqParentBump(t *testing.T) {
	pool := newTestPool()

	pool.IncrementRequestCount("groq-llama3")
	pool.IncrementRequestCount("groq-llama3")
	pool.IncrementRequestCount("groq-mixtral")

	if got := pool.RequestCount("groq-llama3"); got != 2 {
		t.Fatalf("expected subfamily count 2, got %d", got)
	}
	if got := pool.RequestCount("groq"); got != 3 {
		t.Fatalf("expected parent groq count to accumulate across subfamilies, got %d", got)
	}
}

func TestPool_RequestCount_NonGroqFamilyNoParentBump(t *testing.T) {
	pool := newTestPool()
	pool.IncrementRequestCount("gpt-4o")
	if got := pool.RequestCount("gpt"); got != 0 {
		t.Fatalf("non-groq families should not bump any implicit parent, got %d", got)
	}
}

func TestPool_Available(t *testing.T) {
	pool := newTestPool()
	p := NewCredentialProvider(testVariant("openai"), true, nil)
	addEligible(p, "sk-a", "gpt-4o")
	c2 := addEligible(p, "sk-b", "gpt-4o")
	c2.IsDisabled = true
	pool.AddProvider("openai", p, nil, 0)

	if got := pool.Available("openai"); got != 1 {
		t.Fatalf("expected 1 available credential for openai, got %d", got)
	}
	if got := pool.Available("all"); got != 1 {
		t.Fatalf("expected 1 available credential overall, got %d", got)
	}
	if got := pool.Available("gpt-4o"); got != 1 {
		t.Fatalf("expected Available to resolve a bare model name via inference, got %d", got)
	}
	if got := pool.Available("nonexistent"); got != 0 {
		t.Fatalf("expected 0 for an unresolvable service/model, got %d", got)
	}
}

func TestPool_List(t *testing.T) {
	pool := newTestPool()
	p1 := NewCredentialProvider(testVariant("openai"), true, nil)
	addEligible(p1, "sk-a", "gpt-4o")
	pool.AddProvider("openai", p1, nil, 0)

	p2 := NewCredentialProvider(testVariant("anthropic"), true, nil)
	addEligible(p2, "sk-b", "claude-3-opus")
	pool.AddProvider("anthropic", p2, nil, 0)

	all := pool.List()
	if len(all) != 2 {
		t.Fatalf("expected aggregated list of 2 credentials across providers, got %d", len(all))
	}
}

func TestPool_Queue_ReturnsNilForUnregistered(t *testing.T) {
	pool := newTestPool()
	if pool.Queue("nope") != nil {
		t.Fatal("expected nil Queue for an unregistered service")
	}
}

func TestPool_QueueDepths(t *testing.T) {
	pool := newTestPool()
	p := NewCredentialProvider(testVariant("openai"), true, nil)
	pool.AddProvider("openai", p, nil, 0)

	q := pool.Queue("openai")
	if q == nil {
		t.Fatal("expected a non-nil queue for a registered service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()

	done := make(chan struct{})
	go func() {
		q.Enqueue(reqCtx, "gpt-4o", false, false)
		close(done)
	}()
	_ = ctx

	time.Sleep(10 * time.Millisecond)
	depths := pool.QueueDepths()
	if depths["openai"]["gpt-4o"] != 1 {
		t.Fatalf("expected QueueDepths to report 1 waiter for openai/gpt-4o, got %v", depths)
	}

	reqCancel()
	<-done
}
