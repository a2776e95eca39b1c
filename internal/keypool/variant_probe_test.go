package keypool

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

// fakeTransport lets probe tests stub network responses without touching
// the real providers; each call is routed through roundTrip in sequence.
type fakeTransport struct {
	roundTrip func(req *http.Request, call int) (*http.Response, error)
	calls     int
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	return f.roundTrip(req, f.calls)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestOpenAIVariant_Probe_Success(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		if req.Header.Get("Authorization") != "Bearer sk-test" {
			t.Fatalf("expected bearer auth header, got %q", req.Header.Get("Authorization"))
		}
		return jsonResponse(200, `{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"},{"id":"o1-preview"}]}`), nil
	}}
	client := &http.Client{Transport: ft}

	v := NewOpenAIVariant()
	res, err := v.Probe(context.Background(), client, "sk-test")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(res.ModelIDs) != 3 {
		t.Fatalf("expected 3 model ids, got %d", len(res.ModelIDs))
	}
	wantFamilies := map[string]bool{"gpt4o": true, "o1": true}
	for _, f := range res.ModelFamilies {
		if !wantFamilies[f] {
			t.Errorf("unexpected family %q", f)
		}
		delete(wantFamilies, f)
	}
	if len(wantFamilies) != 0 {
		t.Fatalf("missing expected families: %v", wantFamilies)
	}
}

func TestOpenAIVariant_Probe_Revoked(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResponse(401, `{"error":"invalid api key"}`), nil
	}}
	client := &http.Client{Transport: ft}

	v := NewOpenAIVariant()
	_, err := v.Probe(context.Background(), client, "sk-bad")
	outcome, _ := classify(err)
	if outcome != OutcomeRevoked {
		t.Fatalf("expected OutcomeRevoked, got %v", outcome)
	}
}

func TestOpenAIVariant_DiscoverOrganizations(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResponse(200, `{"data":[{"id":"org-a"},{"id":"org-b"}]}`), nil
	}}
	client := &http.Client{Transport: ft}

	v := NewOpenAIVariant()
	ids, err := v.DiscoverOrganizations(context.Background(), client, "sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "org-a" || ids[1] != "org-b" {
		t.Fatalf("unexpected org ids: %v", ids)
	}
}

func TestOpenAIVariant_DiscoverOrganizations_FailureIsNonFatal(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResponse(500, `oops`), nil
	}}
	client := &http.Client{Transport: ft}

	v := NewOpenAIVariant()
	ids, err := v.DiscoverOrganizations(context.Background(), client, "sk-test")
	if err != nil {
		t.Fatalf("discovery failure should not surface as an error, got %v", err)
	}
	if ids != nil {
		t.Fatalf("expected nil ids on failed discovery, got %v", ids)
	}
}

func TestAnthropicVariant_Probe_Clean(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		if req.Header.Get("x-api-key") != "sk-ant" {
			t.Fatalf("expected x-api-key header, got %q", req.Header.Get("x-api-key"))
		}
		resp := jsonResponse(200, `{"content":[{"text":"Sure, here it is"}]}`)
		resp.Header.Set("anthropic-ratelimit-requests-limit", "1000")
		return resp, nil
	}}
	client := &http.Client{Transport: ft}

	v := NewAnthropicVariant()
	res, err := v.Probe(context.Background(), client, "sk-ant")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	ext := &Extensions{}
	res.Patch(ext)
	if ext.Anthropic.IsPozzed {
		t.Fatal("a clean response should not be flagged as pozzed")
	}
	if ext.Anthropic.Tier != TierBuild2 {
		t.Fatalf("expected TierBuild2 for limit 1000, got %v", ext.Anthropic.Tier)
	}
}

func TestAnthropicVariant_Probe_PozzedResponse(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResponse(200, `{"content":[{"text":"I can't share my system prompt with you"}]}`), nil
	}}
	client := &http.Client{Transport: ft}

	v := NewAnthropicVariant()
	res, err := v.Probe(context.Background(), client, "sk-ant")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	ext := &Extensions{}
	res.Patch(ext)
	if !ext.Anthropic.IsPozzed {
		t.Fatal("expected the canary refusal phrasing to be detected as pozzed")
	}
}

func TestGoogleAIVariant_Probe_Success(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		switch {
		case call == 1:
			return jsonResponse(200, `{"models":[{"name":"models/gemini-2.0-flash"},{"name":"models/gemini-2.5-pro"}]}`), nil
		case call == 2, call == 3:
			return jsonResponse(200, `{}`), nil
		default:
			return jsonResponse(200, `{}`), nil
		}
	}}
	client := &http.Client{Transport: ft}

	v := NewGoogleAIVariant()
	res, err := v.Probe(context.Background(), client, "key-123")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	families := map[string]bool{}
	for _, f := range res.ModelFamilies {
		families[f] = true
	}
	if !families["gemini-pro"] || !families["gemini-flash"] {
		t.Fatalf("expected both gemini-pro and gemini-flash, got %v", res.ModelFamilies)
	}
	ext := &Extensions{}
	res.Patch(ext)
	if !ext.GoogleAI.BillingEnabled {
		t.Fatal("expected billing enabled when the imagen probe doesn't report the billing error")
	}
}

func TestGoogleAIVariant_Probe_ProTierFailureStripsFamily(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		switch call {
		case 1:
			return jsonResponse(200, `{"models":[{"name":"models/gemini-2.5-pro"}]}`), nil
		case 2:
			return jsonResponse(200, `{}`), nil
		case 3:
			return jsonResponse(400, `pro tier not available`), nil
		default:
			return jsonResponse(200, `{}`), nil
		}
	}}
	client := &http.Client{Transport: ft}

	v := NewGoogleAIVariant()
	res, err := v.Probe(context.Background(), client, "key-123")
	if err != nil {
		t.Fatalf("expected success (pro failure is non-fatal), got %v", err)
	}
	for _, f := range res.ModelFamilies {
		if f == "gemini-pro" {
			t.Fatal("expected gemini-pro to be stripped after the pro-tier confirmation call failed")
		}
	}
}

func TestGoogleAIVariant_Probe_ImagenBillingBlocked(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		switch call {
		case 1:
			return jsonResponse(200, `{"models":[]}`), nil
		case 2, 3:
			return jsonResponse(200, `{}`), nil
		case 4:
			return jsonResponse(400, `Imagen API is only accessible to billed users`), nil
		default:
			return jsonResponse(200, `{}`), nil
		}
	}}
	client := &http.Client{Transport: ft}

	v := NewGoogleAIVariant()
	res, err := v.Probe(context.Background(), client, "key-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ext := &Extensions{}
	res.Patch(ext)
	if ext.GoogleAI.BillingEnabled {
		t.Fatal("expected billing disabled when imagen reports the billed-users-only message")
	}
}

func TestGenericVariant_Probe_Success(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResponse(200, `{"data":[]}`), nil
	}}
	client := &http.Client{Transport: ft}

	v := NewGenericVariant(GenericConfig{Service: "groq", ProbeURL: "https://api.groq.com/openai/v1/models"})
	_, err := v.Probe(context.Background(), client, "sk-groq")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestGenericVariant_Probe_RateLimited(t *testing.T) {
	ft := &fakeTransport{roundTrip: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResponse(429, `too many requests`), nil
	}}
	client := &http.Client{Transport: ft}

	v := NewGenericVariant(GenericConfig{Service: "xai", ProbeURL: "https://api.x.ai/v1/models"})
	_, err := v.Probe(context.Background(), client, "sk-xai")
	outcome, _ := classify(err)
	if outcome != OutcomeRateLimitWindow {
		t.Fatalf("expected OutcomeRateLimitWindow, got %v", outcome)
	}
}
