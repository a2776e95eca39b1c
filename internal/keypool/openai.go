package keypool

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const openaiModelsURL = "https://api.openai.com/v1/models"

// resetHeaderPattern matches OpenAI's x-ratelimit-reset-* header format:
// an optional minutes component, seconds, optional fractional seconds,
// optional milliseconds, e.g. "1m30.5s250ms", "45s", "250ms".
var resetHeaderPattern = regexp.MustCompile(`^(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?(?:(\d+)ms)?$`)

// parseOpenAIReset converts a x-ratelimit-reset-* header value to a
// duration, per §4.1's updateRateLimits.
func parseOpenAIReset(raw string) (time.Duration, bool) {
	m := resetHeaderPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, false
	}
	var total time.Duration
	if m[1] != "" {
		if mins, err := strconv.Atoi(m[1]); err == nil {
			total += time.Duration(mins) * time.Minute
		}
	}
	if m[2] != "" {
		if secs, err := strconv.ParseFloat(m[2], 64); err == nil {
			total += time.Duration(secs * float64(time.Second))
		}
	}
	if m[3] != "" {
		if ms, err := strconv.Atoi(m[3]); err == nil {
			total += time.Duration(ms) * time.Millisecond
		}
	}
	if total == 0 && raw != "0" && raw != "0s" && raw != "" {
		return 0, false
	}
	return total, true
}

// OpenAIVariant implements Variant+ProbeStrategy for OpenAI credentials
// (and, identically, their per-organization clones).
type OpenAIVariant struct {
	verifiedStreamingModels *regexp.Regexp
}

func NewOpenAIVariant() *OpenAIVariant {
	return &OpenAIVariant{
		verifiedStreamingModels: regexp.MustCompile(`^(gpt-5|o1|o3|o4-mini)`),
	}
}

func (o *OpenAIVariant) Name() string { return "openai" }

func (o *OpenAIVariant) FamilyOf(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-image"):
		return "gpt-image"
	case strings.HasPrefix(m, "gpt-4o"):
		return "gpt4o"
	case strings.HasPrefix(m, "gpt-5"):
		return "gpt-5"
	case strings.HasPrefix(m, "o1"):
		return "o1"
	case strings.HasPrefix(m, "o3"):
		return "o3"
	case strings.HasPrefix(m, "o4-mini"):
		return "o4-mini"
	case strings.HasPrefix(m, "dall-e"):
		return "dall-e"
	case strings.HasPrefix(m, "text-embedding"):
		return "text-embedding"
	case strings.HasPrefix(m, "codex"):
		return "codex"
	default:
		return m
	}
}

// ExtraFilter implements §4.1's OpenAI bullet: gpt-image models, and
// GPT-5/o1/o3/o4-mini under streaming, require organization verification
// when the credential carries an OpenAI extension record. A credential with
// nil Ext.OpenAI passes unfiltered; NewCredential and the OpenAI probe never
// set that record, so in practice no credential is filtered here.
func (o *OpenAIVariant) ExtraFilter(c *Credential, model string, _ bool, streaming bool) bool {
	if c.Ext.OpenAI == nil {
		return true
	}
	m := strings.ToLower(model)
	requiresVerification := strings.HasPrefix(m, "gpt-image") || (streaming && o.verifiedStreamingModels.MatchString(m))
	if requiresVerification {
		return c.Ext.OpenAI.OrganizationVerified
	}
	return true
}

// SelectComparator prefers trial credentials (burn the free allowance
// first) when they can satisfy the request.
func (o *OpenAIVariant) SelectComparator() Comparator { return openAITrialFirst }

func (o *OpenAIVariant) ThrottleDelay() time.Duration  { return 1000 * time.Millisecond }
func (o *OpenAIVariant) DefaultLockout() time.Duration { return defaultLockout }

// ParseRateLimitHeaders implements §4.1's updateRateLimits.
func (o *OpenAIVariant) ParseRateLimitHeaders(c *Credential, headers http.Header) {
	if headers == nil {
		return
	}
	now := time.Now()
	if v := headers.Get("x-ratelimit-reset-requests"); v != "" {
		if d, ok := parseOpenAIReset(v); ok {
			until := now.Add(d)
			if until.After(c.RateLimitedUntil) {
				c.RateLimitedUntil = until
			}
			if c.Ext.OpenAI != nil {
				c.Ext.OpenAI.RateLimitRequestsReset = until
			}
		}
	}
	if v := headers.Get("x-ratelimit-reset-tokens"); v != "" {
		if d, ok := parseOpenAIReset(v); ok {
			until := now.Add(d)
			if until.After(c.RateLimitedUntil) {
				c.RateLimitedUntil = until
			}
			if c.Ext.OpenAI != nil {
				c.Ext.OpenAI.RateLimitTokensReset = until
			}
		}
	}
}

func (o *OpenAIVariant) Prober() ProbeStrategy { return o }

func (o *OpenAIVariant) MinInterval() time.Duration          { return 3 * time.Second }
func (o *OpenAIVariant) FullCyclePeriod() time.Duration      { return 24 * time.Hour }
func (o *OpenAIVariant) MaxServerErrorRetries() int          { return 2 }
func (o *OpenAIVariant) RevokeOnServerErrorExhaustion() bool { return false }

type openaiModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Probe lists models to derive modelIds/modelFamilies. Per-org clone
// discovery is layered on top by the Health Checker via DiscoverOrganizations
// below, since creating new credentials is outside what a single
// ProbeStrategy.Probe call can do (it has no access to the provider's
// credential set).
func (o *OpenAIVariant) Probe(ctx context.Context, client *http.Client, secret string) (ProbeResult, error) {
	status, body, err := doBearerGet(ctx, client, openaiModelsURL, secret)
	if err != nil {
		return ProbeResult{}, err
	}
	if perr := probeError(status, body); perr != nil {
		return ProbeResult{}, perr
	}

	var list openaiModelList
	if jsonErr := json.Unmarshal([]byte(body), &list); jsonErr != nil {
		return ProbeResult{}, &ProbeError{Outcome: OutcomeServerError, Err: jsonErr}
	}

	ids := make([]string, 0, len(list.Data))
	familySet := make(map[string]bool)
	for _, m := range list.Data {
		ids = append(ids, m.ID)
		familySet[o.FamilyOf(m.ID)] = true
	}
	families := make([]string, 0, len(familySet))
	for f := range familySet {
		families = append(families, f)
	}

	return ProbeResult{ModelFamilies: families, ModelIDs: ids}, nil
}

const openaiOrganizationsURL = "https://api.openai.com/v1/organizations"

type openaiOrgList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// DiscoverOrganizations implements OrgDiscoverer for scenario 6: a project
// key valid across multiple billing organizations lists them here, and the
// Health Checker asks the CredentialProvider to create an independent clone
// per organization it hasn't seen yet. A failure to list is non-fatal —
// it just means no new clones are discovered this cycle.
func (o *OpenAIVariant) DiscoverOrganizations(ctx context.Context, client *http.Client, secret string) ([]string, error) {
	status, body, err := doBearerGet(ctx, client, openaiOrganizationsURL, secret)
	if err != nil || status < 200 || status >= 300 {
		return nil, nil
	}
	var list openaiOrgList
	if jsonErr := json.Unmarshal([]byte(body), &list); jsonErr != nil {
		return nil, nil
	}
	ids := make([]string, 0, len(list.Data))
	for _, org := range list.Data {
		ids = append(ids, org.ID)
	}
	return ids, nil
}
