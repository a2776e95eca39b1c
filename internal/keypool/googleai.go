package keypool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	googleModelsURLFmt  = "https://generativelanguage.googleapis.com/v1beta/models?key=%s"
	googleFlashLiveness = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent?key=%s"
	googleProModel      = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent?key=%s"
	googleImagenPredict = "https://generativelanguage.googleapis.com/v1beta/models/imagen-3.0-generate-002:predict?key=%s"
)

// GoogleAIVariant implements Variant+ProbeStrategy for Google AI (Gemini).
type GoogleAIVariant struct{}

func NewGoogleAIVariant() *GoogleAIVariant { return &GoogleAIVariant{} }

func (g *GoogleAIVariant) Name() string { return "google-ai" }

func (g *GoogleAIVariant) FamilyOf(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "imagen"):
		return "imagen"
	case strings.Contains(m, "pro"):
		return "gemini-pro"
	case strings.Contains(m, "flash"):
		return "gemini-flash"
	default:
		return "gemini"
	}
}

// ExtraFilter implements §4.1's Google AI bullet: preview models (id
// containing "-preview1") require billingEnabled.
func (g *GoogleAIVariant) ExtraFilter(c *Credential, model string, _, _ bool) bool {
	if !strings.Contains(strings.ToLower(model), "-preview1") {
		return true
	}
	return c.Ext.GoogleAI != nil && c.Ext.GoogleAI.BillingEnabled
}

func (g *GoogleAIVariant) SelectComparator() Comparator { return nil }
func (g *GoogleAIVariant) ThrottleDelay() time.Duration  { return defaultThrottleDelay }
func (g *GoogleAIVariant) DefaultLockout() time.Duration { return defaultLockout }

func (g *GoogleAIVariant) ParseRateLimitHeaders(_ *Credential, _ http.Header) {
	// Google AI does not expose reset-time headers this checker relies on;
	// markRateLimited's default lockout covers 429s instead.
}

func (g *GoogleAIVariant) Prober() ProbeStrategy { return g }

func (g *GoogleAIVariant) MinInterval() time.Duration          { return 3 * time.Second }
func (g *GoogleAIVariant) FullCyclePeriod() time.Duration      { return 6 * time.Hour }
func (g *GoogleAIVariant) MaxServerErrorRetries() int          { return 2 }
func (g *GoogleAIVariant) RevokeOnServerErrorExhaustion() bool { return false }

type googleModelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Probe runs the three-step sequence from §4.2: list models, a flash
// liveness generateContent call, and an Imagen billing probe. The
// optional pro-tier confirmation is attempted but its failure only
// strips "gemini-pro" from the reported families rather than failing the
// whole probe, per the spec's "if it fails, strip gemini-pro" wording.
func (g *GoogleAIVariant) Probe(ctx context.Context, client *http.Client, secret string) (ProbeResult, error) {
	escaped := url.QueryEscape(secret)

	status, body, err := doGet(ctx, client, sprintf(googleModelsURLFmt, escaped))
	if err != nil {
		return ProbeResult{}, err
	}
	if perr := probeError(status, body); perr != nil {
		return ProbeResult{}, perr
	}

	var list googleModelList
	families := map[string]bool{}
	ids := []string{}
	if jsonErr := json.Unmarshal([]byte(body), &list); jsonErr == nil {
		for _, m := range list.Models {
			id := strings.TrimPrefix(m.Name, "models/")
			ids = append(ids, id)
			families[g.FamilyOf(id)] = true
		}
	}

	livenessBody := `{"contents":[{"parts":[{"text":"ping"}]}]}`
	status, _, err = doPost(ctx, client, sprintf(googleFlashLiveness, escaped), livenessBody)
	if err != nil {
		return ProbeResult{}, err
	}
	if perr := probeError(status, ""); perr != nil {
		return ProbeResult{}, perr
	}

	proOK := true
	if status, _, err := doPost(ctx, client, sprintf(googleProModel, escaped), livenessBody); err != nil || status >= 400 {
		proOK = false
	}
	if !proOK {
		delete(families, "gemini-pro")
	}

	billingEnabled := true
	imagenStatus, imagenBody, imagenErr := doPost(ctx, client, sprintf(googleImagenPredict, escaped), `{"instances":[{"prompt":"a red circle"}]}`)
	if imagenErr == nil && imagenStatus == http.StatusBadRequest {
		billingEnabled = !strings.Contains(imagenBody, "Imagen API is only accessible to billed users")
	}

	familyList := make([]string, 0, len(families))
	for f := range families {
		familyList = append(familyList, f)
	}

	return ProbeResult{
		ModelFamilies: familyList,
		ModelIDs:      ids,
		Patch: func(ext *Extensions) {
			if ext.GoogleAI == nil {
				ext.GoogleAI = &GoogleAIExt{OverQuotaFamilies: map[string]bool{}}
			}
			ext.GoogleAI.BillingEnabled = billingEnabled
		},
	}, nil
}

func sprintf(format, v string) string {
	i := strings.Index(format, "%s")
	if i < 0 {
		return format
	}
	return format[:i] + v + format[i+2:]
}

func doGet(ctx context.Context, client *http.Client, u string) (int, string, error) {
	status, _, body, err := doPlainRequest(ctx, client, http.MethodGet, u, nil)
	return status, body, err
}

func doPost(ctx context.Context, client *http.Client, u, body string) (int, string, error) {
	status, _, respBody, err := doPlainRequest(ctx, client, http.MethodPost, u, strings.NewReader(body))
	return status, respBody, err
}
