package keypool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// classifyHTTPStatus maps a probe's raw HTTP response to the generic
// outcome table in §4.2. body is consulted for "insufficient funds" /
// "quota_limit_value:0"-style phrases that distinguish a soft rate-limit
// window from a hard quota exhaustion.
func classifyHTTPStatus(status int, body string) (ProbeOutcome, error) {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || strings.Contains(lower, "invalid api key"):
		return OutcomeRevoked, fmt.Errorf("probe: auth rejected (status %d)", status)
	case status == http.StatusPaymentRequired || strings.Contains(lower, "insufficient funds") || strings.Contains(lower, "billing"):
		return OutcomeOverQuota, fmt.Errorf("probe: billing blocked (status %d)", status)
	case status == http.StatusTooManyRequests:
		if strings.Contains(lower, "quota_limit_value:0") || strings.Contains(lower, "project suspended") {
			return OutcomeRateLimitHard, fmt.Errorf("probe: hard quota (status %d)", status)
		}
		return OutcomeRateLimitWindow, fmt.Errorf("probe: rate limited (status %d)", status)
	case status >= 500:
		return OutcomeServerError, fmt.Errorf("probe: server error (status %d)", status)
	case status >= 200 && status < 300:
		return OutcomeSuccess, nil
	default:
		// Unknown 4xx: treat as transient per §6's outbound-interface note
		// rather than revoking on an unrecognized response shape.
		return OutcomeServerError, fmt.Errorf("probe: unexpected status %d", status)
	}
}

// probeError converts a raw HTTP probe result into the (ProbeResult,
// error) shape Probe implementations return, using classifyHTTPStatus.
func probeError(status int, body string) error {
	outcome, err := classifyHTTPStatus(status, body)
	if outcome == OutcomeSuccess {
		return nil
	}
	return &ProbeError{Outcome: outcome, Err: err}
}

// doBearerGet issues a GET request with "Authorization: Bearer <secret>"
// and returns the status code and response body, or a network error
// classified as OutcomeServerError.
func doBearerGet(ctx context.Context, client *http.Client, url, secret string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", &ProbeError{Outcome: OutcomeServerError, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", &ProbeError{Outcome: OutcomeServerError, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, string(body), nil
}

// doRequestWithHeaders issues an authenticated request and returns status,
// response headers, and body. customAuthHeader, when non-empty, names the
// header that carries the bare secret instead of "Authorization: Bearer
// <secret>" (some providers, e.g. Anthropic, use a custom header name).
func doRequestWithHeaders(ctx context.Context, client *http.Client, method, url, secret, customAuthHeader string, body io.Reader) (int, http.Header, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, "", &ProbeError{Outcome: OutcomeServerError, Err: err}
	}
	if customAuthHeader != "" {
		req.Header.Set(customAuthHeader, secret)
	} else {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", &ProbeError{Outcome: OutcomeServerError, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, resp.Header, string(respBody), nil
}

// doPlainRequest issues a request with no Authorization header at all —
// used by providers (Google AI) whose credential travels in the URL
// (e.g. ?key=...) instead of a header.
func doPlainRequest(ctx context.Context, client *http.Client, method, url string, body io.Reader) (int, http.Header, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, "", &ProbeError{Outcome: OutcomeServerError, Err: err}
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", &ProbeError{Outcome: OutcomeServerError, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, resp.Header, string(respBody), nil
}
