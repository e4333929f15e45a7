package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/howard-nolan/avacore/internal/envelope"
)

// Error is the only error type adapters return. Kind places the failure in
// the envelope taxonomy; Detail is short, human-readable and safe to show a
// client: it never carries the credential or the vendor's response body.
type Error struct {
	Kind       envelope.Kind
	Vendor     string
	StatusCode int // upstream HTTP status, 0 if the call never got one
	Detail     string
	Err        error // underlying cause, for logs only
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the envelope kind from any error an adapter returned.
// Errors that aren't *Error are counted as PROVIDER_UNAVAILABLE.
func KindOf(err error) envelope.Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return envelope.KindProviderUnavailable
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

// kindForStatus maps an upstream HTTP status onto the taxonomy.
func kindForStatus(code int) envelope.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return envelope.KindProviderAuth
	case code == http.StatusTooManyRequests:
		return envelope.KindProviderRateLimited
	case code == http.StatusRequestTimeout:
		return envelope.KindProviderTimeout
	default:
		// 5xx, Anthropic's 529 "overloaded", and 4xx we have no better
		// bucket for (bad model name, unknown route) all mean the same
		// thing to the dispatcher: this provider can't serve us right now.
		return envelope.KindProviderUnavailable
	}
}

// vendorErrorBody is the union of the error shapes the three vendors use:
//
//	Anthropic: {"type":"error","error":{"type":"authentication_error",...}}
//	OpenAI:    {"error":{"type":"invalid_request_error",...}}
//	Google:    {"error":{"code":400,"status":"INVALID_ARGUMENT",...}}
//
// We only ever read the machine-readable label. The "message" fields are
// deliberately ignored: OpenAI, for one, echoes part of the API key there.
type vendorErrorBody struct {
	Error struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"error"`
}

func (b *base) statusError(vendor string, code int, body []byte) *Error {
	detail := fmt.Sprintf("%s API returned status %d", vendor, code)

	var vb vendorErrorBody
	if json.Unmarshal(body, &vb) == nil {
		label := vb.Error.Type
		if label == "" {
			label = vb.Error.Status
		}
		if isLabel(label) {
			detail += " (" + label + ")"
		}
	}

	return &Error{
		Kind:       kindForStatus(code),
		Vendor:     vendor,
		StatusCode: code,
		Detail:     envelope.Scrub(detail, b.apiKey),
	}
}

func (b *base) transportError(vendor string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{
			Kind:   envelope.KindProviderTimeout,
			Vendor: vendor,
			Detail: fmt.Sprintf("%s did not respond within %s", vendor, b.timeout),
			Err:    err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &Error{
			Kind:   envelope.KindProviderUnavailable,
			Vendor: vendor,
			Detail: fmt.Sprintf("request to %s was cancelled", vendor),
			Err:    err,
		}
	}

	return &Error{
		Kind:   envelope.KindProviderUnavailable,
		Vendor: vendor,
		Detail: envelope.Scrub(fmt.Sprintf("%s unreachable: %v", vendor, err), b.apiKey),
		Err:    err,
	}
}

func malformed(vendor, format string, args ...any) *Error {
	return &Error{
		Kind:   envelope.KindProviderMalformed,
		Vendor: vendor,
		Detail: vendor + " " + fmt.Sprintf(format, args...),
	}
}

// isLabel accepts short identifier-like strings only, so nothing free-form
// from a vendor body can leak into a detail.
func isLabel(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Shared round trip
// ---------------------------------------------------------------------------

// post marshals payload, POSTs it to url under the adapter's timeout and
// returns the raw 2xx body. Every failure is already classified.
//
// Each adapter only has to supply its URL and auth headers, then decode the
// body into its own response struct.
func (b *base) post(ctx context.Context, vendor, url string, header http.Header, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{
			Kind:   envelope.KindProviderUnavailable,
			Vendor: vendor,
			Detail: fmt.Sprintf("marshaling %s request failed", vendor),
			Err:    err,
		}
	}

	// The timeout is per call: a child context that expires on its own, so
	// a slow vendor can't hold the caller longer than b.timeout.
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{
			Kind:   envelope.KindProviderUnavailable,
			Vendor: vendor,
			Detail: fmt.Sprintf("building %s request failed", vendor),
			Err:    err,
		}
	}
	for key, values := range header {
		httpReq.Header[key] = values
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.transportError(vendor, err)
	}
	defer httpResp.Body.Close()

	// Read the whole body while ctx is still alive. A vendor that stalls
	// mid-body trips the same timeout as one that never answers.
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, b.transportError(vendor, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, b.statusError(vendor, httpResp.StatusCode, data)
	}

	return data, nil
}
