// Package envelope defines the reply envelope returned for every chat
// request and the closed set of error kinds it can carry.
//
// Every transport (HTTP, WebSocket) serializes exactly this record, so the
// dashboard only ever has to understand one shape.
package envelope

import (
	"net/http"
	"strings"
)

// Kind is one of the enumerated error kinds surfaced in Reply.ErrorKind.
// It's a named string type rather than an int so it serializes to JSON as
// the readable constant ("PROVIDER_AUTH") with no custom marshaler.
type Kind string

const (
	KindBadRequest          Kind = "BAD_REQUEST"
	KindNoProviders         Kind = "NO_PROVIDERS"
	KindProviderTimeout     Kind = "PROVIDER_TIMEOUT"
	KindProviderUnavailable Kind = "PROVIDER_UNAVAILABLE"
	KindProviderAuth        Kind = "PROVIDER_AUTH"
	KindProviderRateLimited Kind = "PROVIDER_RATE_LIMITED"
	KindProviderMalformed   Kind = "PROVIDER_MALFORMED"
	KindAllProvidersFailed  Kind = "ALL_PROVIDERS_FAILED"
	KindInternal            Kind = "INTERNAL"
)

// Kinds lists every valid kind.
var Kinds = []Kind{
	KindBadRequest,
	KindNoProviders,
	KindProviderTimeout,
	KindProviderUnavailable,
	KindProviderAuth,
	KindProviderRateLimited,
	KindProviderMalformed,
	KindAllProvidersFailed,
	KindInternal,
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// severity ranks the kinds a dispatch can end with. Higher is more severe.
// Kinds that never come out of a dispatch (BAD_REQUEST, INTERNAL) rank 0.
var severity = map[Kind]int{
	KindAllProvidersFailed:  7,
	KindProviderAuth:        6,
	KindProviderRateLimited: 5,
	KindProviderUnavailable: 4,
	KindProviderTimeout:     3,
	KindProviderMalformed:   2,
	KindNoProviders:         1,
}

// Severity returns k's rank in the dispatch severity order.
func Severity(k Kind) int {
	return severity[k]
}

// MostSevere returns the most severe of kinds. The first one wins a tie, and
// an empty list returns "".
func MostSevere(kinds ...Kind) Kind {
	var worst Kind
	for _, k := range kinds {
		if worst == "" || Severity(k) > Severity(worst) {
			worst = k
		}
	}
	return worst
}

// ---------------------------------------------------------------------------
// Reply
// ---------------------------------------------------------------------------

// Reply is the closed record returned for every chat invocation.
//
// The omitempty tags keep the two shapes disjoint on the wire: a success
// serializes as {success, response, provider_name, model} and a failure as
// {success, error_kind, error_detail}. Nothing else is ever added.
type Reply struct {
	Success      bool   `json:"success"`
	Response     string `json:"response,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
	Model        string `json:"model,omitempty"`
	ErrorKind    Kind   `json:"error_kind,omitempty"`
	ErrorDetail  string `json:"error_detail,omitempty"`
}

// OK builds a success reply.
func OK(providerName, model, text string) Reply {
	return Reply{
		Success:      true,
		Response:     text,
		ProviderName: providerName,
		Model:        model,
	}
}

// Fail builds a failure reply.
func Fail(kind Kind, detail string) Reply {
	return Reply{
		Success:     false,
		ErrorKind:   kind,
		ErrorDetail: detail,
	}
}

// HTTPStatus maps a reply onto the status code the chat endpoint answers
// with.
func (r Reply) HTTPStatus() int {
	if r.Success {
		return http.StatusOK
	}
	switch r.ErrorKind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNoProviders, KindAllProvidersFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NeedsOperator reports whether the failure is one an operator has to fix
// in configuration rather than something a retry could help with.
func (r Reply) NeedsOperator() bool {
	return !r.Success && (r.ErrorKind == KindNoProviders || r.ErrorKind == KindProviderAuth)
}

// Scrub removes every non-empty secret from s. It's the last line between a
// vendor error message and the client.
func Scrub(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "[redacted]")
	}
	return s
}
