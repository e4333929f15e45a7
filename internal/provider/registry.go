package provider

import (
	"fmt"
	"net/http"
	"sort"
)

// factory is the shape every adapter constructor shares once it's wrapped to
// return the interface. Storing constructors in a map keeps New free of an
// if/else chain and makes a new vendor a one-line addition.
type factory func(apiKey, baseURL string, client *http.Client, opts ...Option) Provider

type vendor struct {
	newFn        factory
	defaultModel string
}

var vendors = map[string]vendor{
	"anthropic": {
		newFn: func(apiKey, baseURL string, client *http.Client, opts ...Option) Provider {
			return NewAnthropicProvider(apiKey, baseURL, client, opts...)
		},
		defaultModel: AnthropicDefaultModel,
	},
	"openai": {
		newFn: func(apiKey, baseURL string, client *http.Client, opts ...Option) Provider {
			return NewOpenAIProvider(apiKey, baseURL, client, opts...)
		},
		defaultModel: OpenAIDefaultModel,
	},
	"google": {
		newFn: func(apiKey, baseURL string, client *http.Client, opts ...Option) Provider {
			return NewGoogleProvider(apiKey, baseURL, client, opts...)
		},
		defaultModel: GoogleDefaultModel,
	},
}

// Vendors returns the known vendor names, sorted.
func Vendors() []string {
	names := make([]string, 0, len(vendors))
	for name := range vendors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KnownVendor reports whether name has an adapter.
func KnownVendor(name string) bool {
	_, ok := vendors[name]
	return ok
}

// DefaultModel returns the model a vendor uses when none is configured.
func DefaultModel(name string) string {
	return vendors[name].defaultModel
}

// New builds the adapter for the named vendor.
func New(name, apiKey, baseURL string, client *http.Client, opts ...Option) (Provider, error) {
	v, ok := vendors[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider vendor %q (known: %v)", name, Vendors())
	}
	return v.newFn(apiKey, baseURL, client, opts...), nil
}
