// Package dispatch turns one user message into one reply envelope by trying
// the configured providers in priority order until one answers.
//
// The Dispatcher is stateless between calls: it holds an immutable,
// pre-sorted descriptor list and nothing else, so any number of requests can
// run through it concurrently without locking.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/howard-nolan/avacore/internal/envelope"
	"github.com/howard-nolan/avacore/internal/metrics"
	"github.com/howard-nolan/avacore/internal/provider"
	"github.com/howard-nolan/avacore/internal/telemetry"
)

// MaxTokens is the completion budget sent with every dispatched message.
const MaxTokens = 4000

// ---------------------------------------------------------------------------
// Descriptor
// ---------------------------------------------------------------------------

// Descriptor is one configured provider slot. It is immutable after
// NewDescriptor and is eligible for dispatch iff its credential is set.
type Descriptor struct {
	Name     string // slot name, e.g. "primary"; unique per process
	Model    string
	Priority int // lower is tried first
	Client   provider.Provider

	// credential is kept only to answer Available and to scrub error text.
	// It never leaves this package and is never serialized.
	credential string
}

// NewDescriptor builds a descriptor. client may be nil when credential is
// empty, since an unavailable slot is never called.
func NewDescriptor(name, model string, priority int, credential string, client provider.Provider) Descriptor {
	return Descriptor{
		Name:       name,
		Model:      model,
		Priority:   priority,
		Client:     client,
		credential: credential,
	}
}

// Available reports whether the slot has a credential and can be dispatched to.
func (d Descriptor) Available() bool {
	return d.credential != ""
}

// ProviderStatus is the credential-free view of a descriptor that the
// status endpoint publishes.
type ProviderStatus struct {
	Name      string
	Model     string
	Available bool
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher routes messages through providers with fallback.
type Dispatcher struct {
	descriptors []Descriptor // every slot, sorted by priority
	eligible    []Descriptor // the available subset, same order
	secrets     []string
	envVars     []string

	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// WithMetrics records dispatch and per-provider outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithCredentialVars names the environment variables that enable providers.
// They're listed in the NO_PROVIDERS detail so an operator knows what to set.
func WithCredentialVars(names ...string) Option {
	return func(d *Dispatcher) {
		d.envVars = append([]string(nil), names...)
	}
}

// New sorts descriptors by ascending priority (equal priorities keep their
// given order) and returns a Dispatcher over them.
func New(descriptors []Descriptor, opts ...Option) (*Dispatcher, error) {
	sorted := append([]Descriptor(nil), descriptors...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	d := &Dispatcher{
		descriptors: sorted,
		log:         zerolog.Nop(),
		tracer:      telemetry.Tracer(),
	}

	seen := make(map[string]bool, len(sorted))
	for _, desc := range sorted {
		if desc.Name == "" {
			return nil, fmt.Errorf("provider descriptor has no name")
		}
		if seen[desc.Name] {
			return nil, fmt.Errorf("duplicate provider name %q", desc.Name)
		}
		seen[desc.Name] = true

		if !desc.Available() {
			continue
		}
		if desc.Client == nil {
			return nil, fmt.Errorf("provider %q has a credential but no client", desc.Name)
		}
		d.eligible = append(d.eligible, desc)
		d.secrets = append(d.secrets, desc.credential)
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Providers returns a status snapshot of every slot in priority order.
func (d *Dispatcher) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(d.descriptors))
	for _, desc := range d.descriptors {
		out = append(out, ProviderStatus{
			Name:      desc.Name,
			Model:     desc.Model,
			Available: desc.Available(),
		})
	}
	return out
}

// Ready reports whether at least one provider can be dispatched to.
func (d *Dispatcher) Ready() bool {
	return len(d.eligible) > 0
}

// Scrub removes every registered credential from s.
func (d *Dispatcher) Scrub(s string) string {
	return envelope.Scrub(s, d.secrets...)
}

// attempt records one failed provider call.
type attempt struct {
	name   string
	kind   envelope.Kind
	detail string
}

// Dispatch sends text to each eligible provider in priority order and
// returns the first success. It performs at most one outbound call per
// eligible provider and none at all when there are no eligible providers.
//
// If ctx is cancelled (the client went away), Dispatch stops before the next
// provider and returns what it has.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) envelope.Reply {
	ctx, span := d.tracer.Start(ctx, "dispatch")
	defer span.End()

	reply := d.dispatch(ctx, text)

	span.SetAttributes(attribute.Bool("dispatch.success", reply.Success))
	if reply.Success {
		span.SetAttributes(attribute.String("dispatch.provider", reply.ProviderName))
	} else {
		span.SetAttributes(attribute.String("dispatch.error_kind", string(reply.ErrorKind)))
		span.SetStatus(codes.Error, string(reply.ErrorKind))
	}
	d.metrics.RecordDispatch(reply.Success, string(reply.ErrorKind))

	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, text string) envelope.Reply {
	// Step 1: nothing configured. Answer without any I/O.
	if len(d.eligible) == 0 {
		return envelope.Fail(envelope.KindNoProviders, d.noProvidersDetail())
	}

	// Step 2: walk the providers. The first success wins.
	var attempts []attempt
	for _, desc := range d.eligible {
		if ctx.Err() != nil {
			d.log.Debug().Str("provider", desc.Name).Msg("client gone, skipping remaining providers")
			break
		}

		resp, err := d.call(ctx, desc, text)
		if err == nil {
			model := resp.Model
			if model == "" {
				model = desc.Model
			}
			return envelope.OK(desc.Name, model, resp.Content)
		}

		attempts = append(attempts, attempt{
			name:   desc.Name,
			kind:   provider.KindOf(err),
			detail: d.Scrub(err.Error()),
		})
	}

	// Step 3: exhausted. The exhaustion itself is the most severe kind in
	// the accumulated set, so it always names the envelope; the worst
	// per-provider kind goes into the detail.
	kinds := []envelope.Kind{envelope.KindAllProvidersFailed}
	for _, a := range attempts {
		kinds = append(kinds, a.kind)
	}

	return envelope.Fail(envelope.MostSevere(kinds...), summarize(attempts))
}

// call makes one outbound request and normalizes the outcome: an empty reply
// counts as malformed, whatever the adapter said.
func (d *Dispatcher) call(ctx context.Context, desc Descriptor, text string) (*provider.ChatResponse, error) {
	ctx, span := d.tracer.Start(ctx, "provider."+desc.Name, trace.WithAttributes(
		attribute.String("provider.vendor", desc.Client.Name()),
		attribute.String("provider.model", desc.Model),
	))
	defer span.End()

	start := time.Now()
	resp, err := desc.Client.ChatCompletion(ctx, provider.UserMessage(desc.Model, text, MaxTokens))
	elapsed := time.Since(start)

	if err == nil && (resp == nil || resp.Content == "") {
		err = &provider.Error{
			Kind:   envelope.KindProviderMalformed,
			Vendor: desc.Client.Name(),
			Detail: desc.Client.Name() + " returned no text content",
		}
	}

	if err != nil {
		kind := provider.KindOf(err)
		span.SetStatus(codes.Error, string(kind))
		d.metrics.RecordProviderCall(desc.Name, string(kind), elapsed)
		d.log.Warn().
			Str("provider", desc.Name).
			Str("vendor", desc.Client.Name()).
			Str("kind", string(kind)).
			Str("detail", d.Scrub(err.Error())).
			Dur("elapsed", elapsed).
			Msg("provider call failed")
		return nil, err
	}

	d.metrics.RecordProviderCall(desc.Name, "success", elapsed)
	d.log.Debug().
		Str("provider", desc.Name).
		Str("model", resp.Model).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("elapsed", elapsed).
		Msg("provider answered")

	return resp, nil
}

func (d *Dispatcher) noProvidersDetail() string {
	if len(d.envVars) == 0 {
		return "no chat providers are configured"
	}
	return "no chat providers are configured; set one of: " + strings.Join(d.envVars, ", ")
}

// summarize renders the per-provider outcomes as name=KIND pairs. Detail
// text stays out: it's for logs, not clients.
func summarize(attempts []attempt) string {
	if len(attempts) == 0 {
		return "all providers failed: request cancelled before any provider answered"
	}

	kinds := make([]envelope.Kind, 0, len(attempts))
	pairs := make([]string, 0, len(attempts))
	for _, a := range attempts {
		kinds = append(kinds, a.kind)
		pairs = append(pairs, a.name+"="+string(a.kind))
	}

	return fmt.Sprintf("all providers failed (most severe: %s): %s",
		envelope.MostSevere(kinds...), strings.Join(pairs, ", "))
}
