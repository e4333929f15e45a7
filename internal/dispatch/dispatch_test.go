package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/avacore/internal/envelope"
	"github.com/howard-nolan/avacore/internal/provider"
)

// fakeProvider is a scripted Provider that counts its calls and keeps the
// requests it received.
type fakeProvider struct {
	vendor string
	resp   *provider.ChatResponse
	err    error

	mu       sync.Mutex
	requests []*provider.ChatRequest
}

func (f *fakeProvider) Name() string { return f.vendor }

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.resp, f.err
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func answers(text, model string) *fakeProvider {
	return &fakeProvider{vendor: "fake", resp: &provider.ChatResponse{Content: text, Model: model}}
}

func fails(kind envelope.Kind, detail string) *fakeProvider {
	return &fakeProvider{vendor: "fake", err: &provider.Error{Kind: kind, Vendor: "fake", Detail: detail}}
}

func newDispatcher(t *testing.T, descs ...Descriptor) *Dispatcher {
	t.Helper()
	d, err := New(descs, WithCredentialVars("PRIMARY_PROVIDER_KEY", "SECONDARY_PROVIDER_KEY"))
	require.NoError(t, err)
	return d
}

func TestDispatchNoProviders(t *testing.T) {
	// An unavailable slot still has a client here, to prove it's never called.
	idle := answers("never", "m")
	d := newDispatcher(t,
		NewDescriptor("primary", "m-1", 1, "", idle),
		NewDescriptor("secondary", "m-2", 2, "", nil),
	)

	reply := d.Dispatch(context.Background(), "x")

	assert.False(t, reply.Success)
	assert.Equal(t, envelope.KindNoProviders, reply.ErrorKind)
	assert.Contains(t, reply.ErrorDetail, "PRIMARY_PROVIDER_KEY")
	assert.Contains(t, reply.ErrorDetail, "SECONDARY_PROVIDER_KEY")
	assert.Equal(t, 0, idle.calls())
	assert.False(t, d.Ready())
}

func TestDispatchEmptyList(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), "x")
	assert.Equal(t, envelope.Fail(envelope.KindNoProviders, "no chat providers are configured"), reply)
}

func TestDispatchPrimaryAnswers(t *testing.T) {
	primary := answers("Hi", "m-1")
	secondary := answers("unused", "m-2")
	d := newDispatcher(t,
		NewDescriptor("primary", "configured-1", 1, "x", primary),
		NewDescriptor("secondary", "configured-2", 2, "y", secondary),
	)

	reply := d.Dispatch(context.Background(), "Hello")

	assert.Equal(t, envelope.OK("primary", "m-1", "Hi"), reply)
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 0, secondary.calls())

	// The request is a single user message with the fixed token budget
	// and the descriptor's model.
	req := primary.requests[0]
	assert.Equal(t, "configured-1", req.Model)
	assert.Equal(t, MaxTokens, req.MaxTokens)
	assert.Equal(t, []provider.Message{{Role: "user", Content: "Hello"}}, req.Messages)
}

func TestDispatchFallsBackOnTimeout(t *testing.T) {
	primary := fails(envelope.KindProviderTimeout, "fake did not respond within 30s")
	secondary := answers("OK", "m-2")
	d := newDispatcher(t,
		NewDescriptor("primary", "m-1", 1, "x", primary),
		NewDescriptor("secondary", "m-2", 2, "y", secondary),
	)

	reply := d.Dispatch(context.Background(), "Hello")

	assert.True(t, reply.Success)
	assert.Equal(t, "secondary", reply.ProviderName)
	assert.Equal(t, "OK", reply.Response)
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 1, secondary.calls())
}

func TestDispatchFallsBackOnAuth(t *testing.T) {
	primary := fails(envelope.KindProviderAuth, "fake API returned status 401")
	secondary := answers("fine", "m-2")
	d := newDispatcher(t,
		NewDescriptor("primary", "m-1", 1, "x", primary),
		NewDescriptor("secondary", "m-2", 2, "y", secondary),
	)

	reply := d.Dispatch(context.Background(), "Hello")

	assert.Equal(t, "secondary", reply.ProviderName)
	assert.Equal(t, 2, primary.calls()+secondary.calls())
}

func TestDispatchAllFail(t *testing.T) {
	primary := fails(envelope.KindProviderUnavailable, "fake API returned status 500")
	secondary := fails(envelope.KindProviderUnavailable, "fake API returned status 503")
	d := newDispatcher(t,
		NewDescriptor("primary", "m-1", 1, "x", primary),
		NewDescriptor("secondary", "m-2", 2, "y", secondary),
	)

	reply := d.Dispatch(context.Background(), "Hello")

	assert.False(t, reply.Success)
	assert.Equal(t, envelope.KindAllProvidersFailed, reply.ErrorKind)
	assert.Equal(t,
		"all providers failed (most severe: PROVIDER_UNAVAILABLE): primary=PROVIDER_UNAVAILABLE, secondary=PROVIDER_UNAVAILABLE",
		reply.ErrorDetail,
	)
	assert.NotContains(t, reply.ErrorDetail, "status 500")
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 1, secondary.calls())
}

func TestDispatchDetailNamesMostSevereKind(t *testing.T) {
	d := newDispatcher(t,
		NewDescriptor("primary", "m-1", 1, "x", fails(envelope.KindProviderTimeout, "t")),
		NewDescriptor("secondary", "m-2", 2, "y", fails(envelope.KindProviderAuth, "a")),
	)

	reply := d.Dispatch(context.Background(), "Hello")

	assert.Equal(t, envelope.KindAllProvidersFailed, reply.ErrorKind)
	assert.Contains(t, reply.ErrorDetail, "most severe: PROVIDER_AUTH")
	assert.Contains(t, reply.ErrorDetail, "primary=PROVIDER_TIMEOUT")
	assert.Contains(t, reply.ErrorDetail, "secondary=PROVIDER_AUTH")
}

func TestDispatchSingleProviderTimeout(t *testing.T) {
	only := fails(envelope.KindProviderTimeout, "slow")
	d := newDispatcher(t, NewDescriptor("primary", "m-1", 1, "x", only))

	reply := d.Dispatch(context.Background(), "Hello")

	assert.Equal(t, envelope.KindAllProvidersFailed, reply.ErrorKind)
	assert.Equal(t, 1, only.calls())
}

func TestDispatchEmptyContentIsMalformed(t *testing.T) {
	blank := answers("", "m-1")
	d := newDispatcher(t, NewDescriptor("primary", "m-1", 1, "x", blank))

	reply := d.Dispatch(context.Background(), "Hello")

	assert.False(t, reply.Success)
	assert.Contains(t, reply.ErrorDetail, "primary=PROVIDER_MALFORMED")
}

func TestDispatchNilResponseIsMalformed(t *testing.T) {
	d := newDispatcher(t, NewDescriptor("primary", "m-1", 1, "x", &fakeProvider{vendor: "fake"}))

	reply := d.Dispatch(context.Background(), "Hello")
	assert.Contains(t, reply.ErrorDetail, "primary=PROVIDER_MALFORMED")
}

func TestDispatchForeignErrorIsUnavailable(t *testing.T) {
	odd := &fakeProvider{vendor: "fake", err: errors.New("boom")}
	d := newDispatcher(t, NewDescriptor("primary", "m-1", 1, "x", odd))

	reply := d.Dispatch(context.Background(), "Hello")
	assert.Contains(t, reply.ErrorDetail, "primary=PROVIDER_UNAVAILABLE")
}

func TestDispatchUsesDescriptorModelWhenVendorOmitsIt(t *testing.T) {
	d := newDispatcher(t, NewDescriptor("primary", "m-configured", 1, "x", answers("hi", "")))

	reply := d.Dispatch(context.Background(), "Hello")
	assert.Equal(t, "m-configured", reply.Model)
}

func TestDispatchPriorityOrder(t *testing.T) {
	// Given out of order: priority wins, and equal priorities keep
	// insertion order.
	late := fails(envelope.KindProviderUnavailable, "")
	tieFirst := fails(envelope.KindProviderUnavailable, "")
	tieSecond := fails(envelope.KindProviderUnavailable, "")
	d := newDispatcher(t,
		NewDescriptor("late", "m", 9, "k1", late),
		NewDescriptor("tie-a", "m", 1, "k2", tieFirst),
		NewDescriptor("tie-b", "m", 1, "k3", tieSecond),
	)

	reply := d.Dispatch(context.Background(), "Hello")

	assert.Contains(t, reply.ErrorDetail, "tie-a=PROVIDER_UNAVAILABLE, tie-b=PROVIDER_UNAVAILABLE, late=PROVIDER_UNAVAILABLE")

	var names []string
	for _, p := range d.Providers() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"tie-a", "tie-b", "late"}, names)
}

func TestDispatchCancelledContext(t *testing.T) {
	primary := answers("Hi", "m")
	d := newDispatcher(t, NewDescriptor("primary", "m", 1, "x", primary))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reply := d.Dispatch(ctx, "Hello")

	assert.Equal(t, envelope.KindAllProvidersFailed, reply.ErrorKind)
	assert.Equal(t, 0, primary.calls())
}

func TestDispatchNeverLeaksCredentials(t *testing.T) {
	const secret = "sk-live-very-secret"

	var logs bytes.Buffer
	leaky := fails(envelope.KindProviderAuth, "rejected key "+secret)
	d, err := New(
		[]Descriptor{NewDescriptor("primary", "m", 1, secret, leaky)},
		WithLogger(zerolog.New(&logs)),
	)
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), "Hello")

	assert.NotContains(t, reply.ErrorDetail, secret)
	assert.NotContains(t, logs.String(), secret)
	assert.Contains(t, logs.String(), "[redacted]")
}

func TestProvidersSnapshot(t *testing.T) {
	d := newDispatcher(t,
		NewDescriptor("secondary", "gpt-4o", 2, "", nil),
		NewDescriptor("primary", "claude", 1, "x", answers("hi", "")),
	)

	assert.Equal(t, []ProviderStatus{
		{Name: "primary", Model: "claude", Available: true},
		{Name: "secondary", Model: "gpt-4o", Available: false},
	}, d.Providers())
	assert.True(t, d.Ready())
}

func TestNewValidation(t *testing.T) {
	_, err := New([]Descriptor{
		NewDescriptor("primary", "m", 1, "", nil),
		NewDescriptor("primary", "m", 2, "", nil),
	})
	assert.ErrorContains(t, err, "duplicate provider name")

	_, err = New([]Descriptor{NewDescriptor("primary", "m", 1, "key", nil)})
	assert.ErrorContains(t, err, "no client")

	_, err = New([]Descriptor{NewDescriptor("", "m", 1, "", nil)})
	assert.Error(t, err)
}

func TestDispatchConcurrent(t *testing.T) {
	primary := fails(envelope.KindProviderRateLimited, "")
	secondary := answers("ok", "m-2")
	d := newDispatcher(t,
		NewDescriptor("primary", "m-1", 1, "x", primary),
		NewDescriptor("secondary", "m-2", 2, "y", secondary),
	)

	const n = 32
	var wg sync.WaitGroup
	replies := make([]envelope.Reply, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = d.Dispatch(context.Background(), "Hello")
		}(i)
	}
	wg.Wait()

	for _, r := range replies {
		assert.Equal(t, "secondary", r.ProviderName)
	}
	assert.Equal(t, n, primary.calls())
	assert.Equal(t, n, secondary.calls())
}
