package boundary

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedhost/internal/domain"
	"fedhost/internal/loader"
)

type panicUnit struct{}

func (panicUnit) Kind() domain.StrategyKind { return domain.KindRemoteModule }
func (panicUnit) Render(context.Context, io.Writer) error {
	panic("nil map write")
}

type stubResolver struct {
	results []func() (loader.Unit, error)
	calls   int
	cleared int
}

func (s *stubResolver) Resolve(context.Context, domain.App) (loader.Unit, error) {
	f := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return f()
}

func (s *stubResolver) ClearCache() { s.cleared++ }

var app = domain.App{ID: "a1", Name: "Billing", URL: "http://billing", IsActive: true, Strategy: domain.Iframe{}}

func TestRenderPassesThroughHealthyUnit(t *testing.T) {
	r := &stubResolver{results: []func() (loader.Unit, error){
		func() (loader.Unit, error) { return loader.Embed{Src: "http://billing", Sandbox: loader.IframeSandbox}, nil },
	}}
	b := New(r, app, nil)
	var buf bytes.Buffer
	require.NoError(t, b.Render(context.Background(), &buf))
	assert.Contains(t, buf.String(), "<iframe")
	assert.False(t, b.State().Failed)
}

func TestPanicIsContained(t *testing.T) {
	r := &stubResolver{results: []func() (loader.Unit, error){
		func() (loader.Unit, error) { return panicUnit{}, nil },
	}}
	b := New(r, app, nil)
	b.RetryURL = "/api/compose/a1/retry"

	var buf bytes.Buffer
	require.NoError(t, b.Render(context.Background(), &buf))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, `<section class="fedhost-fallback"`), out)
	assert.Contains(t, out, "Billing is unavailable")
	assert.Contains(t, out, "nil map write")
	assert.Contains(t, out, `action="/api/compose/a1/retry"`)

	st := b.State()
	assert.True(t, st.Failed)
	assert.ErrorContains(t, st.Err, "panicked")
}

func TestRetryClearsCacheAndRecovers(t *testing.T) {
	r := &stubResolver{results: []func() (loader.Unit, error){
		func() (loader.Unit, error) { return nil, &loader.LoadError{App: "Billing", Retryable: true, Err: errors.New("timeout")} },
		func() (loader.Unit, error) { return loader.Embed{Src: "http://billing"}, nil },
	}}
	b := New(r, app, nil)

	var first bytes.Buffer
	require.NoError(t, b.Render(context.Background(), &first))
	assert.Contains(t, first.String(), "timeout")
	assert.True(t, b.State().Failed)

	var second bytes.Buffer
	require.NoError(t, b.Retry(context.Background(), &second))
	assert.Equal(t, 1, r.cleared)
	assert.Contains(t, second.String(), "<iframe")
	assert.False(t, b.State().Failed)
	assert.Equal(t, 2, b.State().Renders)
}

func TestFallbackEscapesMarkup(t *testing.T) {
	r := &stubResolver{results: []func() (loader.Unit, error){
		func() (loader.Unit, error) { return nil, errors.New("<script>x</script>") },
	}}
	evil := app
	evil.Name = "<b>Billing</b>"
	b := New(r, evil, nil)
	var buf bytes.Buffer
	require.NoError(t, b.Render(context.Background(), &buf))
	assert.NotContains(t, buf.String(), "<script>")
	assert.NotContains(t, buf.String(), "<b>")
}
