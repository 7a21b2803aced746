package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedhost/internal/config"
	"fedhost/internal/domain"
)

type countingFetcher struct {
	calls atomic.Int32
	fail  int32
	src   []byte
	delay time.Duration
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n <= f.fail {
		return nil, errors.New("connection reset")
	}
	return f.src, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestLoader(f Fetcher) (*Loader, *sleepRecorder) {
	rec := &sleepRecorder{}
	l := New(config.LoaderConfig{MaxAttempts: 3, BaseDelay: config.Duration(time.Second), MaxDelay: config.Duration(8 * time.Second)}, nil)
	l.Fetcher = f
	l.Sleep = rec.sleep
	l.Jitter = func(time.Duration) time.Duration { return 0 }
	return l, rec
}

const catalogManifest = `
container:
  scope: catalog
  modules:
    ./App:
      html: "<h1>Catalog</h1>"
`

func remoteApp(name string) domain.App {
	return domain.App{
		ID: name, Name: name, URL: "http://catalog.local", IsActive: true,
		Strategy: domain.RemoteModule{RemoteURL: "http://catalog.local/remoteEntry.yml", Scope: "catalog", Module: "./App"},
	}
}

func render(t *testing.T, u Unit) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, u.Render(context.Background(), &buf))
	return buf.String()
}

func TestIframeResolvesToSandboxedEmbed(t *testing.T) {
	l, _ := newTestLoader(&countingFetcher{})
	app := domain.App{Name: "Docs", URL: "https://docs.example.com", IsActive: true, Strategy: domain.Iframe{}}
	u, err := l.Resolve(context.Background(), app)
	require.NoError(t, err)

	embed, ok := u.(Embed)
	require.True(t, ok)
	assert.Equal(t, "https://docs.example.com", embed.Src)
	assert.Equal(t, IframeSandbox, embed.Sandbox)
	assert.Contains(t, render(t, u), `sandbox="allow-scripts allow-same-origin allow-forms allow-popups"`)
}

func TestConcurrentResolveSharesOneFetch(t *testing.T) {
	f := &countingFetcher{src: []byte(catalogManifest), delay: 20 * time.Millisecond}
	l, _ := newTestLoader(f)

	var wg sync.WaitGroup
	units := make([]Unit, 8)
	errs := make([]error, 8)
	for i := range units {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			units[i], errs[i] = l.Resolve(context.Background(), remoteApp("catalog"))
		}(i)
	}
	wg.Wait()

	for i := range units {
		require.NoError(t, errs[i])
		assert.Equal(t, units[0], units[i])
	}
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Contains(t, render(t, units[0]), "<h1>Catalog</h1>")

	_, err := l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestTransientFailuresRetryWithCappedBackoff(t *testing.T) {
	f := &countingFetcher{fail: 10}
	l, rec := newTestLoader(f)
	l.MaxAttempts = 5
	l.MaxJitter = time.Second
	l.Jitter = func(max time.Duration) time.Duration { return max - time.Millisecond }

	_, err := l.Resolve(context.Background(), remoteApp("catalog"))
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Retryable)
	assert.False(t, le.Structural)
	assert.Equal(t, 5, le.Attempts)
	assert.ErrorContains(t, err, "connection reset")
	assert.EqualValues(t, 5, f.calls.Load())

	require.Len(t, rec.delays, 4)
	for i := 1; i < len(rec.delays); i++ {
		assert.GreaterOrEqual(t, rec.delays[i], rec.delays[i-1])
	}
	for _, d := range rec.delays {
		assert.LessOrEqual(t, d, 8*time.Second)
	}
	assert.Equal(t, 8*time.Second, rec.delays[3])
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	f := &countingFetcher{fail: 1, src: []byte(catalogManifest)}
	l, rec := newTestLoader(f)

	u, err := l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
	assert.Equal(t, domain.KindRemoteModule, u.Kind())
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestFailuresAreNotMemoized(t *testing.T) {
	f := &countingFetcher{fail: 3, src: []byte(catalogManifest)}
	l, _ := newTestLoader(f)

	_, err := l.Resolve(context.Background(), remoteApp("catalog"))
	require.Error(t, err)
	_, err = l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
}

func TestMissingContainerIsStructural(t *testing.T) {
	f := &countingFetcher{src: []byte(catalogManifest)}
	l, rec := newTestLoader(f)
	app := remoteApp("orders")
	app.Strategy = domain.RemoteModule{RemoteURL: "http://catalog.local/remoteEntry.yml", Scope: "orders", Module: "./App"}

	_, err := l.Resolve(context.Background(), app)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Structural)
	assert.Equal(t, 1, le.Attempts)
	assert.Contains(t, err.Error(), `container "orders"`)
	assert.Empty(t, rec.delays)
}

func TestMissingModuleAndDefaultExport(t *testing.T) {
	f := &countingFetcher{src: []byte(`
container:
  scope: catalog
  modules:
    ./Empty:
      html: ""
`)}
	l, _ := newTestLoader(f)

	app := remoteApp("catalog")
	_, err := l.Resolve(context.Background(), app)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"./App"`)

	app.Strategy = domain.RemoteModule{RemoteURL: "http://catalog.local/remoteEntry.yml", Scope: "catalog", Module: "./Empty"}
	_, err = l.Resolve(context.Background(), app)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no default export")
}

func TestSharedScopeIsOffered(t *testing.T) {
	f := &countingFetcher{src: []byte(`
container:
  scope: catalog
  shared: [design-system]
  modules:
    ./App: {html: "<p>ok</p>"}
`)}
	l, _ := newTestLoader(f)
	_, err := l.Resolve(context.Background(), remoteApp("catalog"))
	require.Error(t, err)

	l.ClearCache()
	l.Shared = SharedScope{"design-system": "2.1.0"}
	_, err = l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
}

func TestWebComponentAlreadyDefinedSkipsScript(t *testing.T) {
	f := &countingFetcher{}
	l, _ := newTestLoader(f)
	require.NoError(t, l.Elements.Define("x-clock", ManifestPart{HTML: "12:00"}))

	app := domain.App{Name: "Clock", URL: "http://clock.local", IsActive: true, Strategy: domain.WebComponent{TagName: "x-clock"}}
	u, err := l.Resolve(context.Background(), app)
	require.NoError(t, err)
	assert.Equal(t, `<x-clock data-app="Clock">12:00</x-clock>`, render(t, u))
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestWebComponentDefinedByScript(t *testing.T) {
	f := &countingFetcher{src: []byte("elements:\n  x-weather:\n    html: sunny\n")}
	l, _ := newTestLoader(f)
	app := domain.App{Name: "Weather", URL: "http://w.local", IsActive: true, Strategy: domain.WebComponent{TagName: "x-weather", ScriptURL: "http://w.local/el.yml"}}

	u, err := l.Resolve(context.Background(), app)
	require.NoError(t, err)
	assert.Contains(t, render(t, u), "sunny")
}

func TestWebComponentNeverDefinedTimesOut(t *testing.T) {
	f := &countingFetcher{src: []byte("elements:\n  x-other:\n    html: nope\n")}
	l, rec := newTestLoader(f)
	l.DefinePoll = 50 * time.Millisecond
	l.DefineTimeout = 200 * time.Millisecond
	app := domain.App{Name: "Weather", URL: "http://w.local", IsActive: true, Strategy: domain.WebComponent{TagName: "x-weather", ScriptURL: "http://w.local/el.yml"}}

	_, err := l.Resolve(context.Background(), app)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Structural)
	assert.Contains(t, err.Error(), "x-weather")
	assert.Len(t, rec.delays, 4)
}

func TestWebComponentWithoutScriptIsStructural(t *testing.T) {
	l, _ := newTestLoader(&countingFetcher{})
	app := domain.App{Name: "W", URL: "http://w.local", IsActive: true, Strategy: domain.WebComponent{TagName: "x-missing"}}
	_, err := l.Resolve(context.Background(), app)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Structural)
}

func TestInactiveAppIsRejected(t *testing.T) {
	l, _ := newTestLoader(&countingFetcher{})
	app := remoteApp("catalog")
	app.IsActive = false
	_, err := l.Resolve(context.Background(), app)
	require.Error(t, err)
}

func TestClearCacheForcesRefetch(t *testing.T) {
	f := &countingFetcher{src: []byte(catalogManifest)}
	l, _ := newTestLoader(f)

	_, err := l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
	l.ClearCache()
	_, err = l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.calls.Load())

	l.Invalidate(remoteApp("catalog"))
	_, err = l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "remote|http://catalog.local/remoteEntry.yml|catalog|./App", Key(remoteApp("x")))
	assert.Equal(t, "iframe|http://a", Key(domain.App{URL: "http://a", Strategy: domain.Iframe{}}))
	assert.Equal(t, "web-component|http://s|x-y", Key(domain.App{Strategy: domain.WebComponent{TagName: "x-y", ScriptURL: "http://s"}}))
	assert.Equal(t, ScriptID("http://a"), ScriptID("http://a"))
	assert.NotEqual(t, ScriptID("http://a"), ScriptID("http://b"))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(catalogManifest))
	}))
	defer srv.Close()

	f := HTTPFetcher{Timeout: time.Second}
	src, err := f.Fetch(context.Background(), srv.URL+"/remoteEntry.yml")
	require.NoError(t, err)
	assert.Contains(t, string(src), "scope: catalog")

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "status 404")
}

func TestCancelledCallerDoesNotAbortSharedLoad(t *testing.T) {
	f := &countingFetcher{fail: 1, src: []byte(catalogManifest)}
	l, _ := newTestLoader(f)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	l.Sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := l.Resolve(ctx, remoteApp("catalog"))
		firstErr <- err
	}()
	<-entered

	type result struct {
		u   Unit
		err error
	}
	second := make(chan result, 1)
	go func() {
		u, err := l.Resolve(context.Background(), remoteApp("catalog"))
		second <- result{u, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Contains(t, render(t, res.u), "<h1>Catalog</h1>")
	assert.EqualValues(t, 2, f.calls.Load())

	_, ok := l.Cache.Get(Key(remoteApp("catalog")))
	assert.True(t, ok)
}

type runtimeFunc func(ctx context.Context, scriptID string, src []byte, env Env) error

func (f runtimeFunc) Execute(ctx context.Context, scriptID string, src []byte, env Env) error {
	return f(ctx, scriptID, src, env)
}

type flakyContainer struct {
	inits atomic.Int32
}

func (c *flakyContainer) Init(context.Context, SharedScope) error {
	if c.inits.Add(1) == 1 {
		return errors.New("handshake: connection reset")
	}
	return nil
}

func (c *flakyContainer) Get(_ context.Context, module string) (Factory, error) {
	if module != "./App" {
		return nil, Structural(fmt.Errorf("no module %q", module))
	}
	return func() (Module, error) {
		return Module{Default: ManifestPart{HTML: "<p>flaky</p>"}}, nil
	}, nil
}

func TestContainerHandshakeErrorsAreRetried(t *testing.T) {
	c := &flakyContainer{}
	l, rec := newTestLoader(&countingFetcher{src: []byte("entry")})
	l.Runtime = runtimeFunc(func(_ context.Context, _ string, _ []byte, env Env) error {
		env.Containers.Register("catalog", c)
		return nil
	})

	u, err := l.Resolve(context.Background(), remoteApp("catalog"))
	require.NoError(t, err)
	assert.Equal(t, "<p>flaky</p>", render(t, u))
	assert.EqualValues(t, 2, c.inits.Load())
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)

	app := remoteApp("catalog")
	app.Strategy = domain.RemoteModule{RemoteURL: "http://catalog.local/remoteEntry.yml", Scope: "catalog", Module: "./Gone"}
	_, err = l.Resolve(context.Background(), app)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Structural)
	assert.Equal(t, 1, le.Attempts)
	assert.Len(t, rec.delays, 1)
}

func TestElementRenderRejectsInvalidTag(t *testing.T) {
	var buf bytes.Buffer
	err := Element{Tag: "x-a><script>alert(1)</script", App: "a"}.Render(context.Background(), &buf)
	require.Error(t, err)
	assert.Empty(t, buf.String())
}
