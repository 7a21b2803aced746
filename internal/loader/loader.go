// Package loader turns app descriptors into mountable units. Each of the
// three integration strategies has its own resolution path; all of them
// share one cache, one in-flight attempt per key and the same retry policy.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fedhost/internal/config"
	"fedhost/internal/domain"
	"fedhost/internal/logging"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 8 * time.Second
	DefaultMaxJitter     = time.Second
	DefaultDefineTimeout = 2 * time.Second
	DefaultDefinePoll    = 50 * time.Millisecond
)

type Loader struct {
	Fetcher    Fetcher
	Runtime    Runtime
	Containers *ContainerRegistry
	Elements   *ElementRegistry
	Cache      Cache
	Shared     SharedScope

	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxJitter     time.Duration
	DefineTimeout time.Duration
	DefinePoll    time.Duration

	// Sleep and Jitter are replaceable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(max time.Duration) time.Duration

	Logger *slog.Logger

	inflight singleflight.Group
	scripts  singleflight.Group

	mu       sync.Mutex
	executed map[string]bool
}

// New builds a loader with HTTP fetching and the manifest runtime.
func New(cfg config.LoaderConfig, logger *slog.Logger) *Loader {
	l := &Loader{
		Fetcher:       HTTPFetcher{Timeout: cfg.FetchTimeout.AsDuration()},
		Runtime:       ManifestRuntime{},
		Shared:        SharedScope(cfg.Shared),
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay.AsDuration(),
		MaxDelay:      cfg.MaxDelay.AsDuration(),
		MaxJitter:     cfg.MaxJitter.AsDuration(),
		DefineTimeout: cfg.DefineTimeout.AsDuration(),
		DefinePoll:    cfg.DefinePoll.AsDuration(),
		Logger:        logger,
	}
	return l.withDefaults()
}

func (l *Loader) withDefaults() *Loader {
	if l.Runtime == nil {
		l.Runtime = ManifestRuntime{}
	}
	if l.Fetcher == nil {
		l.Fetcher = HTTPFetcher{}
	}
	if l.Containers == nil {
		l.Containers = NewContainerRegistry()
	}
	if l.Elements == nil {
		l.Elements = NewElementRegistry()
	}
	if l.Cache == nil {
		l.Cache = NewMemoryCache()
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = DefaultMaxAttempts
	}
	if l.BaseDelay <= 0 {
		l.BaseDelay = DefaultBaseDelay
	}
	if l.MaxDelay <= 0 {
		l.MaxDelay = DefaultMaxDelay
	}
	if l.MaxJitter < 0 {
		l.MaxJitter = 0
	}
	if l.DefineTimeout <= 0 {
		l.DefineTimeout = DefaultDefineTimeout
	}
	if l.DefinePoll <= 0 {
		l.DefinePoll = DefaultDefinePoll
	}
	if l.Sleep == nil {
		l.Sleep = sleepCtx
	}
	if l.Jitter == nil {
		l.Jitter = uniformJitter
	}
	l.Logger = logging.OrDefault(l.Logger)
	if l.executed == nil {
		l.executed = map[string]bool{}
	}
	return l
}

// Key identifies the load attempt for an app. Apps that share a key share
// the cached unit.
func Key(app domain.App) string {
	switch s := app.Strategy.(type) {
	case domain.RemoteModule:
		return "remote|" + s.RemoteURL + "|" + s.Scope + "|" + s.Module
	case domain.WebComponent:
		return "web-component|" + s.ScriptURL + "|" + s.TagName
	default:
		return "iframe|" + app.URL
	}
}

// ScriptID derives the stable id under which an entry URL is executed.
func ScriptID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "remote-entry-" + hex.EncodeToString(sum[:6])
}

// Resolve returns the unit for app, loading it on first use. Concurrent
// callers for the same key wait on one attempt.
func (l *Loader) Resolve(ctx context.Context, app domain.App) (Unit, error) {
	if !app.IsActive {
		return nil, &LoadError{App: app.Name, Structural: true, Err: errors.New("app is inactive")}
	}
	if app.Strategy == nil {
		return nil, &LoadError{App: app.Name, Structural: true, Err: errors.New("app has no integration strategy")}
	}
	key := Key(app)
	if u, ok := l.Cache.Get(key); ok {
		return u, nil
	}
	// The attempt outlives the caller that started it; a caller that goes
	// away only stops waiting.
	ch := l.inflight.DoChan(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &LoadError{App: app.Name, Key: key, Structural: true, Err: fmt.Errorf("load panicked: %v", r)}
			}
		}()
		if u, ok := l.Cache.Get(key); ok {
			return u, nil
		}
		u, err := l.attempt(context.WithoutCancel(ctx), app, key)
		if err != nil {
			return nil, err
		}
		l.Cache.Put(key, u)
		return u, nil
	})
	select {
	case <-ctx.Done():
		return nil, &LoadError{App: app.Name, Key: key, Retryable: true, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			l.Logger.Debug("loader: joined in-flight load", "app", app.Name, "key", key)
		}
		return res.Val.(Unit), nil
	}
}

func (l *Loader) attempt(ctx context.Context, app domain.App, key string) (Unit, error) {
	var last error
	for n := 1; n <= l.MaxAttempts; n++ {
		u, err := l.resolveOnce(ctx, app)
		if err == nil {
			if n > 1 {
				l.Logger.Info("loader: loaded after retry", "app", app.Name, "attempt", n)
			}
			return u, nil
		}
		if isStructural(err) {
			return nil, &LoadError{App: app.Name, Key: key, Attempts: n, Structural: true, Err: err}
		}
		last = err
		if n == l.MaxAttempts {
			break
		}
		d := l.Backoff(n)
		l.Logger.Warn("loader: attempt failed", "app", app.Name, "attempt", n, "retry_in", d, "error", err)
		if err := l.Sleep(ctx, d); err != nil {
			return nil, &LoadError{App: app.Name, Key: key, Attempts: n, Retryable: true, Err: err}
		}
	}
	return nil, &LoadError{App: app.Name, Key: key, Attempts: l.MaxAttempts, Retryable: true, Err: last}
}

// Backoff is the delay before the attempt following attempt n (1-based).
func (l *Loader) Backoff(n int) time.Duration {
	d := l.BaseDelay << (n - 1)
	if d <= 0 || d > l.MaxDelay {
		d = l.MaxDelay
	}
	d += l.Jitter(l.MaxJitter)
	if d > l.MaxDelay {
		d = l.MaxDelay
	}
	return d
}

func (l *Loader) resolveOnce(ctx context.Context, app domain.App) (Unit, error) {
	switch s := app.Strategy.(type) {
	case domain.Iframe:
		return Embed{Src: app.URL, Title: app.Name, Sandbox: IframeSandbox}, nil
	case domain.WebComponent:
		return l.resolveElement(ctx, app, s)
	case domain.RemoteModule:
		return l.resolveRemote(ctx, s)
	default:
		return nil, structuralf("unsupported integration strategy %T", s)
	}
}

func (l *Loader) resolveRemote(ctx context.Context, s domain.RemoteModule) (Unit, error) {
	if err := l.ensureScript(ctx, s.RemoteURL); err != nil {
		return nil, err
	}
	container, ok := l.Containers.Lookup(s.Scope)
	if !ok {
		return nil, structuralf("container %q not found after loading %s", s.Scope, s.RemoteURL)
	}
	if err := container.Init(ctx, l.Shared); err != nil {
		return nil, fmt.Errorf("init container %q: %w", s.Scope, err)
	}
	factory, err := container.Get(ctx, s.Module)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", s.Module, err)
	}
	if factory == nil {
		return nil, structuralf("container %q returned no factory for %q", s.Scope, s.Module)
	}
	mod, err := factory()
	if err != nil {
		return nil, structuralf("module %q factory: %v", s.Module, err)
	}
	if mod.Default == nil {
		return nil, structuralf("module %q has no default export", s.Module)
	}
	return Remote{Scope: s.Scope, Module: s.Module, Component: mod.Default}, nil
}

func (l *Loader) resolveElement(ctx context.Context, app domain.App, s domain.WebComponent) (Unit, error) {
	if !l.Elements.Defined(s.TagName) {
		if s.ScriptURL == "" {
			return nil, structuralf("custom element %q is not defined and no scriptUrl is configured", s.TagName)
		}
		if err := l.ensureScript(ctx, s.ScriptURL); err != nil {
			return nil, err
		}
		if err := l.waitDefined(ctx, s.TagName); err != nil {
			return nil, err
		}
	}
	def, _ := l.Elements.Lookup(s.TagName)
	return Element{Tag: s.TagName, App: app.Name, Definition: def}, nil
}

func (l *Loader) waitDefined(ctx context.Context, tag string) error {
	for waited := time.Duration(0); ; waited += l.DefinePoll {
		if l.Elements.Defined(tag) {
			return nil
		}
		if waited >= l.DefineTimeout {
			return structuralf("custom element %q was not defined within %s", tag, l.DefineTimeout)
		}
		if err := l.Sleep(ctx, l.DefinePoll); err != nil {
			return err
		}
	}
}

// ensureScript fetches and executes url at most once until the cache is
// cleared.
func (l *Loader) ensureScript(ctx context.Context, url string) error {
	id := ScriptID(url)
	l.mu.Lock()
	done := l.executed[id]
	l.mu.Unlock()
	if done {
		return nil
	}
	_, err, _ := l.scripts.Do(id, func() (any, error) {
		l.mu.Lock()
		done := l.executed[id]
		l.mu.Unlock()
		if done {
			return nil, nil
		}
		src, err := l.Fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := l.Runtime.Execute(ctx, id, src, Env{Containers: l.Containers, Elements: l.Elements}); err != nil {
			return nil, fmt.Errorf("execute %s: %w", url, err)
		}
		l.mu.Lock()
		l.executed[id] = true
		l.mu.Unlock()
		l.Logger.Debug("loader: entry executed", "url", url, "script", id)
		return nil, nil
	})
	return err
}

// Invalidate drops the cached unit for app and forgets its entry script so
// the next Resolve fetches it again.
func (l *Loader) Invalidate(app domain.App) {
	l.Cache.Invalidate(Key(app))
	var url string
	switch s := app.Strategy.(type) {
	case domain.RemoteModule:
		url = s.RemoteURL
	case domain.WebComponent:
		url = s.ScriptURL
	}
	if url != "" {
		l.mu.Lock()
		delete(l.executed, ScriptID(url))
		l.mu.Unlock()
	}
}

// ClearCache drops every cached unit and executed entry.
func (l *Loader) ClearCache() {
	l.Cache.Clear()
	l.mu.Lock()
	l.executed = map[string]bool{}
	l.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
