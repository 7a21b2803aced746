// Package boundary contains failures of a single mounted app. A panel that
// fails to resolve or render is replaced by a fallback; its siblings keep
// rendering.
package boundary

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"fedhost/internal/domain"
	"fedhost/internal/loader"
	"fedhost/internal/logging"
)

// Resolver is the part of the loader a boundary needs.
type Resolver interface {
	Resolve(ctx context.Context, app domain.App) (loader.Unit, error)
	ClearCache()
}

type State struct {
	Failed bool
	Err    error
	// Renders counts render passes, including retries.
	Renders int
}

type Boundary struct {
	App      domain.App
	Resolver Resolver
	// RetryURL is where the fallback's retry form posts. Empty hides it.
	RetryURL string
	Logger   *slog.Logger

	mu    sync.Mutex
	state State
}

func New(r Resolver, app domain.App, logger *slog.Logger) *Boundary {
	return &Boundary{App: app, Resolver: r, Logger: logging.OrDefault(logger)}
}

// Render writes the app's markup, or the fallback if anything fails. The
// returned error is only a write error on w; app failures are reported
// through State.
func (b *Boundary) Render(ctx context.Context, w io.Writer) error {
	var buf bytes.Buffer
	err := b.renderUnit(ctx, &buf)

	b.mu.Lock()
	b.state.Renders++
	b.state.Failed = err != nil
	b.state.Err = err
	b.mu.Unlock()

	if err != nil {
		b.logger().Warn("boundary: app failed", "app", b.App.Name, "error", err)
		return b.fallback(w, err)
	}
	_, werr := buf.WriteTo(w)
	return werr
}

// Retry clears the loader cache and renders again.
func (b *Boundary) Retry(ctx context.Context, w io.Writer) error {
	b.Resolver.ClearCache()
	return b.Render(ctx, w)
}

func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Boundary) renderUnit(ctx context.Context, w io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger().Error("boundary: panic", "app", b.App.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("app panicked: %v", r)
		}
	}()
	unit, err := b.Resolver.Resolve(ctx, b.App)
	if err != nil {
		return err
	}
	return unit.Render(ctx, w)
}

func (b *Boundary) fallback(w io.Writer, cause error) error {
	_, err := fmt.Fprintf(w, `<section class="fedhost-fallback" role="alert" data-app="%s"><h2>%s is unavailable</h2><p>%s</p>`,
		html.EscapeString(b.App.ID), html.EscapeString(b.App.Name), html.EscapeString(cause.Error()))
	if err != nil {
		return err
	}
	if b.RetryURL != "" {
		if _, err := fmt.Fprintf(w, `<form method="post" action="%s"><button type="submit">Retry</button></form>`, html.EscapeString(b.RetryURL)); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, `</section>`)
	return err
}

func (b *Boundary) logger() *slog.Logger {
	return logging.OrDefault(b.Logger)
}
