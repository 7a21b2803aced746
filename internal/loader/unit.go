package loader

import (
	"context"
	"fmt"
	"html"
	"io"

	"fedhost/internal/domain"
)

// IframeSandbox is applied to every embedded frame.
const IframeSandbox = "allow-scripts allow-same-origin allow-forms allow-popups"

// Unit is a resolved, mountable app.
type Unit interface {
	Kind() domain.StrategyKind
	Render(ctx context.Context, w io.Writer) error
}

// Embed frames the app's base URL.
type Embed struct {
	Src     string
	Title   string
	Sandbox string
}

func (Embed) Kind() domain.StrategyKind { return domain.KindIframe }

func (e Embed) Render(_ context.Context, w io.Writer) error {
	_, err := fmt.Fprintf(w, `<iframe src="%s" title="%s" sandbox="%s" loading="lazy" style="border:0;width:100%%;height:100%%"></iframe>`,
		html.EscapeString(e.Src), html.EscapeString(e.Title), html.EscapeString(e.Sandbox))
	return err
}

// Element mounts a defined custom element.
type Element struct {
	Tag        string
	App        string
	Definition Renderer
}

func (Element) Kind() domain.StrategyKind { return domain.KindWebComponent }

func (e Element) Render(ctx context.Context, w io.Writer) error {
	if !domain.IsCustomElementName(e.Tag) {
		return fmt.Errorf("refusing to render invalid custom element name %q", e.Tag)
	}
	if _, err := fmt.Fprintf(w, `<%s data-app="%s">`, e.Tag, html.EscapeString(e.App)); err != nil {
		return err
	}
	if e.Definition != nil {
		if err := e.Definition.Render(ctx, w); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, `</%s>`, e.Tag)
	return err
}

// Remote is the default export of a federated module.
type Remote struct {
	Scope     string
	Module    string
	Component Renderer
}

func (Remote) Kind() domain.StrategyKind { return domain.KindRemoteModule }

func (r Remote) Render(ctx context.Context, w io.Writer) error {
	if _, err := fmt.Fprintf(w, `<div data-scope="%s" data-module="%s">`, html.EscapeString(r.Scope), html.EscapeString(r.Module)); err != nil {
		return err
	}
	if err := r.Component.Render(ctx, w); err != nil {
		return err
	}
	_, err := io.WriteString(w, `</div>`)
	return err
}
