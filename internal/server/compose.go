package server

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"fedhost/internal/boundary"
	"fedhost/internal/domain"
	"fedhost/internal/engine"
	"fedhost/internal/loader"
	"fedhost/internal/repo"
)

var composeTmpl = template.Must(template.New("compose").Parse(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>{{.Title}}</title>
    <style>
      body { font-family: sans-serif; margin: 0; }
      .fedhost-panel { border-bottom: 1px solid #ddd; min-height: 12rem; }
      .fedhost-fallback { padding: 1rem; color: #842029; background: #f8d7da; }
    </style>
  </head>
  <body>
{{range .Panels}}    <article class="fedhost-panel" id="app-{{.ID}}">{{.HTML}}</article>
{{else}}    <p>No active apps.</p>
{{end}}  </body>
</html>
`))

type composePanel struct {
	ID   string
	HTML template.HTML
}

type composePage struct {
	Title  string
	Panels []composePanel
}

// registerCompose mounts the server-side composition page. Every app
// renders inside its own boundary so one failing panel leaves the rest of
// the page intact.
func registerCompose(r chi.Router, basePath string, e engine.Engine, l *loader.Loader, logger *slog.Logger) {
	retryURL := func(id string) string {
		return path.Join(basePath, "compose", id, "retry")
	}
	render := func(ctx context.Context, apps []domain.App, retry bool) composePage {
		page := composePage{Title: "fedhost"}
		for _, a := range apps {
			b := boundary.New(l, a, logger)
			b.RetryURL = retryURL(a.ID)
			var buf bytes.Buffer
			var err error
			if retry {
				err = b.Retry(ctx, &buf)
			} else {
				err = b.Render(ctx, &buf)
			}
			if err != nil {
				logger.Warn("compose: panel write failed", "app", a.Name, "error", err)
				continue
			}
			page.Panels = append(page.Panels, composePanel{ID: a.ID, HTML: template.HTML(buf.String())})
		}
		if len(apps) == 1 {
			page.Title = apps[0].Name + " · fedhost"
		}
		return page
	}
	write := func(w http.ResponseWriter, page composePage) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := composeTmpl.Execute(w, page); err != nil {
			logger.Warn("compose: template failed", "error", err)
		}
	}

	r.Get(path.Join(basePath, "compose"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		var apps []domain.App
		if id := req.URL.Query().Get("app"); id != "" {
			a, err := e.ActiveApp(ctx, id)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			apps = []domain.App{a}
		} else {
			all, err := e.Store.ListApps(ctx, repo.AppFilters{ActiveOnly: true})
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			apps = all
		}
		write(w, render(ctx, apps, false))
	})

	r.Post(path.Join(basePath, "compose", "{id}", "retry"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		a, err := e.ActiveApp(ctx, chi.URLParam(req, "id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		write(w, render(ctx, []domain.App{a}, true))
	})
}
