package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fedhost/internal/auth"
	"fedhost/internal/domain"
	"fedhost/internal/engine"
	"fedhost/internal/events"
	"fedhost/internal/loader"
	"fedhost/internal/logging"
	"fedhost/internal/repo"
	"fedhost/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Loader     *loader.Loader
	BasePath   string
	Auth       AuthConfig
	SendBuffer int
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_name"`
	Message string         `json:"message" example:"app name already registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"name\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the registry API, the status channel
// and the composition page.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Hub == nil {
		return nil, errors.New("server: engine has no status hub")
	}
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("fedhost API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerApps(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	router.Handle(path.Join(basePath, "status"), status.NewHandler(cfg.Engine.Hub, cfg.Auth.Verifier, cfg.SendBuffer))
	if cfg.Loader != nil {
		registerCompose(router, basePath, cfg.Engine, cfg.Loader, logger)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Reason, map[string]any{"field": ve.Field})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var le *loader.LoadError
	if errors.As(err, &le) {
		return newAPIError(http.StatusBadGateway, "load_failed", err.Error(), map[string]any{"structural": le.Structural, "attempts": le.Attempts})
	}
	switch {
	case errors.Is(err, repo.ErrDuplicateName):
		return newAPIError(http.StatusConflict, "duplicate_name", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "app not found", nil)
	case errors.Is(err, engine.ErrInactive):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"inactive": true})
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity documents the optional bearer token. Anonymous calls
// are valid too, which the empty requirement expresses.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Security = []map[string][]string{
		{"bearerAuth": {}},
		{},
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>fedhost API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Mutations may require Authorization: Bearer &lt;token&gt; depending on the host policy.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Host health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type appPath struct {
	ID string `path:"id"`
}

type appOutput struct {
	Body AppResponse `json:"body"`
}

func registerApps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-apps",
		Method:      http.MethodGet,
		Path:        "/apps",
		Summary:     "List active apps with a fresh health check",
	}, func(ctx context.Context, input *struct {
		HealthyOnly bool `query:"healthyOnly"`
	}) (*struct {
		Body []AppResponse `json:"body"`
	}, error) {
		items, err := e.ListApps(ctx, input.HealthyOnly)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]AppResponse, 0, len(items))
		for _, it := range items {
			resp = append(resp, appStatusResponse(it, !input.HealthyOnly))
		}
		return &struct {
			Body []AppResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apps-health",
		Method:      http.MethodGet,
		Path:        "/apps/health",
		Summary:     "Probe every active app",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []HealthResponse `json:"body"`
	}, error) {
		results, err := e.Health(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]HealthResponse, 0, len(results))
		for _, r := range results {
			resp = append(resp, healthResponse(r))
		}
		return &struct {
			Body []HealthResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-app",
		Method:        http.MethodPost,
		Path:          "/apps",
		Summary:       "Create an app (administrator)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AppRequest `json:"body"`
	}) (*appOutput, error) {
		a, err := e.CreateApp(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &appOutput{Body: appResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-app",
		Method:      http.MethodPost,
		Path:        "/apps/register",
		Summary:     "Self-register an app; returns the existing record for a known name",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AppRequest `json:"body"`
	}) (*struct {
		Status int
		Body   AppResponse `json:"body"`
	}, error) {
		a, created, err := e.RegisterApp(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		code := http.StatusOK
		if created {
			code = http.StatusCreated
		}
		return &struct {
			Status int
			Body   AppResponse `json:"body"`
		}{Status: code, Body: appResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-app",
		Method:      http.MethodGet,
		Path:        "/apps/{id}",
		Summary:     "Get an app",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *appPath) (*appOutput, error) {
		a, err := e.GetApp(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &appOutput{Body: appResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-app",
		Method:      http.MethodPut,
		Path:        "/apps/{id}",
		Summary:     "Update an app's descriptor",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateAppRequest `json:"body"`
	}) (*appOutput, error) {
		a, err := e.UpdateApp(ctx, input.ID, engine.AppPatch{
			Name:        input.Body.Name,
			URL:         input.Body.URL,
			IconURL:     input.Body.IconURL,
			Description: input.Body.Description,
			Strategy:    input.Body.IntegrationStrategy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &appOutput{Body: appResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-app",
		Method:      http.MethodPut,
		Path:        "/apps/{id}/activate",
		Summary:     "Set isActive, or toggle it when omitted",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body *ActivateRequest `json:"body" required:"false"`
	}) (*appOutput, error) {
		var active *bool
		if input.Body != nil {
			active = input.Body.IsActive
		}
		a, err := e.SetActive(ctx, input.ID, active)
		if err != nil {
			return nil, handleError(err)
		}
		return &appOutput{Body: appResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-app",
		Method:        http.MethodDelete,
		Path:          "/apps/{id}",
		Summary:       "Deregister an app",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *appPath) (*struct{}, error) {
		if err := e.DeleteApp(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "app-heartbeat",
		Method:      http.MethodPost,
		Path:        "/apps/{id}/heartbeat",
		Summary:     "Report liveness from a running app",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body *HeartbeatRequest `json:"body" required:"false"`
	}) (*struct {
		Body HeartbeatResponse `json:"body"`
	}, error) {
		var in engine.HeartbeatInput
		if input.Body != nil {
			if input.Body.AppID != "" && input.Body.AppID != input.ID {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "appId does not match path", map[string]any{"appId": input.Body.AppID})
			}
			in = engine.HeartbeatInput{Status: input.Body.Status, Metadata: input.Body.Metadata}
		}
		st, err := e.Heartbeat(ctx, input.ID, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HeartbeatResponse `json:"body"`
		}{Body: heartbeatResponse(st)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List registry events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		AppID  string `query:"appId"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if input.Type != "" && !events.Known(input.Type) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event type", map[string]any{"type": input.Type, "known": events.Types})
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.AuditLog(ctx, repo.EventFilters{Limit: limit + 1, Cursor: cursorID, Type: input.Type, AppID: input.AppID})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
