// Package health decides whether federated apps are alive and serving.
package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"fedhost/internal/domain"
	"fedhost/internal/logging"
)

const DefaultTimeout = 5 * time.Second

// Result is one app's outcome in a probe cycle. It is never persisted.
type Result struct {
	AppID     string    `json:"appId"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Prober issues one bounded GET per app. Concurrency caps the probes in
// flight during ProbeAll; zero probes every app at once.
type Prober struct {
	Client      *http.Client
	Timeout     time.Duration
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewProber(timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		Client:  &http.Client{},
		Timeout: timeout,
		Logger:  logging.OrDefault(logger),
		Now:     time.Now,
	}
}

// ProbeAll checks every app concurrently. Each probe has its own deadline, so
// one unreachable app never delays or fails the others. Results are returned
// in input order. Once ctx is done, apps not yet probed are reported
// unhealthy without a request.
func (p *Prober) ProbeAll(ctx context.Context, apps []domain.App) []Result {
	results := make([]Result, len(apps))
	g, gctx := errgroup.WithContext(ctx)
	if p.Concurrency > 0 {
		g.SetLimit(p.Concurrency)
	}
	for i, app := range apps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{AppID: app.ID, Name: app.Name, URL: app.URL, CheckedAt: p.now().UTC()}
				return err
			}
			results[i] = p.Probe(gctx, app)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger().Debug("health probe: cycle interrupted", "apps", len(apps), "error", err)
	}
	return results
}

// Probe classifies a single app: any status below 500 means the server is up.
func (p *Prober) Probe(ctx context.Context, app domain.App) Result {
	res := Result{AppID: app.ID, Name: app.Name, URL: app.URL}
	res.Healthy = p.check(ctx, app)
	res.CheckedAt = p.now().UTC()
	return res
}

func (p *Prober) check(ctx context.Context, app domain.App) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, app.URL, nil)
	if err != nil {
		p.logger().Debug("health probe: bad url", "app", app.Name, "url", app.URL, "error", err)
		return false
	}
	req.Header.Set("Accept", "text/html,application/json")
	res, err := p.client().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger().Debug("health probe: timed out", "app", app.Name, "timeout", timeout)
		} else {
			p.logger().Debug("health probe: unreachable", "app", app.Name, "error", err)
		}
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	return Classify(res.StatusCode)
}

// Classify maps an HTTP status to liveness.
func Classify(status int) bool {
	return status < http.StatusInternalServerError
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *Prober) logger() *slog.Logger {
	return logging.OrDefault(p.Logger)
}

func (p *Prober) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
