package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fedhost/internal/auth"
	"fedhost/internal/config"
	"fedhost/internal/domain"
	"fedhost/internal/events"
	"fedhost/internal/health"
	"fedhost/internal/liveness"
	"fedhost/internal/logging"
	"fedhost/internal/repo"
	"fedhost/internal/status"
)

// ErrInactive is returned when an operation needs an active app.
var ErrInactive = errors.New("app is inactive")

// Invalidator drops loader state for an app whose descriptor changed.
type Invalidator interface {
	Invalidate(app domain.App)
}

type Engine struct {
	Store    repo.Store
	Repo     repo.Repo
	Events   events.Writer
	Prober   *health.Prober
	Liveness liveness.Store
	Hub      *status.Hub
	Loader   Invalidator
	Decider  auth.Decider
	Logger   *slog.Logger
	Now      func() time.Time
}

// New wires an engine over an open registry database. Callers may swap the
// liveness store, hub and loader afterwards.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	logger = logging.OrDefault(logger)
	r := repo.Repo{DB: db}
	e := Engine{
		Store:    r,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Prober:   health.NewProber(health.DefaultTimeout, logger),
		Liveness: liveness.NewMemoryStore(0),
		Hub:      status.NewHub(logger),
		Decider:  auth.Open{},
		Logger:   logger,
		Now:      time.Now,
	}
	if cfg != nil {
		e.Prober = health.NewProber(cfg.Health.Timeout.AsDuration(), logger)
		e.Prober.Concurrency = cfg.Health.Concurrency
		e.Liveness = liveness.NewMemoryStore(cfg.Liveness.TTL.AsDuration())
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	return logging.OrDefault(e.Logger)
}

func (e Engine) authorize(ctx context.Context, action, resource string) error {
	d := e.Decider
	if d == nil {
		d = auth.Open{}
	}
	return auth.Require(ctx, d, action, resource)
}

func actorOf(ctx context.Context) string {
	return auth.FromContext(ctx).Subject
}

// AppInput carries the caller-supplied descriptor fields. A nil Strategy
// means the operation's default applies.
type AppInput struct {
	Name        string
	URL         string
	IconURL     string
	Description string
	Strategy    *domain.StrategySpec
}

func (in AppInput) build(def domain.StrategyKind) (domain.App, error) {
	spec := domain.StrategySpec{Type: string(def)}
	if in.Strategy != nil {
		spec = *in.Strategy
		if strings.TrimSpace(spec.Type) == "" {
			spec.Type = string(def)
		}
	}
	a := domain.App{
		Name:        strings.TrimSpace(in.Name),
		URL:         strings.TrimSpace(in.URL),
		IconURL:     strings.TrimSpace(in.IconURL),
		Description: strings.TrimSpace(in.Description),
		IsActive:    true,
	}
	if a.Name == "" || a.URL == "" {
		return a, a.Validate()
	}
	s, err := spec.Strategy()
	if err != nil {
		return a, err
	}
	a.Strategy = s
	return a, a.Validate()
}

// CreateApp is the administrator path: strictly create, remote-module by
// default, duplicate names are an error.
func (e Engine) CreateApp(ctx context.Context, in AppInput) (domain.App, error) {
	if err := e.authorize(ctx, auth.ActionCreate, in.Name); err != nil {
		return domain.App{}, err
	}
	a, err := in.build(domain.KindRemoteModule)
	if err != nil {
		return domain.App{}, err
	}
	if err := e.insert(ctx, &a); err != nil {
		return domain.App{}, err
	}
	e.audit(ctx, events.AppCreated, a)
	e.logger().Info("app created", "app", a.Name, "id", a.ID, "strategy", a.Strategy.Kind())
	return a, nil
}

// RegisterApp is the self-registration path: iframe by default and
// create-or-get by name. created reports whether a new record was written.
// app-registered is emitted either way.
func (e Engine) RegisterApp(ctx context.Context, in AppInput) (app domain.App, created bool, err error) {
	a, err := in.build(domain.KindIframe)
	if err != nil {
		return domain.App{}, false, err
	}
	existing, err := e.Store.GetAppByName(ctx, a.Name)
	switch {
	case err == nil:
		app = existing
	case errors.Is(err, repo.ErrNotFound):
		err = e.insert(ctx, &a)
		if errors.Is(err, repo.ErrDuplicateName) {
			// lost a race with another registration of the same name
			app, err = e.Store.GetAppByName(ctx, a.Name)
		} else if err == nil {
			app, created = a, true
		}
		if err != nil {
			return domain.App{}, false, err
		}
	default:
		return domain.App{}, false, err
	}

	if created {
		e.audit(ctx, events.AppRegistered, app)
	}
	if e.Hub != nil {
		if err := e.Hub.Registered(ctx, status.Registered{App: app, Created: created, Timestamp: e.now().UTC()}); err != nil {
			e.logger().Warn("engine: publish app-registered failed", "app", app.Name, "error", err)
		}
	}
	e.logger().Info("app registered", "app", app.Name, "id", app.ID, "created", created)
	return app, created, nil
}

func (e Engine) insert(ctx context.Context, a *domain.App) error {
	now := e.now().UTC()
	a.ID = uuid.NewString()
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := e.Store.InsertApp(ctx, *a); err != nil {
		if errors.Is(err, repo.ErrDuplicateName) {
			return fmt.Errorf("%w: %s", repo.ErrDuplicateName, a.Name)
		}
		return fmt.Errorf("insert app: %w", err)
	}
	return nil
}

func (e Engine) GetApp(ctx context.Context, id string) (domain.App, error) {
	return e.Store.GetApp(ctx, id)
}

// AppPatch holds optional replacements for an existing descriptor.
type AppPatch struct {
	Name        *string
	URL         *string
	IconURL     *string
	Description *string
	Strategy    *domain.StrategySpec
}

// UpdateApp applies patch and drops any loader state derived from the old
// descriptor.
func (e Engine) UpdateApp(ctx context.Context, id string, patch AppPatch) (domain.App, error) {
	if err := e.authorize(ctx, auth.ActionUpdate, id); err != nil {
		return domain.App{}, err
	}
	old, err := e.Store.GetApp(ctx, id)
	if err != nil {
		return domain.App{}, err
	}
	a := old
	if patch.Name != nil {
		a.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.URL != nil {
		a.URL = strings.TrimSpace(*patch.URL)
	}
	if patch.IconURL != nil {
		a.IconURL = strings.TrimSpace(*patch.IconURL)
	}
	if patch.Description != nil {
		a.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Strategy != nil {
		s, err := patch.Strategy.Strategy()
		if err != nil {
			return domain.App{}, err
		}
		a.Strategy = s
	}
	if err := a.Validate(); err != nil {
		return domain.App{}, err
	}
	a.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateApp(ctx, a); err != nil {
		return domain.App{}, err
	}
	e.invalidate(old)
	e.invalidate(a)
	e.audit(ctx, events.AppUpdated, a)
	return a, nil
}

// SetActive sets isActive when active is given and toggles it otherwise.
func (e Engine) SetActive(ctx context.Context, id string, active *bool) (domain.App, error) {
	if err := e.authorize(ctx, auth.ActionActivate, id); err != nil {
		return domain.App{}, err
	}
	a, err := e.Store.GetApp(ctx, id)
	if err != nil {
		return domain.App{}, err
	}
	next := !a.IsActive
	if active != nil {
		next = *active
	}
	now := e.now().UTC()
	if err := e.Store.SetActive(ctx, id, next, now); err != nil {
		return domain.App{}, err
	}
	a.IsActive = next
	a.UpdatedAt = now
	evt := events.AppActivated
	if !next {
		evt = events.AppDeactivated
		e.invalidate(a)
	}
	e.audit(ctx, evt, a)
	return a, nil
}

func (e Engine) DeleteApp(ctx context.Context, id string) error {
	if err := e.authorize(ctx, auth.ActionDelete, id); err != nil {
		return err
	}
	a, err := e.Store.GetApp(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Store.DeleteApp(ctx, id); err != nil {
		return err
	}
	e.invalidate(a)
	if e.Liveness != nil {
		if err := e.Liveness.Delete(ctx, id); err != nil {
			e.logger().Warn("engine: liveness delete failed", "app", a.Name, "error", err)
		}
	}
	e.audit(ctx, events.AppDeleted, a)
	e.logger().Info("app deleted", "app", a.Name, "id", a.ID)
	return nil
}

// AuditLog returns registry events, newest first.
func (e Engine) AuditLog(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.authorize(ctx, auth.ActionReadEvents, f.AppID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}

// ActiveApp returns id only when it is active. Inactive apps are hidden
// from loader resolution.
func (e Engine) ActiveApp(ctx context.Context, id string) (domain.App, error) {
	a, err := e.Store.GetApp(ctx, id)
	if err != nil {
		return domain.App{}, err
	}
	if !a.IsActive {
		return domain.App{}, fmt.Errorf("%w: %s", ErrInactive, a.Name)
	}
	return a, nil
}

func (e Engine) audit(ctx context.Context, evtType string, a domain.App) {
	if err := e.Events.Record(ctx, evtType, a, actorOf(ctx)); err != nil {
		e.logger().Warn("engine: audit append failed", "event", evtType, "app", a.Name, "error", err)
	}
}

func (e Engine) invalidate(a domain.App) {
	if e.Loader != nil && a.Strategy != nil {
		e.Loader.Invalidate(a)
	}
}
