package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedhost/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("app name already registered")
)

// Store is the contract the registry core needs from durable storage.
type Store interface {
	ListApps(ctx context.Context, f AppFilters) ([]domain.App, error)
	GetApp(ctx context.Context, id string) (domain.App, error)
	GetAppByName(ctx context.Context, name string) (domain.App, error)
	InsertApp(ctx context.Context, a domain.App) error
	UpdateApp(ctx context.Context, a domain.App) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	DeleteApp(ctx context.Context, id string) error
}

type AppFilters struct {
	ActiveOnly bool
}

// Repo is the SQLite implementation of Store.
type Repo struct {
	DB *sql.DB
}

var _ Store = Repo{}

const appColumns = `id,name,url,COALESCE(icon_url,''),COALESCE(description,''),is_active,strategy_type,strategy_json,last_heartbeat_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(row rowScanner) (domain.App, error) {
	var (
		a            domain.App
		active       int
		strategyType string
		strategyJSON string
		heartbeat    sql.NullString
		created      string
		updated      string
	)
	err := row.Scan(&a.ID, &a.Name, &a.URL, &a.IconURL, &a.Description, &active, &strategyType, &strategyJSON, &heartbeat, &created, &updated)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.IsActive = active != 0
	var spec domain.StrategySpec
	if err := json.Unmarshal([]byte(strategyJSON), &spec); err != nil {
		return a, fmt.Errorf("decode strategy for app %s: %w", a.ID, err)
	}
	if spec.Type == "" {
		spec.Type = strategyType
	}
	if a.Strategy, err = spec.Strategy(); err != nil {
		return a, fmt.Errorf("app %s: %w", a.ID, err)
	}
	if heartbeat.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, heartbeat.String); err == nil {
			a.LastHeartbeatAt = &ts
		}
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return a, nil
}

func (r Repo) ListApps(ctx context.Context, f AppFilters) ([]domain.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps`
	if f.ActiveOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY name ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetApp(ctx context.Context, id string) (domain.App, error) {
	return scanApp(r.DB.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE id=?`, id))
}

func (r Repo) GetAppByName(ctx context.Context, name string) (domain.App, error) {
	return scanApp(r.DB.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE name=?`, name))
}

func (r Repo) InsertApp(ctx context.Context, a domain.App) error {
	spec, err := json.Marshal(domain.SpecOf(a.Strategy))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO apps(id,name,url,icon_url,description,is_active,strategy_type,strategy_json,last_heartbeat_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.URL, nullable(a.IconURL), nullable(a.Description), boolInt(a.IsActive),
		string(a.Strategy.Kind()), string(spec), nullableTime(a.LastHeartbeatAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return mapConstraint(err)
}

func (r Repo) UpdateApp(ctx context.Context, a domain.App) error {
	spec, err := json.Marshal(domain.SpecOf(a.Strategy))
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE apps SET name=?, url=?, icon_url=?, description=?, is_active=?, strategy_type=?, strategy_json=?, updated_at=? WHERE id=?`,
		a.Name, a.URL, nullable(a.IconURL), nullable(a.Description), boolInt(a.IsActive),
		string(a.Strategy.Kind()), string(spec), formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return mapConstraint(err)
	}
	return requireAffected(res)
}

func (r Repo) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE apps SET is_active=?, updated_at=? WHERE id=?`, boolInt(active), formatTime(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// TouchHeartbeat records liveness only; identity fields are untouched.
func (r Repo) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE apps SET last_heartbeat_at=? WHERE id=?`, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) DeleteApp(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM apps WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed: apps.name") {
		return ErrDuplicateName
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
