package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fedhost/internal/app"
	"fedhost/internal/auth"
	"fedhost/internal/config"
	"fedhost/internal/db"
	"fedhost/internal/engine"
	"fedhost/internal/liveness"
	"fedhost/internal/loader"
	"fedhost/internal/server"
	"fedhost/internal/status"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the host API, status channel and compose shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.Default()
			conn, cfg, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), envOverrides)
			if err != nil {
				return err
			}
			defer conn.Close()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}

			e := engine.New(conn, cfg, logger)
			var rdb *redis.Client
			if cfg.Redis.Addr != "" && (cfg.Liveness.Backend == "redis" || cfg.Status.Backplane == "redis") {
				rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
				defer rdb.Close()
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
				}
			}
			if cfg.Liveness.Backend == "redis" {
				e.Liveness = &liveness.RedisStore{Client: rdb, TTL: cfg.Liveness.TTL.AsDuration()}
			}
			if cfg.Status.Backplane == "redis" {
				e.Hub.UseBackplane(status.NewRedisBackplane(rdb, cfg.Status.Channel, logger))
			}
			decider, err := newDecider(cfg)
			if err != nil {
				return err
			}
			e.Decider = decider
			l := loader.New(cfg.Loader, logger)
			e.Loader = l

			seeded, err := app.SeedApps(ctx, e, cfg.Apps)
			if err != nil {
				return err
			}
			if n := len(seeded.Created) + len(seeded.Updated); n > 0 {
				logger.Info("seeded apps from config", "created", seeded.Created, "updated", seeded.Updated)
			}

			handler, err := server.New(server.Config{
				Engine:     e,
				Loader:     l,
				BasePath:   cfg.Server.BasePath,
				Auth:       server.AuthConfig{Verifier: auth.Verifier{Secret: cfg.Auth.JWTSecret}, Logger: logger},
				SendBuffer: cfg.Status.SendBuffer,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := e.Hub.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("status backplane stopped", "error", err)
				}
			}()
			go e.Monitor(runCtx, cfg.Health.Interval.AsDuration())
			server.StartWebhookDispatcher(runCtx, e.Hub, cfg.Webhooks, logger)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-runCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving fedhost on http://%s%s (OpenAPI at %s/openapi.json, status channel at %s/status)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "api-base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// envOverrides lets deployments keep secrets out of fedhost.yml.
func envOverrides(c *config.Config) {
	if v := os.Getenv("FEDHOST_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("FEDHOST_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FEDHOST_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("FEDHOST_POLICY_URL"); v != "" {
		c.Auth.Policy.URL = v
	}
}

func newDecider(cfg *config.Config) (auth.Decider, error) {
	switch cfg.Auth.Policy.Mode {
	case "", "open":
		return auth.Open{}, nil
	case "authenticated":
		return auth.Authenticated{}, nil
	case "remote":
		return auth.NewHTTPDecider(cfg.Auth.Policy.URL, cfg.Auth.Policy.Timeout.AsDuration()), nil
	default:
		return nil, fmt.Errorf("unknown policy mode %q", cfg.Auth.Policy.Mode)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default fedhost.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing fedhost.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect host config",
		Long:  "Config is fedhost.yml in the workspace: listen address, auth, health probing, liveness and status backends, loader retry policy, webhooks and seed apps.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"), envOverrides)
			if err != nil {
				return err
			}
			return printJSONOrPretty(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate fedhost.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(file)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default: workspace fedhost.yml)")
	return cmd
}
