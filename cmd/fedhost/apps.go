package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fedhost/internal/app"
	"fedhost/internal/boundary"
	"fedhost/internal/config"
	"fedhost/internal/domain"
	"fedhost/internal/engine"
	"fedhost/internal/loader"
	"fedhost/internal/repo"
	fedhostsdk "fedhost/sdk/go"
)

func appsCmd() *cobra.Command {
	apps := &cobra.Command{
		Use:   "apps",
		Short: "Manage registered apps on a running host",
		Long:  "Apps are the registry entries a host knows about. These commands talk to a running 'fedhost serve' over its HTTP API (see --server and --token).",
	}
	apps.AddCommand(appsListCmd())
	apps.AddCommand(appsHealthCmd())
	apps.AddCommand(appsGetCmd())
	apps.AddCommand(appsCreateCmd())
	apps.AddCommand(appsRegisterCmd())
	apps.AddCommand(appsUpdateCmd())
	apps.AddCommand(appsActivateCmd())
	apps.AddCommand(appsDeleteCmd())
	apps.AddCommand(appsHeartbeatCmd())
	return apps
}

func appsListCmd() *cobra.Command {
	var healthyOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active apps with their probe result",
		RunE: func(cmd *cobra.Command, args []string) error {
			apps, err := newClient().ListApps(cmd.Context(), healthyOnly)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(apps)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Strategy", "URL", "Healthy", "Last Heartbeat"})
			for _, a := range apps {
				healthy := "-"
				if a.IsHealthy != nil {
					healthy = fmt.Sprint(*a.IsHealthy)
				}
				tw.AppendRow(table.Row{a.ID, a.Name, a.IntegrationStrategy.Type, a.URL, healthy, formatTime(a.LastHeartbeatAt)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&healthyOnly, "healthy-only", false, "only apps whose probe succeeded")
	return cmd
}

func appsHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every active app",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := newClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(results)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "URL", "Healthy", "Checked"})
			for _, r := range results {
				tw.AppendRow(table.Row{r.ID, r.Name, r.URL, r.IsHealthy, r.LastChecked.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	}
}

func appsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newClient().GetApp(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrPretty(a)
		},
	}
}

type strategyFlags struct {
	kind, remoteURL, scope, module, tag, scriptURL string
}

func (f *strategyFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "strategy", "", "integration strategy: remote-module, iframe or web-component")
	cmd.Flags().StringVar(&f.remoteURL, "remote-url", "", "remote entry URL (remote-module)")
	cmd.Flags().StringVar(&f.scope, "scope", "", "container scope (remote-module)")
	cmd.Flags().StringVar(&f.module, "module", "", "exposed module (remote-module)")
	cmd.Flags().StringVar(&f.tag, "tag", "", "custom element tag (web-component)")
	cmd.Flags().StringVar(&f.scriptURL, "script-url", "", "element definition script (web-component)")
}

func (f strategyFlags) strategy() *fedhostsdk.Strategy {
	if f.kind == "" {
		return nil
	}
	return &fedhostsdk.Strategy{Type: f.kind, RemoteURL: f.remoteURL, Scope: f.scope, Module: f.module, TagName: f.tag, ScriptURL: f.scriptURL}
}

func appsCreateCmd() *cobra.Command {
	var in fedhostsdk.AppInput
	var sf strategyFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an app (remote-module unless --strategy says otherwise)",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.IntegrationStrategy = sf.strategy()
			a, err := newClient().CreateApp(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSONOrPretty(a)
		},
	}
	bindAppInput(cmd, &in)
	sf.bind(cmd)
	return cmd
}

func appsRegisterCmd() *cobra.Command {
	var in fedhostsdk.AppInput
	var sf strategyFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an app by name, returning the existing record when the name is taken",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.IntegrationStrategy = sf.strategy()
			a, created, err := newClient().RegisterApp(cmd.Context(), in)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"app": a, "created": created})
			}
			verb := "existing"
			if created {
				verb = "registered"
			}
			fmt.Printf("%s %s (%s)\n", verb, a.Name, a.ID)
			return nil
		},
	}
	bindAppInput(cmd, &in)
	sf.bind(cmd)
	return cmd
}

func bindAppInput(cmd *cobra.Command, in *fedhostsdk.AppInput) {
	cmd.Flags().StringVar(&in.Name, "name", "", "app name")
	cmd.Flags().StringVar(&in.URL, "url", "", "app base URL")
	cmd.Flags().StringVar(&in.IconURL, "icon-url", "", "icon URL")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
}

func appsUpdateCmd() *cobra.Command {
	var name, url, iconURL, description string
	var sf strategyFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an app's descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch fedhostsdk.AppPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("url") {
				patch.URL = &url
			}
			if flags.Changed("icon-url") {
				patch.IconURL = &iconURL
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			patch.IntegrationStrategy = sf.strategy()
			a, err := newClient().UpdateApp(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return printJSONOrPretty(a)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&url, "url", "", "new base URL")
	cmd.Flags().StringVar(&iconURL, "icon-url", "", "new icon URL")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	sf.bind(cmd)
	return cmd
}

func appsActivateCmd() *cobra.Command {
	var on, off bool
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Toggle an app's active flag, or set it with --on/--off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var active *bool
			switch {
			case on && off:
				return fmt.Errorf("--on and --off are mutually exclusive")
			case on:
				active = boolPtr(true)
			case off:
				active = boolPtr(false)
			}
			a, err := newClient().SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			fmt.Printf("%s isActive=%t\n", a.Name, a.IsActive)
			return nil
		},
	}
	cmd.Flags().BoolVar(&on, "on", false, "activate")
	cmd.Flags().BoolVar(&off, "off", false, "deactivate")
	return cmd
}

func appsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Deregister an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteApp(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func appsHeartbeatCmd() *cobra.Command {
	var statusText string
	var meta []string
	cmd := &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Report liveness for an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			hb, err := newClient().Heartbeat(cmd.Context(), args[0], statusText, metadata)
			if err != nil {
				return err
			}
			return printJSONOrPretty(hb)
		},
	}
	cmd.Flags().StringVar(&statusText, "status", "online", "reported status")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func agentCmd() *cobra.Command {
	var in fedhostsdk.AppInput
	var sf strategyFlags
	var interval time.Duration
	var statusText string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register an app and keep sending heartbeats for it",
		Long:  "agent is the sidecar form of self-registration: it registers (or finds) the app by name, then reports a heartbeat every --interval until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.Default()
			c := newClient()
			in.IntegrationStrategy = sf.strategy()
			a, created, err := c.RegisterApp(ctx, in)
			if err != nil {
				return err
			}
			logger.Info("agent registered", "app", a.Name, "id", a.ID, "created", created)
			return runHeartbeats(ctx, c, a.ID, statusText, interval, logger)
		},
	}
	bindAppInput(cmd, &in)
	sf.bind(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "heartbeat interval")
	cmd.Flags().StringVar(&statusText, "status", "online", "reported status")
	return cmd
}

func runHeartbeats(ctx context.Context, c *fedhostsdk.Client, id, statusText string, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Heartbeat(ctx, id, statusText, nil); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("heartbeat failed", "id", id, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func watchCmd() *cobra.Command {
	var appID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print status channel messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Watch(cmd.Context(), appID, func(m fedhostsdk.Message) {
				if viper.GetBool("json") {
					_ = printJSON(m)
					return
				}
				fmt.Printf("%s %-20s %s\n", m.Timestamp.Format(time.RFC3339), m.Event, string(m.Data))
			})
		},
	}
	cmd.Flags().StringVar(&appID, "app", "", "join this app's room instead of the host room")
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Fetch an app descriptor and render what the loader resolves it to",
		Long:  "resolve runs the loader locally with the workspace's loader settings, wrapped in the same fault boundary the compose shell uses, and writes the markup to stdout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(viper.GetString("workspace"), envOverrides)
			if err != nil {
				return err
			}
			remote, err := newClient().GetApp(ctx, args[0])
			if err != nil {
				return err
			}
			a, err := toDomainApp(remote)
			if err != nil {
				return err
			}
			b := boundary.New(loader.New(cfg.Loader, slog.Default()), a, slog.Default())
			if err := b.Render(ctx, os.Stdout); err != nil {
				return err
			}
			fmt.Println()
			if st := b.State(); st.Failed {
				return fmt.Errorf("resolve %s: %w", a.Name, st.Err)
			}
			return nil
		},
	}
}

func toDomainApp(a fedhostsdk.App) (domain.App, error) {
	s := a.IntegrationStrategy
	strategy, err := domain.StrategySpec{Type: s.Type, RemoteURL: s.RemoteURL, Scope: s.Scope, Module: s.Module, TagName: s.TagName, ScriptURL: s.ScriptURL}.Strategy()
	if err != nil {
		return domain.App{}, err
	}
	return domain.App{
		ID:          a.ID,
		Name:        a.Name,
		URL:         a.URL,
		IconURL:     a.IconURL,
		Description: a.Description,
		IsActive:    a.IsActive,
		Strategy:    strategy,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}, nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Registry event log",
		Long:  "The audit trail of registry changes: creations, registrations, updates, activations and deletions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events from the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "App", "Actor"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.AppID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.AppID, "app", "", "app id filter")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), envOverrides)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg, slog.Default()))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
