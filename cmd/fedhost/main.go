package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fedhost/internal/logging"
	fedhostsdk "fedhost/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "fedhost",
	Short: "Federated application host",
	Long: `fedhost keeps a registry of independently deployed applications and hosts them in one shell.
Core concepts:
- Registry: app descriptors (name, url, integration strategy, active flag) stored in the workspace database.
- Integration strategy: how an app is mounted; remote-module (federated container), iframe, or web-component.
- Health: active apps are probed over HTTP; apps may also push heartbeats.
- Status channel: a websocket where the host broadcasts status changes and apps exchange messages.
- Loader: resolves a descriptor into something mountable, with retries and a shared cache.
- Event log: audit trail of registry changes, view with 'fedhost log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.New(viper.GetString("log-format"), viper.GetString("log-level"), os.Stderr)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FEDHOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-format", "text", "log format (text or json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("server", "http://127.0.0.1:8080", "host URL for client commands")
	flags.String("base-path", "/api", "API base path for client commands")
	flags.String("token", "", "bearer token for client commands")
	for _, name := range []string{"workspace", "json", "log-format", "log-level", "server", "base-path", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(appsCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(logCmd())
}

// --- helpers ---

func newClient() *fedhostsdk.Client {
	c := fedhostsdk.New(viper.GetString("server"))
	c.BasePath = viper.GetString("base-path")
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrPretty(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func boolPtr(b bool) *bool { return &b }
