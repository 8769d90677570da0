// Package cmd defines the CLI commands for the signup-sentinel executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/campaign"
	"github.com/JakeFAU/signup-sentinel/internal/config"
	"github.com/JakeFAU/signup-sentinel/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const (
	appKey    appKeyType = "app"
	configKey appKeyType = "config"
)

// App is the application surface the commands use. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	RunCampaign(ctx context.Context, req campaign.Request) campaign.Outcome
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "signup-sentinel",
		Short: "Discovers registration requirements from public signup pages.",
		Long: `signup-sentinel fetches signup pages under a compliance gate, extracts
their registration fields with an AI model and escalates campaigns it cannot
resolve to a manual backup queue.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			cmd.SetContext(context.WithValue(ctx, appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
				return fmt.Errorf("close application: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDiscoverCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) config.Config {
	cfg, _ := ctx.Value(configKey).(config.Config)
	return cfg
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
		os.Exit(1)
	}
}
