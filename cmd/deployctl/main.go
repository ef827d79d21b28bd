package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/client"
	"github.com/neuralcloud/deployd/internal/config"
	"github.com/neuralcloud/deployd/internal/logger"
)

type globalOptions struct {
	configFile string
	envPath    string
	serverURL  string
	apiKey     string
	account    string
	output     string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	app := &app{opts: opts}

	root := &cobra.Command{
		Use:           "deployctl",
		Short:         "Command line client for the deployd API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to configuration file")
	flags.StringVar(&opts.envPath, "env", "config/", "Path to environment files")
	flags.StringVar(&opts.serverURL, "server", "", "deployd base URL (overrides config)")
	flags.StringVar(&opts.apiKey, "api-key", "", "API key (overrides config)")
	flags.StringVar(&opts.account, "account", "", "Account address (overrides config)")
	flags.StringVarP(&opts.output, "output", "o", outputTable, "Output format: table or json")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		app.healthCommand(),
		app.regionsCommand(),
		app.quoteCommand(),
		app.balanceCommand(),
		app.depositCommand(),
		app.creditsCommand(),
		app.statsCommand(),
		app.deployCommand(),
		app.deploymentCommand(),
		app.serversCommand(),
		app.transactionsCommand(),
		app.confirmCommand(),
		app.eventsCommand(),
	)
	return root
}

// app carries the state shared by every command
type app struct {
	opts   *globalOptions
	client *client.Client
	out    *printer
}

func (a *app) init(cmd *cobra.Command) error {
	if a.opts.output != outputTable && a.opts.output != outputJSON {
		return fmt.Errorf("unknown output format %q", a.opts.output)
	}

	cfg, err := config.LoadCtlConfig(a.opts.configFile, a.opts.envPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.opts.serverURL != "" {
		cfg.ServerURL = a.opts.serverURL
	}
	if a.opts.apiKey != "" {
		cfg.APIKey = a.opts.apiKey
	}
	if a.opts.account != "" {
		cfg.Account = a.opts.account
	}

	// The logger stays a no-op unless debugging
	if a.opts.debug || cfg.Debug {
		if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	a.client = client.New(client.Config{
		ServerURL: cfg.ServerURL,
		APIKey:    cfg.APIKey,
		Account:   cfg.Account,
		Timeout:   cfg.Timeout,
	}, adapter.NewJSON())
	a.out = newPrinter(cmd.OutOrStdout(), a.opts.output)
	return nil
}
