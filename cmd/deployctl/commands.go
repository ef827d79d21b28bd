package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/neuralcloud/deployd/internal/api/shared/dto"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// serverFlags binds the configuration flags shared by quote and deploy
type serverFlags struct {
	typ       string
	os        string
	cpu       int
	ram       int
	storage   int
	bandwidth int
	gpuType   string
	gpuCount  int
	provider  string
	region    string
	method    string
	asset     string
}

func (f *serverFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.typ, "type", string(domain.ServerTypeCPU), "Server type: cpu or gpu")
	flags.StringVar(&f.os, "os", "ubuntu", "Operating system image")
	flags.IntVar(&f.cpu, "cpu", 2, "CPU cores")
	flags.IntVar(&f.ram, "ram", 4, "RAM in GB")
	flags.IntVar(&f.storage, "storage", 50, "Storage in GB")
	flags.IntVar(&f.bandwidth, "bandwidth", 0, "Bandwidth in Mbps")
	flags.StringVar(&f.gpuType, "gpu-type", "", "GPU model")
	flags.IntVar(&f.gpuCount, "gpus", 0, "Number of GPUs")
	flags.StringVar(&f.provider, "provider", string(domain.ProviderAkash), "Infrastructure provider")
	flags.StringVar(&f.region, "region", "us-east-1", "Deployment region")
	flags.StringVar(&f.method, "method", string(domain.PaymentMethodPlatform), "Payment method: platform or onchain")
	flags.StringVar(&f.asset, "asset", "USDC", "Payment asset")
}

func (f *serverFlags) config() domain.ServerConfig {
	return domain.ServerConfig{
		Type:          domain.ServerType(f.typ),
		OS:            f.os,
		CPUCores:      f.cpu,
		RAMGB:         f.ram,
		StorageGB:     f.storage,
		BandwidthMbps: f.bandwidth,
		GPUType:       f.gpuType,
		GPUCount:      f.gpuCount,
		Provider:      domain.Provider(f.provider),
		Region:        f.region,
	}
}

func (a *app) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := a.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.print(health, nil)
		},
	}
}

func (a *app) regionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List deployable regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			regions, err := a.client.Regions(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.ids("regions", regions...)
		},
	}
}

func (a *app) quoteCommand() *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a server configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			quote, err := a.client.Quote(cmd.Context(), f.config(), domain.PaymentMethod(f.method), domain.Asset(strings.ToUpper(f.asset)))
			if err != nil {
				return err
			}
			return a.out.quote(quote)
		},
	}
	f.bind(cmd)
	return cmd
}

func (a *app) balanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the account balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			balance, err := a.client.Balance(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.balance(balance)
		},
	}
}

func (a *app) depositCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <amount> <asset>",
		Short: "Move funds from the external wallet to the platform balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			id, err := a.client.Deposit(cmd.Context(), domain.Asset(strings.ToUpper(args[1])), amount)
			if err != nil {
				return err
			}
			return a.out.ids("transactions", id)
		},
	}
}

func (a *app) creditsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "credits",
		Short: "Claim the promotional platform credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.client.GrantCredits(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.ids("transactions", ids...)
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show revenue and server counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.stats(stats)
		},
	}
}

func (a *app) deployCommand() *cobra.Command {
	var (
		f    serverFlags
		name string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Pay for and deploy a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			task, err := a.client.Deploy(cmd.Context(), dto.DeployRequest{
				Name:   name,
				Config: f.config(),
				Method: domain.PaymentMethod(f.method),
				Asset:  strings.ToUpper(f.asset),
			}, wait)
			if err != nil {
				return err
			}
			return a.out.task(task)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Server name (generated when empty)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "How long to wait for an on-chain payment to settle, e.g. 20s")
	return cmd
}

func (a *app) deploymentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Inspect or cancel deployments",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <task-id>",
			Short: "Show a deployment task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				task, err := a.client.Deployment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.out.task(task)
			},
		},
		&cobra.Command{
			Use:   "cancel <task-id>",
			Short: "Abandon a pending on-chain deployment",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				task, err := a.client.CancelDeployment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.out.task(task)
			},
		},
	)
	return cmd
}

func (a *app) serversCommand() *cobra.Command {
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List servers, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			servers, err := a.client.Servers(cmd.Context(), domain.ServerStatus(status))
			if err != nil {
				return err
			}
			return a.out.servers(servers)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only list servers in this status")

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage servers",
	}
	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "get <server-id>",
			Short: "Show a server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				server, err := a.client.Server(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.out.server(server)
			},
		},
		&cobra.Command{
			Use:   "set-status <server-id> <status>",
			Short: "Change the lifecycle status of a server",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				server, err := a.client.SetServerStatus(cmd.Context(), args[0], domain.ServerStatus(args[1]))
				if err != nil {
					return err
				}
				return a.out.server(server)
			},
		},
	)
	return cmd
}

func (a *app) transactionsCommand() *cobra.Command {
	var (
		status string
		kind   string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := a.client.Transactions(cmd.Context(), txlog.Filter{
				Status: domain.TransactionStatus(status),
				Kind:   domain.TransactionKind(kind),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return a.out.transactions(records)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only list transactions in this status")
	list.Flags().StringVar(&kind, "kind", "", "Only list transactions of this kind")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum number of transactions (server default when 0)")

	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "Inspect the transaction log",
	}
	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "get <transaction-id>",
			Short: "Show a transaction",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				record, err := a.client.Transaction(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.out.transaction(record)
			},
		},
	)
	return cmd
}

func (a *app) confirmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <transaction-id> <confirmed|failed>",
		Short: "Report the outcome of an on-chain payment (operators only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := domain.Outcome(args[1])
			if !outcome.Valid() {
				return fmt.Errorf("outcome must be %q or %q", domain.OutcomeConfirmed, domain.OutcomeFailed)
			}
			if err := a.client.ConfirmPayment(cmd.Context(), args[0], outcome); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "payment %s reported %s\n", args[0], outcome)
			return nil
		},
	}
}

func (a *app) eventsCommand() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the change events of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.client.StreamEvents(cmd.Context(), func(event messaging.Event) error {
				if len(types) > 0 && !slices.Contains(types, string(event.Type)) {
					return nil
				}
				return a.out.event(event)
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only print events of these types")
	return cmd
}
