package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/neuralcloud/deployd/internal/api/shared/dto"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

// print writes v as indented JSON, or through the table function in table mode
func (p *printer) print(v any, table func(tw *tabwriter.Writer)) error {
	if p.format == outputJSON || table == nil {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func (p *printer) balance(b dto.BalanceResponse) error {
	return p.print(b, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ACCOUNT\t%s\n\n", b.Account)
		fmt.Fprintln(tw, "POOL\tASSET\tBALANCE\tRESERVED")
		writePool(tw, domain.PoolExternal, b.External, b.Reserved[domain.PoolExternal])
		writePool(tw, domain.PoolPlatform, b.Platform, b.Reserved[domain.PoolPlatform])
	})
}

func writePool(tw *tabwriter.Writer, pool domain.Pool, balances, reserved ledger.Balances) {
	assets := slices.Sorted(maps.Keys(balances))
	for _, asset := range assets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", pool, asset, balances[asset].String(), reserved[asset].String())
	}
}

func (p *printer) quote(q dto.QuoteResponse) error {
	return p.print(q, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "METHOD\t%s\n", q.Method)
		fmt.Fprintf(tw, "MONTHLY (USD)\t%s\n", q.USD.StringFixed(2))
		fmt.Fprintf(tw, "AMOUNT\t%s %s\n", q.Amount.String(), q.Asset)
		fmt.Fprintf(tw, "RATE\t%s USD/%s\n", q.Rate.String(), q.Asset)
	})
}

func (p *printer) stats(s deployment.Stats) error {
	return p.print(s, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "TOTAL SERVERS\t%d\n", s.TotalServers)
		fmt.Fprintf(tw, "ACTIVE SERVERS\t%d\n", s.ActiveServers)
		for _, asset := range slices.Sorted(maps.Keys(s.Revenue)) {
			fmt.Fprintf(tw, "REVENUE %s\t%s\n", asset, s.Revenue[asset].String())
		}
	})
}

func (p *printer) task(t deployment.TaskInfo) error {
	return p.print(t, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "TASK\t%s\n", t.ID)
		fmt.Fprintf(tw, "STATE\t%s\n", t.State)
		fmt.Fprintf(tw, "METHOD\t%s\n", t.Method)
		fmt.Fprintf(tw, "AMOUNT\t%s %s\n", t.Amount.String(), t.Asset)
		if t.ServerID != "" {
			fmt.Fprintf(tw, "SERVER\t%s\n", t.ServerID)
		}
		if t.Hash != "" {
			fmt.Fprintf(tw, "HASH\t%s\n", t.Hash)
		}
		if t.Error != "" {
			fmt.Fprintf(tw, "ERROR\t%s\n", t.Error)
		}
	})
}

func (p *printer) servers(servers []registry.Server) error {
	return p.print(servers, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tTYPE\tREGION\tMONTHLY (USD)\tCREATED")
		for _, s := range servers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Name, s.Status, s.Config.Type, s.Config.Region, s.MonthlyCost.StringFixed(2), s.CreatedAt.Format(time.RFC3339))
		}
	})
}

func (p *printer) server(s registry.Server) error {
	return p.print(s, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID\t%s\n", s.ID)
		fmt.Fprintf(tw, "NAME\t%s\n", s.Name)
		fmt.Fprintf(tw, "STATUS\t%s\n", s.Status)
		fmt.Fprintf(tw, "CONFIG\t%s %s, %d cores, %d GB RAM, %d GB disk\n",
			s.Config.Type, s.Config.OS, s.Config.CPUCores, s.Config.RAMGB, s.Config.StorageGB)
		fmt.Fprintf(tw, "PROVIDER\t%s (%s)\n", s.Config.Provider, s.Config.Region)
		fmt.Fprintf(tw, "MONTHLY (USD)\t%s\n", s.MonthlyCost.StringFixed(2))
		fmt.Fprintf(tw, "PAYMENT\t%s\n", s.PaymentTransactionID)
		if s.IPAddress != "" {
			fmt.Fprintf(tw, "IP\t%s\n", s.IPAddress)
		}
	})
}

func (p *printer) transactions(records []txlog.Record) error {
	return p.print(records, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tAMOUNT\tDESCRIPTION\tCREATED")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\t%s\n",
				r.ID, r.Kind, r.Status, r.Amount.String(), r.Asset, r.Description, r.CreatedAt.Format(time.RFC3339))
		}
	})
}

func (p *printer) transaction(r txlog.Record) error {
	return p.print(r, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID\t%s\n", r.ID)
		fmt.Fprintf(tw, "KIND\t%s\n", r.Kind)
		fmt.Fprintf(tw, "STATUS\t%s\n", r.Status)
		fmt.Fprintf(tw, "AMOUNT\t%s %s\n", r.Amount.String(), r.Asset)
		fmt.Fprintf(tw, "DESCRIPTION\t%s\n", r.Description)
		if r.ExternalHash != "" {
			fmt.Fprintf(tw, "HASH\t%s\n", r.ExternalHash)
		}
		if r.Method != "" {
			fmt.Fprintf(tw, "METHOD\t%s\n", r.Method)
		}
		if r.RefundOf != "" {
			fmt.Fprintf(tw, "REFUND OF\t%s\n", r.RefundOf)
		}
		if r.ServerID != "" {
			fmt.Fprintf(tw, "SERVER\t%s\n", r.ServerID)
		}
		if r.FailureReason != "" {
			fmt.Fprintf(tw, "FAILURE\t%s\n", r.FailureReason)
		}
	})
}

func (p *printer) ids(label string, ids ...string) error {
	return p.print(map[string][]string{label: ids}, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, strings.ToUpper(label))
		for _, id := range ids {
			fmt.Fprintln(tw, id)
		}
	})
}

func (p *printer) event(e messaging.Event) error {
	if p.format == outputJSON {
		return json.NewEncoder(p.w).Encode(e)
	}
	line := fmt.Sprintf("%s  %-22s", e.Timestamp.Format(time.RFC3339), e.Type)
	for _, field := range [][2]string{
		{"tx", e.TransactionID}, {"server", e.ServerID}, {"task", e.TaskID}, {"status", e.Status}, {"message", e.Message},
	} {
		if field[1] != "" {
			line += fmt.Sprintf(" %s=%s", field[0], field[1])
		}
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}
