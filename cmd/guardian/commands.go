package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/config"
	"OpenGuardian/internal/journal"
	"OpenGuardian/sdk/go/openguardian"

	"github.com/urfave/cli/v2"
)

func journalCommand() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "列出最近的反应记录",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "返回的记录数"},
			&cli.StringSliceFlag{Name: "status", Usage: "按状态过滤，可重复"},
			&cli.StringFlag{Name: "channel", Usage: "按通道过滤"},
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "按拍卖 ID、错误或交易哈希模糊匹配"},
			&cli.StringFlag{Name: "api", Usage: "通过运行中守护者的状态 API 查询，例如 http://127.0.0.1:8080", EnvVars: []string{config.EnvPrefix + "API_URL"}},
			&cli.StringFlag{Name: "token", Usage: "状态 API 的访问令牌", EnvVars: []string{config.EnvPrefix + "API_TOKEN"}},
		},
		Action: func(c *cli.Context) error {
			if c.String("api") != "" {
				records, err := remoteRecords(c)
				if err != nil {
					return err
				}
				return printRecords(c.App.Writer, records)
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := journal.Open(c.Context, cfg.Journal)
			if err != nil {
				return err
			}
			defer store.Close()

			var statuses []journal.Status
			for _, s := range c.StringSlice("status") {
				statuses = append(statuses, journal.Status(strings.ToLower(s)))
			}
			records, err := store.List(c.Context, journal.NewListOptions(
				journal.WithLimit(c.Int("limit")),
				journal.WithStatuses(statuses...),
				journal.WithGuardian(cfg.Guardian.Name),
				journal.WithChannel(c.String("channel")),
				journal.WithQuery(c.String("query")),
			))
			if err != nil {
				return err
			}
			return printRecords(c.App.Writer, records)
		},
	}
}

func remoteRecords(c *cli.Context) ([]*journal.Record, error) {
	client, err := openguardian.NewClient(c.String("api"), nil)
	if err != nil {
		return nil, err
	}
	client.SetAccessToken(c.String("token"))
	remote, err := client.ListJournal(c.Context, openguardian.Query{
		Limit:    c.Int("limit"),
		Statuses: c.StringSlice("status"),
		Channel:  c.String("channel"),
		Search:   c.String("query"),
	})
	if err != nil {
		return nil, err
	}
	out := make([]*journal.Record, 0, len(remote))
	for _, r := range remote {
		out = append(out, &journal.Record{
			ID:        r.ID,
			Guardian:  r.Guardian,
			Channel:   r.Channel,
			Subject:   r.Subject,
			Seq:       r.Seq,
			Status:    journal.Status(r.Status),
			Attempts:  r.Attempts,
			LastError: r.LastError,
			ErrorCode: r.ErrorCode,
			TxHash:    r.TxHash,
			Detail:    r.Detail,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func printRecords(w io.Writer, records []*journal.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UPDATED\tCHANNEL\tAUCTION\tSTATUS\tATTEMPTS\tTX\tERROR")
	for _, r := range records {
		errText := r.ErrorCode
		if errText == "" {
			errText = "-"
		}
		tx := r.TxHash
		if tx == "" {
			tx = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			time.Unix(r.UpdatedAt, 0).Format(time.RFC3339),
			r.Channel, r.Subject, r.Status, r.Attempts, tx, errText)
	}
	return tw.Flush()
}

func paramsCommand() *cli.Command {
	return &cli.Command{
		Name:  "params",
		Usage: "打印合约目录中事件文档解析出的参数名",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "network", Usage: "只打印指定网络"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			return printParams(c.App.Writer, cfg, filepath.Dir(c.String("config")), c.String("network"))
		},
	}
}

func printParams(w io.Writer, cfg *config.Config, baseDir, only string) error {
	names := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		if only == "" || name == only {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("网络 %q 未配置", only)
	}
	sort.Strings(names)

	for _, name := range names {
		catalog, err := cfg.Networks[name].Catalog(baseDir)
		if err != nil {
			return err
		}
		events := make([]string, 0, len(catalog.Events))
		for event := range catalog.Events {
			events = append(events, event)
		}
		sort.Strings(events)

		fmt.Fprintf(w, "%s:\n", name)
		for _, event := range events {
			params := chain.EventParams(catalog.Docs(event))
			if len(params) == 0 {
				fmt.Fprintf(w, "  %s: (无参数文档)\n", event)
				continue
			}
			fmt.Fprintf(w, "  %s: %s\n", event, strings.Join(params, ", "))
		}
	}
	return nil
}
