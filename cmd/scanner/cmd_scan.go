package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/config"
	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/core/scanner"
	"triangular-arbitrage-scanner/internal/core/store"
	"triangular-arbitrage-scanner/internal/core/validator"
	"triangular-arbitrage-scanner/internal/exchange/binance"
	"triangular-arbitrage-scanner/internal/output/display"
	"triangular-arbitrage-scanner/internal/util/fastparse"
)

var scanOnceCmd = &cobra.Command{
	Use:   "scan-once",
	Short: "基于 REST 最优挂单快照执行一次搜索",
	Long: `通过 /api/v3/ticker/bookTicker 拉取全市场最优挂单，执行一次三角循环搜索，
按收益率降序打印候选机会。可选对前 N 个候选做深度校验。

Examples:
  scanner scan-once
  scanner scan-once --top 5 --validate`,
	RunE: runScanOnce,
}

var (
	scanTop      int
	scanValidate bool
	scanTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(scanOnceCmd)

	scanOnceCmd.Flags().IntVar(&scanTop, "top", 20, "最多输出的候选数（<=0 不限）")
	scanOnceCmd.Flags().BoolVar(&scanValidate, "validate", false, "对输出的候选执行深度校验")
	scanOnceCmd.Flags().DurationVar(&scanTimeout, "timeout", 30*time.Second, "整体超时")
}

func runScanOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()

	return scanOnce(ctx, cfg, scanOnceOptions{Top: scanTop, Validate: scanValidate}, cmd.OutOrStdout(), logger)
}

type scanOnceOptions struct {
	// Top 最多输出的候选数（<=0 不限）
	Top int
	// Validate 是否深度校验
	Validate bool
}

// scanOnce 拉取最优挂单快照、搜索并输出表格
func scanOnce(ctx context.Context, cfg *config.Config, opts scanOnceOptions, out io.Writer, logger *zap.Logger) error {
	rest := binance.NewRESTClient(&cfg.Depth, nil, logger)

	tickers, err := rest.BookTickers(ctx)
	if err != nil {
		return err
	}

	quotes := store.New()
	var skipped int
	for _, t := range tickers {
		ask, errA := fastparse.ParsePrice(t.AskPrice)
		bid, errB := fastparse.ParsePrice(t.BidPrice)
		if errA != nil || errB != nil {
			skipped++
			continue
		}
		if err := quotes.Update(t.Symbol, ask, bid); err != nil {
			skipped++
		}
	}

	start := time.Now()
	candidates := scanner.Search(quotes.Snapshot(start), scanner.Params{
		ReferenceAsset: cfg.Scanner.ReferenceAsset,
		FeePercent:     cfg.Scanner.Fee(),
	})
	elapsed := time.Since(start)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ProfitPercent > candidates[j].ProfitPercent
	})
	if opts.Top > 0 && len(candidates) > opts.Top {
		candidates = candidates[:opts.Top]
	}

	var v *validator.Validator
	if opts.Validate {
		v = validator.New(quotes, rest, cfg.Depth.Levels, nil, logger)
	}
	formatter := display.NewFormatter(cfg.Display)

	fmt.Fprintf(out, "交易对 %d（跳过 %d），候选 %d，搜索耗时 %s\n\n", quotes.Len(), skipped, len(candidates), elapsed.Round(time.Microsecond))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tPROFIT%\tASK(A)\tASK(B)\tBID(C)\tSTATUS\tLIQUIDITY")
	for _, c := range candidates {
		entry := model.LedgerEntry{Key: c.Key(), Candidate: c, Status: model.StatusMismatch}
		status := "-"
		if v != nil {
			entry.Validation = v.Validate(ctx, c)
			entry.Status = model.StatusOf(entry.Validation)
		}
		row := formatter.Row(entry, true)
		liquidity := "-"
		if v != nil {
			status = row.Status
			liquidity = fmt.Sprintf("%s/%s/%s", row.Liquidity[0], row.Liquidity[1], row.Liquidity[2])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Key, row.ProfitPercent,
			fastparse.FormatFloat(c.Prices[0], -1), fastparse.FormatFloat(c.Prices[1], -1), fastparse.FormatFloat(c.Prices[2], -1),
			status, liquidity)
	}
	return tw.Flush()
}
