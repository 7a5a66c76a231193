package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/llmgate/internal/output"
	"github.com/jmylchreest/llmgate/internal/store"
	"github.com/jmylchreest/llmgate/pkg/metering"
)

var callersCmd = &cobra.Command{
	Use:   "callers",
	Short: "Manage callers and their credit",
	Long: `Callers are the API consumers usage is charged to. A caller with a
credit limit is refused once its remaining balance reaches zero; a caller
without one is recorded but never refused.

Examples:
  llmgate callers set team-a --limit 25 --name "Team A"
  llmgate callers set batch-jobs --unmetered
  llmgate callers show team-a
  llmgate callers list`,
}

var callersSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Create a caller or reset its credit",
	Args:  cobra.ExactArgs(1),
	RunE:  runCallersSet,
}

var callersShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a caller's balance and recent usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runCallersShow,
}

var callersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List callers",
	Args:  cobra.NoArgs,
	RunE:  runCallersList,
}

func init() {
	rootCmd.AddCommand(callersCmd)
	callersCmd.AddCommand(callersSetCmd, callersShowCmd, callersListCmd)

	setFlags := callersSetCmd.Flags()
	setFlags.String("name", "", "display name")
	setFlags.Float64("limit", 0, "credit limit; the remaining balance is reset to it")
	setFlags.Bool("unmetered", false, "record usage without a credit limit")
	callersSetCmd.MarkFlagsMutuallyExclusive("limit", "unmetered")
	callersSetCmd.MarkFlagsOneRequired("limit", "unmetered")

	showFlags := callersShowCmd.Flags()
	showFlags.Int("recent", 10, "number of recent usage records to show (0 = all)")
	showFlags.String("format", "text", "output format: json, jsonl, yaml, text")

	callersListCmd.Flags().String("format", "text", "output format: json, jsonl, yaml, text")
}

func runCallersSet(cmd *cobra.Command, args []string) error {
	var limit *float64
	if unmetered, _ := cmd.Flags().GetBool("unmetered"); !unmetered {
		l, _ := cmd.Flags().GetFloat64("limit")
		if l < 0 {
			return errors.New("limit must not be negative")
		}
		limit = &l
	}
	name, _ := cmd.Flags().GetString("name")

	a, err := openApp(cmd.Context(), cfg, wantParts{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	c, err := a.store.SetCaller(cmd.Context(), args[0], name, limit)
	if err != nil {
		return err
	}
	logInfo("caller %s: limit %s", c.ID, fmtLimit(c.CreditLimit))
	return nil
}

// callerReport is what callers show prints.
type callerReport struct {
	Caller *store.Caller     `json:"caller"`
	Totals store.Totals      `json:"totals"`
	Recent []metering.Record `json:"recent"`
}

func (r callerReport) Header() []string {
	return []string{"WHEN", "MODEL", "INPUT", "OUTPUT", "CACHE READ", "CACHE WRITE", "COST"}
}

func (r callerReport) Rows() [][]string {
	rows := make([][]string, len(r.Recent))
	for i, rec := range r.Recent {
		rows[i] = []string{
			humanize.Time(rec.CreatedAt),
			rec.ModelID,
			humanize.Comma(int64(rec.InputTokens)),
			humanize.Comma(int64(rec.OutputTokens)),
			humanize.Comma(int64(rec.CacheReadTokens)),
			humanize.Comma(int64(rec.CacheWriteTokens)),
			strconv.FormatFloat(rec.Cost, 'f', 6, 64),
		}
	}
	return rows
}

func runCallersShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}
	recent, _ := cmd.Flags().GetInt("recent")

	a, err := openApp(ctx, cfg, wantParts{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	c, err := a.store.Caller(ctx, args[0])
	if err != nil {
		return err
	}
	totals, err := a.store.UsageTotals(ctx, c.ID)
	if err != nil {
		return err
	}
	records, err := a.store.Usage(ctx, c.ID, recent)
	if err != nil {
		return err
	}
	report := callerReport{Caller: c, Totals: totals, Recent: records}

	w, err := output.NewWriter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	if format == output.FormatText {
		summary := "caller " + c.ID
		if c.Name != "" {
			summary += " (" + c.Name + ")"
		}
		lines := []any{
			summary,
			"limit:     " + fmtLimit(c.CreditLimit),
			"remaining: " + fmtLimit(c.Remaining),
			"calls:     " + humanize.Comma(totals.Calls) +
				", tokens in " + humanize.Comma(totals.InputTokens) +
				", out " + humanize.Comma(totals.OutputTokens) +
				", cost " + strconv.FormatFloat(totals.Cost, 'f', 4, 64),
		}
		if err := w.WriteAll(lines); err != nil {
			return err
		}
		if len(records) > 0 {
			if err := w.Write(report); err != nil {
				return err
			}
		}
	} else if err := w.Write(report); err != nil {
		return err
	}
	return w.Close()
}

type callerTable []store.Caller

func (t callerTable) Header() []string {
	return []string{"ID", "NAME", "LIMIT", "REMAINING", "CREATED"}
}

func (t callerTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, c := range t {
		rows[i] = []string{c.ID, c.Name, fmtLimit(c.CreditLimit), fmtLimit(c.Remaining), humanize.Time(c.CreatedAt)}
	}
	return rows
}

func runCallersList(cmd *cobra.Command, _ []string) error {
	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), cfg, wantParts{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	callers, err := a.store.Callers(cmd.Context())
	if err != nil {
		return err
	}

	w, err := output.NewWriter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	if format == output.FormatText {
		err = w.Write(callerTable(callers))
	} else {
		items := make([]any, len(callers))
		for i := range callers {
			items[i] = callers[i]
		}
		err = w.WriteAll(items)
	}
	if err != nil {
		return err
	}
	return w.Close()
}

// fmtLimit renders an optional credit amount.
func fmtLimit(v *float64) string {
	if v == nil {
		return "unmetered"
	}
	return fmt.Sprintf("%.4f", *v)
}
