package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	app "github.com/turtacn/nl2sql-engine/internal/application/nl2sql"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/dataset"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// EvalResult is the output of the eval command.
type EvalResult struct {
	labelcodec.Metrics
}

func (r EvalResult) TableHeaders() []string { return []string{"Metric", "Value"} }

func (r EvalResult) TableRows() [][]string {
	return [][]string{
		{"questions", strconv.Itoa(r.Total)},
		{"cond_conn_op", formatAccuracy(r.ConnAcc)},
		{"sel+agg", formatAccuracy(r.AggAcc)},
		{"conds (col, op)", formatAccuracy(r.CondsAcc)},
		{"conds col", formatAccuracy(r.CondsColIDAcc)},
		{"conds (col, op, value)", formatAccuracy(r.ValueAcc)},
		{"logic form", formatAccuracy(r.TotalAcc)},
	}
}

// formatAccuracy colors scores by band.
func formatAccuracy(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	switch {
	case v >= 0.8:
		return text.FgGreen.Sprint(s)
	case v >= 0.5:
		return text.FgYellow.Sprint(s)
	default:
		return text.FgRed.Sprint(s)
	}
}

// NewEvalCmd compares predictions with the gold SQL of a labeled set.
func NewEvalCmd() *cobra.Command {
	var (
		in   inputFlags
		pred string
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score predicted SQL records against gold labels",
		Long: "Compare each predicted record with the gold SQL of the question at the same\n" +
			"position. Condition values only count for stage-2 output.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, cliCtx)
			defer cancel()

			files, objects, err := openFiles(ctx, cliCtx.Config, cliCtx.Logger)
			if err != nil {
				return err
			}
			if objects != nil {
				defer objects.Close()
			}

			tables, err := dataset.ReadFile(ctx, files, in.tables, func(r io.Reader) (map[string]*nl2sql.Table, error) {
				return dataset.LoadTables(r, cliCtx.Logger)
			})
			if err != nil {
				return err
			}
			queries, err := dataset.ReadFile(ctx, files, in.questions, func(r io.Reader) ([]*nl2sql.Query, error) {
				return dataset.LoadQueries(r, tables, cliCtx.Logger)
			})
			if err != nil {
				return err
			}
			records, err := dataset.ReadFile(ctx, files, pred, dataset.ReadRecords)
			if err != nil {
				return err
			}

			m, err := app.Evaluate(records, queries)
			if err != nil {
				return err
			}
			return PrintResult(cmd, EvalResult{Metrics: m})
		},
	}

	in.register(cmd)
	cmd.Flags().StringVar(&pred, "pred", "", "predicted SQL records [REQUIRED]")
	_ = cmd.MarkFlagRequired("pred")
	return cmd
}
