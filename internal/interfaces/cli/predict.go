package cli

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/dataset"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/hypothesis"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// inputFlags locate a question set and the tables it refers to. Paths may be
// local files or s3:// URIs.
type inputFlags struct {
	tables    string
	questions string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tables, "tables", "", "table records, one JSON object per line [REQUIRED]")
	cmd.Flags().StringVar(&f.questions, "questions", "", "question records, one JSON object per line [REQUIRED]")
	_ = cmd.MarkFlagRequired("tables")
	_ = cmd.MarkFlagRequired("questions")
}

func (f *inputFlags) load(ctx context.Context, e *engine) ([]*nl2sql.Query, error) {
	tables, err := dataset.ReadFile(ctx, e.files, f.tables, func(r io.Reader) (map[string]*nl2sql.Table, error) {
		return dataset.LoadTables(r, e.logger)
	})
	if err != nil {
		return nil, err
	}
	return dataset.ReadFile(ctx, e.files, f.questions, func(r io.Reader) ([]*nl2sql.Query, error) {
		return dataset.LoadQueries(r, tables, e.logger)
	})
}

// withEngine runs fn with an engine built from the command's config.
func withEngine(cmd *cobra.Command, opts engineOptions, fn func(ctx context.Context, cliCtx *CLIContext, e *engine) error) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd, cliCtx)
	defer cancel()

	e, err := newEngine(ctx, cliCtx.Config, cliCtx.Logger, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	defer e.logInferenceStats()
	return fn(ctx, cliCtx, e)
}

func writeRecords(ctx context.Context, e *engine, uri string, records []nl2sql.SQLRecord) error {
	return e.files.WriteFile(ctx, uri, func(w io.Writer) error {
		return dataset.WriteRecords(w, records)
	})
}

// publish hands records to the result sinks and reports the run id.
func publish(ctx context.Context, cmd *cobra.Command, e *engine, stage string, records []nl2sql.SQLRecord) error {
	batch, err := e.pipeline.Publish(ctx, stage, records)
	if err != nil {
		return err
	}
	PrintSuccess(cmd, "published run "+batch.RunID)
	return nil
}

// ---------------------------------------------------------------------------
// mine
// ---------------------------------------------------------------------------

// ColumnCandidates lists the mined values of one column.
type ColumnCandidates struct {
	Column int      `json:"column"`
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// QueryCandidates lists the non-empty columns of one question.
type QueryCandidates struct {
	QueryID int                `json:"query_id"`
	TableID string             `json:"table_id"`
	Columns []ColumnCandidates `json:"columns"`
}

// MineResult is the output of the mine command.
type MineResult struct {
	Queries []QueryCandidates `json:"queries"`
}

func (r MineResult) TableHeaders() []string {
	return []string{"Query", "Table", "Column", "Name", "Values"}
}

func (r MineResult) TableRows() [][]string {
	var rows [][]string
	for _, q := range r.Queries {
		for _, c := range q.Columns {
			rows = append(rows, []string{
				strconv.Itoa(q.QueryID), q.TableID, strconv.Itoa(c.Column), c.Name, strings.Join(c.Values, ", "),
			})
		}
	}
	return rows
}

// NewMineCmd prints the candidate condition values of every question.
func NewMineCmd() *cobra.Command {
	var (
		in    inputFlags
		query int
	)

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Print the candidate condition values of each question",
		Long: "Mine candidate values from each question's text and its table's columns, the\n" +
			"values stage 2 turns into condition hypotheses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, engineOptions{}, func(ctx context.Context, _ *CLIContext, e *engine) error {
				queries, err := in.load(ctx, e)
				if err != nil {
					return err
				}
				if query >= len(queries) {
					return errors.Newf(errors.ErrCodeValidation, "--query %d is out of range, %d questions loaded", query, len(queries))
				}

				var result MineResult
				for _, q := range queries {
					if q.Table == nil || (query >= 0 && q.ID != query) {
						continue
					}
					values, err := e.pipeline.Stage2().Candidates(ctx, q)
					if err != nil {
						return err
					}
					qc := QueryCandidates{QueryID: q.ID, TableID: q.Table.ID, Columns: []ColumnCandidates{}}
					for col, vs := range values {
						if len(vs) == 0 {
							continue
						}
						qc.Columns = append(qc.Columns, ColumnCandidates{Column: col, Name: q.Table.Header[col].Name, Values: vs})
					}
					result.Queries = append(result.Queries, qc)
				}
				return PrintResult(cmd, result)
			})
		},
	}

	in.register(cmd)
	cmd.Flags().IntVar(&query, "query", -1, "only mine the question at this position")
	return cmd
}

// ---------------------------------------------------------------------------
// pairs
// ---------------------------------------------------------------------------

// NewPairsCmd dumps condition hypotheses as JSON lines.
func NewPairsCmd() *cobra.Command {
	var (
		in     inputFlags
		stage1 string
		out    string
		scores string
		train  bool
		seed   int64
	)

	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Dump the (question, condition) hypotheses of stage 2",
		Long: "Generate the condition hypotheses stage 2 scores. With --train, hypotheses\n" +
			"are labeled against the gold SQL and negatives are down-sampled. Otherwise the\n" +
			"condition columns come from --stage1, or the gold SQL, or every column.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if train && stage1 != "" {
				return errors.New(errors.ErrCodeValidation, "--train and --stage1 are mutually exclusive")
			}
			if train && scores != "" {
				return errors.New(errors.ErrCodeValidation, "--scores is only available for inference pairs")
			}
			return withEngine(cmd, engineOptions{seed: seed}, func(ctx context.Context, cliCtx *CLIContext, e *engine) error {
				queries, err := in.load(ctx, e)
				if err != nil {
					return err
				}

				var hs []hypothesis.ConditionHypothesis
				if train {
					hs, err = e.pipeline.Stage2().TrainingPairs(ctx, queries)
				} else {
					var structure []nl2sql.SQLRecord
					if stage1 != "" {
						if structure, err = dataset.ReadFile(ctx, e.files, stage1, dataset.ReadRecords); err != nil {
							return err
						}
					}
					hs, err = e.pipeline.Stage2().Hypotheses(ctx, queries, structure)
				}
				if err != nil {
					return err
				}

				if err := e.files.WriteFile(ctx, out, func(w io.Writer) error {
					return dataset.WriteJSONL(w, hs)
				}); err != nil {
					return err
				}
				cliCtx.Logger.Info("hypotheses written", logging.String("uri", out), logging.Count("pairs", len(hs)))

				if scores != "" {
					probs, err := e.pipeline.Stage2().Score(ctx, hs)
					if err != nil {
						return err
					}
					if err := e.files.WriteFile(ctx, scores, func(w io.Writer) error {
						return dataset.WriteJSONL(w, probs)
					}); err != nil {
						return err
					}
				}
				PrintSuccess(cmd, strconv.Itoa(len(hs))+" hypotheses written to "+out)
				return nil
			})
		},
	}

	in.register(cmd)
	cmd.Flags().StringVar(&stage1, "stage1", "", "stage-1 records choosing the condition columns")
	cmd.Flags().StringVar(&out, "out", "", "output path for the hypotheses [REQUIRED]")
	cmd.Flags().StringVar(&scores, "scores", "", "also score the hypotheses and write one probability per line here")
	cmd.Flags().BoolVar(&train, "train", false, "emit labeled training pairs")
	cmd.Flags().Int64Var(&seed, "seed", 0, "negative sampling seed, 0 for random")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// ---------------------------------------------------------------------------
// stage1
// ---------------------------------------------------------------------------

// NewStage1Cmd predicts the query structure of every question.
func NewStage1Cmd() *cobra.Command {
	var (
		in       inputFlags
		out      string
		examples string
		doPub    bool
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "stage1",
		Short: "Predict select, aggregate and condition-operator structure",
		Long: "Score every question with the structure model and write one SQL record per\n" +
			"question; conditions are [column, op] pairs. With --examples, encode labeled\n" +
			"questions as training examples instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (out == "") == (examples == "") {
				return errors.New(errors.ErrCodeValidation, "exactly one of --out and --examples is required")
			}
			if examples != "" && doPub {
				return errors.New(errors.ErrCodeValidation, "--publish needs --out")
			}
			return withEngine(cmd, engineOptions{publish: doPub, seed: seed}, func(ctx context.Context, _ *CLIContext, e *engine) error {
				queries, err := in.load(ctx, e)
				if err != nil {
					return err
				}

				if examples != "" {
					exs, err := e.pipeline.Stage1().TrainingExamples(ctx, queries)
					if err != nil {
						return err
					}
					if err := e.files.WriteFile(ctx, examples, func(w io.Writer) error {
						return dataset.WriteJSONL(w, exs)
					}); err != nil {
						return err
					}
					PrintSuccess(cmd, strconv.Itoa(len(exs))+" training examples written to "+examples)
					return nil
				}

				records, err := e.pipeline.Stage1().Predict(ctx, queries)
				if err != nil {
					return err
				}
				if err := writeRecords(ctx, e, out, records); err != nil {
					return err
				}
				PrintSuccess(cmd, strconv.Itoa(len(records))+" records written to "+out)
				if doPub {
					return publish(ctx, cmd, e, nl2sql.StageStructure, records)
				}
				return nil
			})
		},
	}

	in.register(cmd)
	cmd.Flags().StringVar(&out, "out", "", "output path for the stage-1 records")
	cmd.Flags().StringVar(&examples, "examples", "", "output path for encoded training examples")
	cmd.Flags().BoolVar(&doPub, "publish", false, "also send the records to the configured result sinks")
	cmd.Flags().Int64Var(&seed, "seed", 0, "header shuffle seed, 0 for random")
	return cmd
}

// ---------------------------------------------------------------------------
// stage2
// ---------------------------------------------------------------------------

// NewStage2Cmd fills in condition values and writes the final SQL.
func NewStage2Cmd() *cobra.Command {
	var (
		in     inputFlags
		stage1 string
		out    string
		doPub  bool
	)

	cmd := &cobra.Command{
		Use:   "stage2",
		Short: "Predict condition values and write the final SQL",
		Long: "Mine candidates for the condition columns, score every hypothesis with the\n" +
			"pair model and keep those above the merge threshold. Without --stage1, stage 1\n" +
			"runs first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, engineOptions{publish: doPub}, func(ctx context.Context, _ *CLIContext, e *engine) error {
				queries, err := in.load(ctx, e)
				if err != nil {
					return err
				}

				var structure []nl2sql.SQLRecord
				if stage1 != "" {
					structure, err = dataset.ReadFile(ctx, e.files, stage1, dataset.ReadRecords)
				} else {
					structure, err = e.pipeline.Stage1().Predict(ctx, queries)
				}
				if err != nil {
					return err
				}

				records, err := e.pipeline.Stage2().Predict(ctx, queries, structure)
				if err != nil {
					return err
				}
				if err := writeRecords(ctx, e, out, records); err != nil {
					return err
				}
				PrintSuccess(cmd, strconv.Itoa(len(records))+" records written to "+out)
				if doPub {
					return publish(ctx, cmd, e, nl2sql.StageConditions, records)
				}
				return nil
			})
		},
	}

	in.register(cmd)
	cmd.Flags().StringVar(&stage1, "stage1", "", "stage-1 records; predicted when omitted")
	cmd.Flags().StringVar(&out, "out", "", "output path for the final records [REQUIRED]")
	cmd.Flags().BoolVar(&doPub, "publish", false, "also send the records to the configured result sinks")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// ---------------------------------------------------------------------------
// merge
// ---------------------------------------------------------------------------

// NewMergeCmd merges externally computed pair scores into stage-1 records.
func NewMergeCmd() *cobra.Command {
	var (
		in        inputFlags
		stage1    string
		scores    string
		out       string
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge hypothesis scores into stage-1 records",
		Long: "Regenerate the inference hypotheses for --stage1, pair them line by line with\n" +
			"--scores and keep every condition scoring above the threshold.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, engineOptions{}, func(ctx context.Context, cliCtx *CLIContext, e *engine) error {
				queries, err := in.load(ctx, e)
				if err != nil {
					return err
				}
				structure, err := dataset.ReadFile(ctx, e.files, stage1, dataset.ReadRecords)
				if err != nil {
					return err
				}
				if len(structure) != len(queries) {
					return errors.Newf(errors.ErrCodeLengthMismatch, "%d stage-1 records for %d questions", len(structure), len(queries))
				}
				probs, err := dataset.ReadFile(ctx, e.files, scores, dataset.ReadScores)
				if err != nil {
					return err
				}
				hs, err := e.pipeline.Stage2().Hypotheses(ctx, queries, structure)
				if err != nil {
					return err
				}

				if !cmd.Flags().Changed("threshold") {
					threshold = cliCtx.Config.Pipeline.MergeThreshold
				}
				merged, err := hypothesis.Merge(hs, probs, threshold)
				if err != nil {
					return err
				}
				records := hypothesis.ApplyConditions(structure, merged)
				if err := writeRecords(ctx, e, out, records); err != nil {
					return err
				}
				PrintSuccess(cmd, strconv.Itoa(len(records))+" records written to "+out)
				return nil
			})
		},
	}

	in.register(cmd)
	cmd.Flags().StringVar(&stage1, "stage1", "", "stage-1 records [REQUIRED]")
	cmd.Flags().StringVar(&scores, "scores", "", "one probability per hypothesis line [REQUIRED]")
	cmd.Flags().StringVar(&out, "out", "", "output path for the merged records [REQUIRED]")
	cmd.Flags().Float64Var(&threshold, "threshold", hypothesis.DefaultThreshold, "acceptance threshold, defaults to pipeline.merge_threshold")
	_ = cmd.MarkFlagRequired("stage1")
	_ = cmd.MarkFlagRequired("scores")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
