package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/postgres"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// schemaMigrator is the part of postgres.Migrator the commands use.
type schemaMigrator interface {
	Up(ctx context.Context) error
	Rollback(ctx context.Context, steps int) error
	Status(ctx context.Context) (version uint, dirty bool, err error)
	Force(ctx context.Context, version int) error
}

var newMigrator = func(cliCtx *CLIContext) (schemaMigrator, error) {
	if !cliCtx.Config.Postgres.Enabled {
		return nil, errors.New(errors.ErrCodeValidation, "postgres is not enabled in the configuration")
	}
	return postgres.NewMigrator(cliCtx.Config.Postgres.PostgresConfig, cliCtx.Logger), nil
}

// MigrationStatus is the output of migrate status.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func (s MigrationStatus) String() string {
	if s.Dirty {
		return fmt.Sprintf("version %d (dirty)", s.Version)
	}
	return fmt.Sprintf("version %d", s.Version)
}

// NewMigrateCmd manages the prediction schema.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL prediction schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd, func(ctx context.Context, m schemaMigrator) error {
					if err := m.Up(ctx); err != nil {
						return err
					}
					PrintSuccess(cmd, "schema is up to date")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations, one by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return errors.Newf(errors.ErrCodeValidation, "steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}
				return withMigrator(cmd, func(ctx context.Context, m schemaMigrator) error {
					if err := m.Rollback(ctx, steps); err != nil {
						return err
					}
					PrintSuccess(cmd, fmt.Sprintf("rolled back %d migration(s)", steps))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd, func(ctx context.Context, m schemaMigrator) error {
					version, dirty, err := m.Status(ctx)
					if err != nil {
						return err
					}
					return PrintResult(cmd, MigrationStatus{Version: version, Dirty: dirty})
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Mark a version as applied to recover from a dirty state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return errors.Newf(errors.ErrCodeValidation, "version must be an integer, got %q", args[0])
				}
				return withMigrator(cmd, func(ctx context.Context, m schemaMigrator) error {
					if err := m.Force(ctx, version); err != nil {
						return err
					}
					PrintSuccess(cmd, fmt.Sprintf("forced version %d", version))
					return nil
				})
			},
		},
	)
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m schemaMigrator) error) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	m, err := newMigrator(cliCtx)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd, cliCtx)
	defer cancel()
	return fn(ctx, m)
}
