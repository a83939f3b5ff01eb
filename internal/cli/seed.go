package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/changefeed/internal/migrator"
)

// JobResult is the output of seed and purge.
type JobResult struct {
	Classes   []string           `json:"classes"`
	Migrated  int64              `json:"migrated"`
	Purged    map[string][]int64 `json:"purged"`
	Remaining int                `json:"remaining"`
}

// RenderText implements TextRenderer.
func (r JobResult) RenderText(w io.Writer) error {
	lines := []string{fmt.Sprintf("Classes: %d", len(r.Classes))}
	if r.Migrated > 0 {
		lines = append(lines, fmt.Sprintf("Migrated: %d records", r.Migrated))
	}

	classes := make([]string, 0, len(r.Purged))
	for class := range r.Purged {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		lines = append(lines, fmt.Sprintf("Purged: %d records from %s", len(r.Purged[class]), class))
	}
	lines = append(lines, fmt.Sprintf("Queue size: %d", r.Remaining))
	return writeLines(w, lines...)
}

func newJobResult(report migrator.Report, remaining int) JobResult {
	purged := report.Purged
	if purged == nil {
		purged = map[string][]int64{}
	}
	classes := report.Classes
	if classes == nil {
		classes = []string{}
	}
	return JobResult{
		Classes:   classes,
		Migrated:  report.Migrated,
		Purged:    purged,
		Remaining: remaining,
	}
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Rebuild the publish queue from existing content",
		Long: `Truncate the publish queue and backfill it from the entity tables.

Every included base type is migrated in one set-based insert: versioned
types from their versions table, others from their base table. Records
vetoed by the inclusion policy are purged afterwards.

Examples:
  changefeed seed
  changefeed seed --config ./site.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(rootOpts, cmd, func(ctx context.Context, m *migrator.Migrator) (migrator.Report, error) {
				return m.Seed(ctx)
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [base-class...]",
		Short: "Remove queue rows whose records no longer qualify",
		Long: `Re-evaluate queued records against the inclusion policy and delete the
rows of records that are vetoed. With no arguments every base class is purged.

Examples:
  changefeed purge
  changefeed purge 'App\Assets\File'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(rootOpts, cmd, func(ctx context.Context, m *migrator.Migrator) (migrator.Report, error) {
				if len(args) == 0 {
					return m.PurgeAll(ctx)
				}
				report := migrator.Report{Classes: args, Purged: map[string][]int64{}}
				for _, class := range args {
					ids, err := m.Purge(ctx, class)
					if err != nil {
						return report, err
					}
					if len(ids) > 0 {
						report.Purged[class] = ids
					}
				}
				return report, nil
			})
		},
	}
}

func runJob(opts *RootOptions, cmd *cobra.Command, job func(context.Context, *migrator.Migrator) (migrator.Report, error)) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := commandContext(cmd)
	report, err := job(ctx, a.migrator())
	if err != nil {
		return jobError(fmt.Sprintf("%s failed", cmd.Name()), err)
	}

	remaining, err := a.store.CountItems(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count queue", err)
	}
	return a.formatter(opts, cmd).Success(newJobResult(report, remaining))
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
