package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/server"
	"github.com/roach88/changefeed/internal/store"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Stage string
	Kind  string
	Limit int
}

// QueueOutput lists queue rows newest first.
type QueueOutput struct {
	Total int               `json:"total"`
	Items []model.QueueItem `json:"items"`
}

// RenderText implements TextRenderer.
func (o QueueOutput) RenderText(w io.Writer) error {
	lines := []string{fmt.Sprintf("%d of %d queued changes", len(o.Items), o.Total)}
	for _, it := range o.Items {
		lines = append(lines, fmt.Sprintf("  #%d %s %-7s %-5s %s#%d %s",
			it.ID, it.CreatedAt.UTC().Format("2006-01-02 15:04:05"), it.Kind, it.Stage,
			it.EntityType, it.EntityID, it.IdentityHash))
	}
	return writeLines(w, lines...)
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List publish queue rows",
		Long: `List publish queue rows, newest first.

Examples:
  changefeed queue
  changefeed queue --stage Live --kind DELETED --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Stage, "stage", "", "only rows of this stage")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only rows of this kind (UPDATED|DELETED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum rows (0 for all)")

	return cmd
}

func runQueue(opts *QueueOptions, cmd *cobra.Command) error {
	filter := store.ListFilter{Limit: opts.Limit}
	if opts.Stage != "" {
		stage, err := server.ParseStage(opts.Stage)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --stage", err)
		}
		filter.Stage = stage
	}
	switch model.EventKind(opts.Kind) {
	case "":
	case model.EventUpdated, model.EventDeleted:
		filter.Kind = model.EventKind(opts.Kind)
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --kind %q: must be UPDATED or DELETED", opts.Kind))
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := commandContext(cmd)
	items, err := a.store.ListItems(ctx, filter)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list queue", err)
	}
	total, err := a.store.CountItems(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count queue", err)
	}
	return a.formatter(opts.RootOptions, cmd).Success(QueueOutput{Total: total, Items: items})
}

// HistoryOutput lists publish events newest first.
type HistoryOutput struct {
	Events []HistoryEntry `json:"events"`
}

// HistoryEntry is a publish event with its rendered duration.
type HistoryEntry struct {
	model.PublishEvent
	Duration string `json:"duration"`
}

// RenderText implements TextRenderer.
func (o HistoryOutput) RenderText(w io.Writer) error {
	if len(o.Events) == 0 {
		return writeLines(w, "No publish events")
	}
	lines := make([]string, 0, len(o.Events))
	for _, ev := range o.Events {
		lines = append(lines, fmt.Sprintf("#%d %s %-7s %d items in %s",
			ev.ID, ev.CreatedAt.UTC().Format("2006-01-02 15:04:05"), ev.Status, ev.ItemCount, ev.Duration))
	}
	return writeLines(w, lines...)
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List publish events",
		Long: `List publish events newest first, with their status, the number of queue
rows they wrote and how long they took.

Examples:
  changefeed history --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			events, err := a.store.PublishEvents(commandContext(cmd), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list publish events", err)
			}
			out := HistoryOutput{Events: make([]HistoryEntry, 0, len(events))}
			for _, ev := range events {
				out.Events = append(out.Events, HistoryEntry{PublishEvent: ev, Duration: ev.NiceDuration()})
			}
			return a.formatter(rootOpts, cmd).Success(out)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events (0 for all)")
	return cmd
}
