package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/changefeed/internal/resolver"
	"github.com/roach88/changefeed/internal/server"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Stage string
	Since string
	Limit int
	Token string
	All   bool
}

// SyncOutput is one or more sync pages.
type SyncOutput struct {
	Pages []*resolver.Result `json:"pages"`
}

// RenderText implements TextRenderer.
func (o SyncOutput) RenderText(w io.Writer) error {
	var lines []string
	for i, p := range o.Pages {
		next := "-"
		if p.NextCursor != nil {
			next = *p.NextCursor
		}
		lines = append(lines, fmt.Sprintf("Page %d: total %d, %d updates, %d deletes, next %s",
			i+1, p.TotalCount, len(p.Updates), len(p.Deletes), next))
		for _, u := range p.Updates {
			lines = append(lines, fmt.Sprintf("  UPDATED %s#%d %s", u.TypeName, u.LegacyID, u.IdentityHash))
		}
		for _, h := range p.Deletes {
			lines = append(lines, "  DELETED "+h)
		}
	}
	return writeLines(w, lines...)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Preview the changes a builder would receive",
		Long: `Run a sync against the publish queue and print the page.

--since accepts RFC 3339, "YYYY-MM-DD HH:MM:SS" or unix seconds.
With --all every page is fetched by following the next cursor.

Examples:
  changefeed sync --stage Live
  changefeed sync --stage Stage --since 1700000000 --limit 50 --all`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Stage, "stage", "", "stage to sync: Stage, Live or ALL (required)")
	_ = cmd.MarkFlagRequired("stage")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only changes recorded after this time")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (0 uses the configured default)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "offset token of a previous page")
	cmd.Flags().BoolVar(&opts.All, "all", false, "follow next cursors until the window is exhausted")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	stage, err := server.ParseStage(opts.Stage)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --stage", err)
	}
	since, err := server.ParseSince(opts.Since)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --since", err)
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := commandContext(cmd)
	res := a.resolver()
	req := resolver.Request{Stage: stage, Since: since, Limit: opts.Limit, OffsetToken: opts.Token}

	out := SyncOutput{Pages: []*resolver.Result{}}
	for {
		page, err := res.Sync(ctx, req)
		if err != nil {
			return jobError("sync failed", err)
		}
		out.Pages = append(out.Pages, page)
		if !opts.All || page.NextCursor == nil {
			break
		}
		req.OffsetToken = *page.NextCursor
	}
	return a.formatter(opts.RootOptions, cmd).Success(out)
}
