package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/clipforge/clipforge-agent/internal/db"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/store"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent clip builds from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 || limit > 500 {
				return fmt.Errorf("--limit must be between 1 and 500")
			}
			return runJobs(cmd.Context(), ctx, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of jobs to show")
	return cmd
}

func runJobs(ctx context.Context, cc *commandContext, limit int, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	database, err := db.Open(ctx, cfg.DBPath(), logging.WithComponent(logger, "db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	jobs, err := store.NewRepository(database.Conn()).ListJobs(ctx, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(stdout, "no jobs recorded")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		detail := j.Error
		if j.ErrorKind != "" {
			detail = j.ErrorKind + ": " + detail
		}
		rows = append(rows, []string{
			shortID(j.ID),
			timerange.Range{Start: j.RangeStart, End: j.RangeEnd}.String(),
			j.Status,
			humanize.Time(j.UpdatedAt),
			detail,
		})
	}
	fmt.Fprintln(stdout, renderTable([]string{"Job", "Range", "Status", "Updated", "Error"}, rows, nil))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
