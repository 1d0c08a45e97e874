package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/clipforge/clipforge-agent/internal/segment"
)

func newSuggestCommand(ctx *commandContext) *cobra.Command {
	var maxCount int
	var showTranscript bool

	cmd := &cobra.Command{
		Use:   "suggest <video>",
		Short: "Transcribe a video and propose clip-worthy moments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runSuggest(runCtx, ctx, args[0], maxCount, showTranscript, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().IntVarP(&maxCount, "max", "n", segment.MaxSegments, "Maximum number of suggestions")
	cmd.Flags().BoolVar(&showTranscript, "transcript", false, "Print the transcript before the suggestions")
	return cmd
}

func runSuggest(ctx context.Context, cc *commandContext, video string, maxCount int, showTranscript bool, stdout, stderr io.Writer) error {
	rt, err := cc.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer rt.close()
	sess := rt.session

	if err := sess.SelectAsset(video); err != nil {
		return err
	}
	fmt.Fprintln(stderr, "transcribing...")
	tr, err := sess.Transcribe(ctx)
	if err != nil {
		return err
	}
	if showTranscript {
		fmt.Fprintln(stdout, tr.Text)
		fmt.Fprintln(stdout)
	}

	segs, err := sess.Suggest(ctx, maxCount)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(segs))
	for i, s := range segs {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			s.Range.String(),
			fmt.Sprintf("%ds", s.Range.End-s.Range.Start),
			s.Label,
		})
	}
	fmt.Fprintln(stdout, renderTable(
		[]string{"#", "Range", "Length", "Why"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
	))
	return nil
}
