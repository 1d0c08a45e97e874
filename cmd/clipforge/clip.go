package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/bulk"
	"github.com/clipforge/clipforge-agent/internal/export"
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/session"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

type clipFlags struct {
	spans       []string
	final       bool
	noPreview   bool
	watermark   string
	bundle      bool
	concurrency int
	outDir      string
	edl         bool
}

func newClipCommand(ctx *commandContext) *cobra.Command {
	var flags clipFlags

	cmd := &cobra.Command{
		Use:   "clip <video>",
		Short: "Build clips from a local video without running the agent",
		Example: `  clipforge clip talk.mp4 -s 0:05-0:20 -s 1:10-1:45 --final --out ./clips
  clipforge clip talk.mp4 -s 12-30 --bundle --watermark @me`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(flags.spans) == 0 {
				return fmt.Errorf("at least one --segment is required")
			}
			if len(flags.spans) > segment.MaxSegments {
				return fmt.Errorf("at most %d segments are allowed", segment.MaxSegments)
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runClip(runCtx, ctx, args[0], flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringArrayVarP(&flags.spans, "segment", "s", nil, "Segment as start-end, e.g. 0:05-0:20 (repeatable)")
	cmd.Flags().BoolVar(&flags.final, "final", false, "Also render the 1080p output")
	cmd.Flags().BoolVar(&flags.noPreview, "no-preview", false, "Skip the 480p preview")
	cmd.Flags().StringVar(&flags.watermark, "watermark", "", "Burn this watermark text into the clips")
	cmd.Flags().BoolVar(&flags.bundle, "bundle", false, "Package the finished clips into a zip")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "Maximum concurrent builds (default from config)")
	cmd.Flags().StringVarP(&flags.outDir, "out", "o", "", "Copy finished clips into this directory")
	cmd.Flags().BoolVar(&flags.edl, "edl", false, "Also write an EDL of the segments into --out")
	return cmd
}

func runClip(ctx context.Context, cc *commandContext, video string, flags clipFlags, stdout, stderr io.Writer) error {
	var outDir string
	if flags.outDir != "" {
		dir, err := export.ResolveOutputDir(flags.outDir)
		if err != nil {
			return err
		}
		outDir = dir
	} else if flags.edl {
		return fmt.Errorf("--edl requires --out")
	}

	rt, err := cc.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer rt.close()
	sess := rt.session

	if err := sess.SelectAsset(video); err != nil {
		return err
	}

	opts := sess.Options()
	opts.Preview = !flags.noPreview
	opts.Final = flags.final || flags.noPreview
	if flags.watermark != "" {
		opts.Watermark = true
		opts.WatermarkText = flags.watermark
	}
	if _, err := sess.SetOptions(opts); err != nil {
		return err
	}

	for _, span := range flags.spans {
		r, err := timerange.ParseSpan(span)
		if err != nil {
			return fmt.Errorf("segment %q: %w", span, err)
		}
		if _, err := sess.AddSegment(timerange.FormatSeconds(r.Start), timerange.FormatSeconds(r.End), ""); err != nil {
			return err
		}
	}

	batch, err := sess.BuildAll(session.BuildAllRequest{MaxConcurrency: flags.concurrency, Bundle: flags.bundle})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sess.CancelAll()
	}()

	for o := range batch.Outcomes() {
		if seg, ok := sess.Segment(o.SegmentID); ok {
			fmt.Fprintf(stderr, "%s %s\n", seg.Range, o.State)
		}
	}
	res, err := batch.Wait(context.Background())
	if err != nil {
		return err
	}

	rows, failed, err := clipRows(sess, res, outDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, renderTable(
		[]string{"Segment", "State", "Output", "Size", "File"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))

	if res.Bundle != nil {
		name := export.BundleFileName(res.BatchID)
		path := res.Bundle.Handle.LocalPath()
		if outDir != "" {
			if path, err = export.CopyArtifact(res.Bundle.Handle, outDir, name); err != nil {
				return err
			}
		}
		fmt.Fprintf(stdout, "bundle: %s (%s)\n", path, humanize.Bytes(uint64(res.Bundle.Handle.Size())))
	} else if res.BundleErr != nil {
		fmt.Fprintf(stdout, "bundle failed: %v\n", res.BundleErr)
	}

	if flags.edl {
		asset, _ := sess.Asset()
		path, err := export.WriteEDL(outDir, export.DefaultProjectName, export.ClipsFromSegments(sess.Segments(), asset), export.DefaultFrameRate)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "edl: %s\n", path)
	}

	if res.Cancelled {
		return apperr.Cancelled("build clips")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d clips failed", failed, len(res.Outcomes))
	}
	return nil
}

func clipRows(sess *session.Session, res bulk.Result, outDir string) ([][]string, int, error) {
	var rows [][]string
	failed := 0
	for _, o := range res.Outcomes {
		seg, _ := sess.Segment(o.SegmentID)
		if o.State != segment.StateReady {
			failed++
			msg := string(o.State)
			if info := apperr.Describe(o.Err); info != nil {
				msg = string(info.Kind) + ": " + info.Message
			}
			rows = append(rows, []string{seg.Range.String(), string(o.State), "-", "-", msg})
			continue
		}
		for _, h := range []*artifact.Handle{o.Preview, o.Final} {
			if h == nil {
				continue
			}
			path := h.LocalPath()
			if outDir != "" {
				var err error
				if path, err = export.CopyArtifact(h, outDir, export.ArtifactFileName(seg.Range, h.Kind())); err != nil {
					return nil, failed, err
				}
			}
			rows = append(rows, []string{
				seg.Range.String(),
				string(o.State),
				string(h.Kind()),
				humanize.Bytes(uint64(h.Size())),
				shortPath(path),
			})
		}
	}
	return rows, failed, nil
}

func shortPath(path string) string {
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
