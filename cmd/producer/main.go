package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/rollcall/internal/handoff"
	"github.com/dontdude/rollcall/internal/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	server    string
	eventID   string
	file      string
	handoff   bool
	batchSize int
	delayMs   int
	yes       bool
}

func newRootCmd() *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Import a registration list into a rollcall server",
		Long: `Uploads a registration list for preview, confirms the valid rows and
follows the job's progress stream until it ends.

With --handoff the rows are not read from a file. A handoff token is
registered and printed; the rows are picked up once another client
delivers them to that token.`,
		Example: `  # Import a CSV file
  producer --event ev-2026 --file attendees.csv

  # Wait for a browser extension to hand the rows over
  producer --event ev-2026 --handoff --batch 10 --delay 250`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.eventID == "" {
				return errors.New("--event is required")
			}
			if o.file == "" && !o.handoff {
				return errors.New("one of --file or --handoff is required")
			}
			return run(cmd, o)
		},
	}

	cmd.Flags().StringVar(&o.server, "server", "http://localhost:8080", "API server base URL")
	cmd.Flags().StringVar(&o.eventID, "event", "", "Event to import into")
	cmd.Flags().StringVar(&o.file, "file", "", "CSV file with a header row")
	cmd.Flags().BoolVar(&o.handoff, "handoff", false, "Receive rows through a handoff token instead of a file")
	cmd.Flags().IntVar(&o.batchSize, "batch", 0, "Override the batch size (0 keeps the server default)")
	cmd.Flags().IntVar(&o.delayMs, "delay", -1, "Override the delay between batches in ms (-1 keeps the server default)")
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "Start the job even when some rows were rejected")

	return cmd
}

func run(cmd *cobra.Command, o options) error {
	ctx := cmd.Context()
	c := newClient(o.server)

	p, err := obtainPreview(cmd, c, o)
	if err != nil {
		return err
	}

	cmd.Printf("Preview %s: %d rows, %d valid, %d rejected\n",
		p.PreviewID, p.Stats.Total, p.Stats.ValidCount, p.Stats.RejectedCount)
	for _, r := range p.Rejected {
		cmd.Printf("  row %d: %s\n", r.Item.Index+1, r.Reason)
	}
	if p.Stats.ValidCount == 0 {
		cmd.Printf("Nothing to import\n")
		return nil
	}
	if p.Stats.RejectedCount > 0 && !o.yes {
		return errors.New("rows were rejected; fix the file or pass --yes to import the valid rows")
	}

	j, err := c.createJob(ctx, p.PreviewID, o.batchSize, o.delayMs)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	cmd.Printf("Job %s: %d items, batch %d, delay %dms\n", j.JobID, j.Total, j.BatchSize, j.DelayMs)

	feed := stream.NewFeed()
	err = c.follow(ctx, j.StreamURL, func(e stream.Event) error {
		if err := feed.Apply(e); err != nil {
			return err
		}
		if e.Type == stream.TypeProgress {
			live := feed.Live()
			cmd.Printf("  %d/%d  ok=%d failed=%d duplicate=%d\n",
				e.Progress.Processed, e.Progress.Total, live.SuccessCount, live.FailureCount, live.DuplicateCount)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("follow job: %w", err)
	}

	switch feed.State() {
	case stream.StateComplete:
		t, _ := feed.Totals()
		cmd.Printf("Done: ok=%d failed=%d duplicate=%d\n", t.SuccessCount, t.FailureCount, t.DuplicateCount)
		return nil
	case stream.StateErrored:
		processed, total := feed.Progress()
		return fmt.Errorf("job stopped after %d of %d: %s", processed, total, feed.Failure())
	}
	return errors.New("stream ended without a terminal event")
}

func obtainPreview(cmd *cobra.Command, c *client, o options) (preview, error) {
	ctx := cmd.Context()
	if !o.handoff {
		f, err := os.Open(o.file)
		if err != nil {
			return preview{}, err
		}
		defer f.Close()
		return c.previewCSV(ctx, o.eventID, f)
	}

	s, err := c.openSession(ctx)
	if err != nil {
		return preview{}, fmt.Errorf("open handoff session: %w", err)
	}
	cmd.Printf("Handoff token: %s\n", s.Token)
	cmd.Printf("Deliver rows with POST %s/api/handoff/sessions/%s/payload before %s\n",
		c.base, s.Token, s.ExpiresAt.Local().Format(time.Kitchen))

	interval := time.Duration(s.PollIntervalMs) * time.Millisecond
	res, err := handoff.Await(ctx, c, s.Token, interval, time.Until(s.ExpiresAt))
	if err != nil {
		return preview{}, err
	}
	if res.Status == handoff.StatusExpired {
		return preview{}, errors.New("handoff session expired before rows arrived")
	}
	return c.previewRows(ctx, o.eventID, res.Payload)
}
