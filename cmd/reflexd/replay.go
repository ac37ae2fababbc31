package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/reflex/internal/schema"
)

var (
	replayStart string
	replayEnd   string
	replayTypes string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print historical events in timestamp order without redelivering them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		start, err := time.Parse(time.RFC3339, replayStart)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
		var end time.Time
		if replayEnd != "" {
			end, err = time.Parse(time.RFC3339, replayEnd)
			if err != nil {
				return fmt.Errorf("parse --end: %w", err)
			}
		}
		var kinds []string
		if replayTypes != "" {
			kinds = strings.Split(replayTypes, ",")
		}

		st, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		count := 0
		err = st.Replay(cmd.Context(), start, end, kinds, func(evt schema.Event) error {
			raw, err := schema.Encode(evt)
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(append(raw, '\n')); err != nil {
				return err
			}
			count++
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "replayed %d events\n", count)
		return nil
	},
}

var requeueOlderThan time.Duration

var requeueStuckCmd = &cobra.Command{
	Use:   "requeue-stuck",
	Short: "Return events stuck in processing to the pending queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		moved, err := st.RequeueStuck(cmd.Context(), requeueOlderThan)
		if err != nil {
			return err
		}
		fmt.Printf("%d stuck events requeued\n", moved)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayStart, "start", "", "replay window start (RFC3339, required)")
	replayCmd.Flags().StringVar(&replayEnd, "end", "", "replay window end (RFC3339, open when omitted)")
	replayCmd.Flags().StringVar(&replayTypes, "types", "", "comma-separated event kinds to include")
	_ = replayCmd.MarkFlagRequired("start")
	requeueStuckCmd.Flags().DurationVar(&requeueOlderThan, "older-than", 5*time.Minute, "minimum time in processing before an event counts as stuck")
}
