package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dlqListLimit int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered events",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		records, err := st.DLQList(cmd.Context(), dlqListLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSOURCE\tATTEMPTS\tERROR")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.Type, rec.Source, rec.Attempts, rec.Error)
		}
		return w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <event-id>",
	Short: "Return a dead-lettered event to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		moved, err := st.DLQRetry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("event %s is not in the dead-letter queue", args[0])
		}
		fmt.Printf("event %s requeued\n", args[0])
		return nil
	},
}

var dlqRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Return every dead-lettered event to the pending queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		moved, err := st.DLQRetryAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%d events requeued\n", moved)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 100, "maximum records to list")
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqRetryAllCmd)
}
