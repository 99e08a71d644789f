package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/carechat/internal/api"
	"github.com/matheus3301/carechat/internal/model"
)

func init() {
	rootCmd.AddCommand(statusCmd, pendingCmd, drainCmd, retryCmd, clearCmd, onlineCmd, offlineCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and outbox counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.QueueStatus(ctx)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		})
	},
}

func printStatus(st model.QueueStatus) {
	if jsonFlag {
		outputJSON(st)
		return
	}
	state := "offline"
	if st.IsOnline {
		state = "online"
	}
	fmt.Printf("Connectivity: %s\n", state)
	fmt.Printf("Pending:      %s\n", humanize.Comma(int64(st.PendingCount)))
	fmt.Printf("  queued:     %s\n", humanize.Comma(int64(st.QueuedCount)))
	fmt.Printf("  failed:     %s\n", humanize.Comma(int64(st.FailedCount)))
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued and failed outgoing messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			msgs, err := c.Pending(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msgs)
				return nil
			}
			if len(msgs) == 0 {
				fmt.Println("Outbox is empty.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCONVERSATION\tSTATUS\tRETRIES\tQUEUED\tERROR")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					m.ID, m.ConversationID, m.Status, m.RetryCount,
					humanize.Time(time.UnixMilli(m.EnqueuedAt)), m.LastError)
			}
			return w.Flush()
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Try to send everything queued now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			res, err := c.Drain(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(res)
				return nil
			}
			if res.Skipped {
				fmt.Println("Drain skipped: offline or already draining.")
				return nil
			}
			fmt.Printf("Attempted %d, sent %d, will retry %d, failed %d\n",
				res.Attempted, res.Sent, res.Retried, res.Exhausted)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed messages and drain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			n, err := c.RetryFailed(ctx)
			if err != nil {
				return err
			}
			printCount("requeued", n)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop failed messages from the outbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			n, err := c.ClearFailed(ctx)
			if err != nil {
				return err
			}
			printCount("cleared", n)
			return nil
		})
	},
}

func printCount(verb string, n int) {
	if jsonFlag {
		outputJSON(api.CountResponse{Count: n})
		return
	}
	fmt.Printf("%s %s\n", humanize.Comma(int64(n)), verb)
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Report the network as reachable",
	Args:  cobra.NoArgs,
	RunE:  setOnline(true),
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Report the network as unreachable",
	Args:  cobra.NoArgs,
	RunE:  setOnline(false),
}

func setOnline(online bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.SetOnline(ctx, online)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		})
	}
}
