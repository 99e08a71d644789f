package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/matheus3301/carechat/internal/api"
	"github.com/matheus3301/carechat/internal/model"
)

var (
	asFlag     string
	toFlag     string
	pageFlag   int
	limitFlag  int
	olderFlag  string
	newerFlag  string
	clientFlag string

	convLimitFlag int
	offsetFlag    int
)

func init() {
	sendCmd.Flags().StringVar(&asFlag, "as", "", "sender user id")
	sendCmd.Flags().StringVar(&toFlag, "to", "", "recipient user id")
	sendCmd.Flags().StringVar(&clientFlag, "client-id", "", "idempotency id (default: random)")
	_ = sendCmd.MarkFlagRequired("as")
	_ = sendCmd.MarkFlagRequired("to")

	messagesCmd.Flags().IntVar(&pageFlag, "page", 0, "page index, newest first")
	messagesCmd.Flags().IntVar(&limitFlag, "limit", 0, "page size (default: daemon setting)")
	messagesCmd.Flags().StringVar(&olderFlag, "older", "", "list messages older than this message id")
	messagesCmd.Flags().StringVar(&newerFlag, "newer", "", "list messages newer than this message id")
	messagesCmd.MarkFlagsMutuallyExclusive("older", "newer")

	for _, c := range []*cobra.Command{ackCmd, readCmd, deleteCmd, conversationsCmd, followCmd} {
		c.Flags().StringVar(&asFlag, "as", "", "acting user id")
		_ = c.MarkFlagRequired("as")
	}
	conversationsCmd.Flags().IntVar(&convLimitFlag, "limit", 50, "max conversations")
	conversationsCmd.Flags().IntVar(&offsetFlag, "offset", 0, "conversations to skip")

	rootCmd.AddCommand(sendCmd, messagesCmd, ackCmd, readCmd, deleteCmd, conversationsCmd, watchCmd, followCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send --as <sender> --to <recipient> <text...>",
	Short: "Send a message, queueing it when offline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := clientFlag
		if id == "" {
			id = uuid.NewString()
		}
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			res, err := c.Send(ctx, api.SendRequest{
				SenderID:    asFlag,
				RecipientID: toFlag,
				Body:        strings.Join(args, " "),
				ClientID:    id,
			})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(res)
				return nil
			}
			fmt.Printf("%s %s in %s\n", res.ID, res.Status, res.ConversationID)
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "List a conversation's history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			var (
				msgs []model.Message
				err  error
			)
			switch {
			case olderFlag != "":
				msgs, err = c.GetOlder(ctx, conv, olderFlag, limitFlag)
			case newerFlag != "":
				msgs, err = c.GetNewer(ctx, conv, newerFlag, limitFlag)
			default:
				msgs, err = c.GetMessages(ctx, conv, pageFlag, limitFlag)
			}
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msgs)
				return nil
			}
			printMessages(msgs)
			return nil
		})
	},
}

func printMessages(msgs []model.Message) {
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFROM\tSTATUS\tWHEN\tBODY")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.SenderID, m.Status, humanize.Time(time.UnixMilli(m.Timestamp)), messageText(m))
	}
	_ = w.Flush()
}

func messageText(m model.Message) string {
	if m.Deleted {
		return "(deleted)"
	}
	body := m.Body
	if n := len(m.Attachments); n > 0 {
		body = strings.TrimSpace(fmt.Sprintf("%s [%d attachment(s)]", body, n))
	}
	return body
}

var ackCmd = &cobra.Command{
	Use:   "ack <conversation> <message-id> --as <reader>",
	Short: "Mark one message as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			changed, err := c.Acknowledge(ctx, args[0], args[1], asFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(api.AckResponse{Changed: changed})
				return nil
			}
			if changed {
				fmt.Println("Marked as read.")
			} else {
				fmt.Println("Already read.")
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation> --as <reader>",
	Short: "Mark every message addressed to the reader as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			n, err := c.MarkAllRead(ctx, args[0], asFlag)
			if err != nil {
				return err
			}
			printCount("marked read", n)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation> <message-id> --as <author>",
	Short: "Delete a message you sent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			if err := c.DeleteMessage(ctx, args[0], args[1], asFlag); err != nil {
				return err
			}
			if !jsonFlag {
				fmt.Println("Deleted.")
			}
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations --as <viewer>",
	Short: "List conversations with unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return unary(cmd, func(ctx context.Context, c *api.Client) error {
			convs, err := c.ListConversations(ctx, asFlag, convLimitFlag, offsetFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(convs)
				return nil
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "CONVERSATION\tUNREAD\tLAST\tPREVIEW")
			for _, cv := range convs {
				last := "never"
				if cv.LastMessageAt > 0 {
					last = humanize.Time(time.UnixMilli(cv.LastMessageAt))
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", cv.ID, cv.Unread, last, cv.LastMessagePreview)
			}
			return w.Flush()
		})
	},
}

// streamContext ends on SIGINT or SIGTERM.
func streamContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events, optionally filtered by kind prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ns string
		if len(args) == 1 {
			ns = args[0]
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := streamContext(cmd)
		defer stop()
		err = c.WatchEvents(ctx, ns, func(evt *api.Event) error {
			if jsonFlag {
				outputJSON(evt)
				return nil
			}
			ts := time.UnixMilli(evt.OccurredAt).Format("15:04:05.000")
			fmt.Printf("%s  %-22s %s %s\n", ts, evt.Kind, evt.ConversationID, evt.MessageID)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <conversation> --as <viewer>",
	Short: "Stream new and changed messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := streamContext(cmd)
		defer stop()
		err = c.Subscribe(ctx, args[0], asFlag, func(m *model.Message) error {
			if jsonFlag {
				outputJSON(m)
				return nil
			}
			fmt.Printf("%s  %-10s %-9s %s\n", m.ID, m.SenderID, m.Status, messageText(*m))
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}
