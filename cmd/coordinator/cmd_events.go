package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"

	"github.com/spawn-mcp/research-coordinator/pkg/events"
	"github.com/spawn-mcp/research-coordinator/pkg/gcp"
)

var eventsFlags struct {
	subscription string
	sessionID    string
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow run events from a Pub/Sub subscription",
	RunE:  runEvents,
}

func init() {
	f := eventsCmd.Flags()
	f.StringVar(&eventsFlags.subscription, "subscription", "research-status-cli", "Existing subscription on the events topic")
	f.StringVarP(&eventsFlags.sessionID, "session", "s", "", "Only show events for this session")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.ProjectID == "" {
		return fmt.Errorf("events needs project_id or GOOGLE_CLOUD_PROJECT")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := gcp.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	return client.SubscribeToTopic(ctx, eventsFlags.subscription, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()
		var e events.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping malformed event %s: %v\n", msg.ID, err)
			return
		}
		if eventsFlags.sessionID != "" && e.SessionID != eventsFlags.sessionID {
			return
		}
		printEvent(out, e)
	})
}

func printEvent(out io.Writer, e events.Event) {
	line := fmt.Sprintf("%s %-12s %-16s", e.Timestamp.Format("15:04:05"), e.SessionID, e.Type)
	if e.Phase != "" {
		line += fmt.Sprintf(" %s (%d%%)", e.Phase, e.Progress)
	}
	if len(e.Payload) > 0 {
		b, _ := json.Marshal(e.Payload)
		line += " " + string(b)
	}
	fmt.Fprintln(out, line)
}
