// ws_client tails the firehose (or the moderation audit topic) and prints
// what it sees. It is a debugging aid; it never writes checkpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/kafka"
	"jetstream-labeler/pkg/websocket"
)

func main() {
	url := flag.String("url", "wss://jetstream1.us-west.bsky.network/subscribe", "Jetstream subscribe endpoint")
	collections := flag.String("collections", models.CollectionPost, "Comma-separated wantedCollections")
	cursor := flag.Int64("cursor", 0, "Resume position (time_us); 0 tails live")
	commitsOnly := flag.Bool("commits", true, "Only print commit events")
	audit := flag.String("audit", "", "Comma-separated Kafka brokers; tail the audit topic instead of the firehose")
	topic := flag.String("topic", "moderation-actions", "Audit topic")
	flag.Parse()

	logging.Init(logging.Config{Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	if *audit != "" {
		err = tailAudit(ctx, strings.Split(*audit, ","), *topic)
	} else {
		err = tailFirehose(ctx, *url, strings.Split(*collections, ","), *cursor, *commitsOnly)
	}
	if err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("tail stopped")
		os.Exit(1)
	}
}

func tailFirehose(ctx context.Context, url string, collections []string, cursor int64, commitsOnly bool) error {
	dialer := websocket.NewDialer(websocket.Config{URL: url, WantedCollections: collections})

	var from *int64
	if cursor > 0 {
		from = &cursor
	}
	logging.Info().Str("url", url).Strs("collections", collections).Msg("connecting")

	events, err := dialer.Dial(ctx, from)
	if err != nil {
		return err
	}
	defer events.Close()

	for {
		evt, err := events.Next()
		if err != nil {
			return err
		}
		if evt.Commit == nil {
			if !commitsOnly {
				fmt.Printf("%d %s %s\n", evt.Sequence, evt.Kind, evt.SubjectID)
			}
			continue
		}

		c := evt.Commit
		line := fmt.Sprintf("%d %s %s", evt.Sequence, c.Operation, c.URI(evt.SubjectID))
		if c.Record != nil {
			if text := c.Record.Text(); text != "" {
				line += fmt.Sprintf(" %q", text)
			}
			if tags := c.Record.Tags(); len(tags) > 0 {
				line += " #" + strings.Join(tags, " #")
			}
		}
		fmt.Println(line)
	}
}

func tailAudit(ctx context.Context, brokers []string, topic string) error {
	reader, err := kafka.NewReader(ctx, brokers, topic, "")
	if err != nil {
		return err
	}
	defer reader.Close()

	logging.Info().Strs("brokers", brokers).Str("topic", topic).Msg("reading audit topic")
	return reader.Read(ctx, func(a models.ActionRecord) {
		status := "ok"
		if !a.Success {
			status = "FAILED " + a.Error
		}
		fmt.Printf("%s %-12s %-10s %s %s\n", a.Timestamp.Format("15:04:05"), a.Kind, a.Label, a.SubjectURI, status)
	})
}
