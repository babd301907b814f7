package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jetstream-labeler/internal/models"
)

func TestNewRecordKeysBySubject(t *testing.T) {
	action := models.ActionRecord{
		ID:         "6f1c0b8e-3c5e-4a0b-9a57-5d1c1b7a2f10",
		Kind:       "label",
		SubjectURI: "at://did:plc:a/app.bsky.feed.post/3l3qo2vutsw2b",
		SubjectCID: "bafyrei",
		Label:      "spoiler",
		Rule:       "spoiler",
		Success:    true,
		Timestamp:  time.Date(2024, 9, 9, 19, 46, 2, 0, time.UTC),
	}

	r, err := newRecord("moderation-actions", action)
	require.NoError(t, err)
	assert.Equal(t, "moderation-actions", r.Topic)
	assert.Equal(t, action.SubjectURI, string(r.Key))
	require.Len(t, r.Headers, 1)
	assert.Equal(t, "label", string(r.Headers[0].Value))

	var decoded models.ActionRecord
	require.NoError(t, json.Unmarshal(r.Value, &decoded))
	assert.Equal(t, action, decoded)
}

// Needs a broker: KAFKA_BROKERS=localhost:9092 go test ./pkg/kafka
func TestSinkRoundTrip(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topic := "audit-test-" + uuid.NewString()
	sink, err := NewSink(ctx, strings.Split(brokers, ","), topic)
	require.NoError(t, err)
	defer sink.Close()

	want := models.ActionRecord{ID: uuid.NewString(), Kind: "acknowledge", SubjectURI: "at://did:plc:a/app.bsky.feed.post/1", Success: true}
	require.NoError(t, sink.Publish(ctx, want))

	reader, err := NewReader(ctx, strings.Split(brokers, ","), topic, "")
	require.NoError(t, err)
	defer reader.Close()

	readCtx, stop := context.WithCancel(ctx)
	got := make(chan models.ActionRecord, 1)
	go reader.Read(readCtx, func(a models.ActionRecord) {
		select {
		case got <- a:
		default:
		}
		stop()
	})

	select {
	case a := <-got:
		assert.Equal(t, want.ID, a.ID)
		assert.Equal(t, want.Kind, a.Kind)
	case <-ctx.Done():
		t.Fatal("audit record not read back")
	}
}
