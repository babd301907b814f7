package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// firehoseServer upgrades each connection, records the request query and
// writes frames then closes.
func firehoseServer(t *testing.T, frames []string, queries chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if queries != nil {
			queries <- r.URL.RawQuery
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe"
}

func TestSubscribeURL(t *testing.T) {
	cursor := int64(1725911162329308)

	d := NewDialer(Config{
		URL:               "wss://jetstream.example/subscribe",
		WantedCollections: []string{"app.bsky.feed.post", "app.bsky.feed.repost"},
	})
	u, err := d.SubscribeURL(&cursor)
	require.NoError(t, err)
	assert.Equal(t, "wss://jetstream.example/subscribe?cursor=1725911162329308&wantedCollections=app.bsky.feed.post&wantedCollections=app.bsky.feed.repost", u)

	u, err = d.SubscribeURL(nil)
	require.NoError(t, err)
	assert.NotContains(t, u, "cursor")

	override := NewDialer(Config{
		URL:               "wss://jetstream.example/subscribe",
		OverrideURL:       "ws://localhost:6008/subscribe",
		WantedCollections: []string{"app.bsky.feed.post"},
	})
	u, err = override.SubscribeURL(&cursor)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:6008/subscribe?cursor=1725911162329308", u)
}

func TestStreamSkipsInvalidFramesAndEndsOnTransportError(t *testing.T) {
	queries := make(chan string, 1)
	srv := firehoseServer(t, []string{
		`{"did":"did:plc:a","time_us":1,"kind":"identity"}`,
		`garbage`,
		postFrame,
	}, queries)

	var invalid int
	d := NewDialer(Config{
		URL:       wsURL(srv),
		OnInvalid: func(error) { invalid++ },
	})
	cursor := int64(42)
	events, err := d.Dial(context.Background(), &cursor)
	require.NoError(t, err)
	defer events.Close()

	assert.Equal(t, "cursor=42", <-queries)

	first, err := events.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Sequence)

	second, err := events.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 1725911162329308, second.Sequence)
	assert.Equal(t, 1, invalid)

	_, err = events.Next()
	assert.ErrorIs(t, err, ErrTransport)
}

func TestDialFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := NewDialer(Config{URL: wsURL(srv)})
	_, err := d.Dial(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestCancelClosesStream(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := NewDialer(Config{URL: wsURL(srv)}).Dial(ctx, nil)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := events.Next()
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTransport)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
}
