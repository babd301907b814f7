// pkg/websocket/handler.go

package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
)

// ErrTransport marks connection-level failures. A stream that returns it is
// finished and must be redialed.
var ErrTransport = errors.New("firehose transport error")

const maxFrameSize = 512 * 1024 // 512KB max message size

// Events is the decoded sequence of a single connection. It is not
// restartable: once Next returns an error the connection is gone.
type Events interface {
	Next() (*models.StreamEvent, error)
	Close() error
}

// Config describes the firehose endpoint.
type Config struct {
	URL string
	// OverrideURL replaces URL; only the cursor is appended to it.
	OverrideURL       string
	WantedCollections []string
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	// OnInvalid is called for every skipped frame.
	OnInvalid func(error)
}

type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewDialer(cfg Config) *Dialer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			ReadBufferSize:    4096,
			EnableCompression: true,
		},
		log: logging.For("firehose"),
	}
}

// SubscribeURL builds the connection URL for the given resume position.
func (d *Dialer) SubscribeURL(cursor *int64) (string, error) {
	base := d.cfg.URL
	if d.cfg.OverrideURL != "" {
		base = d.cfg.OverrideURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}

	q := u.Query()
	if d.cfg.OverrideURL == "" {
		for _, c := range d.cfg.WantedCollections {
			q.Add("wantedCollections", c)
		}
	}
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a connection resuming at cursor (nil means "from now"). The
// connection is closed when ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context, cursor *int64) (Events, error) {
	target, err := d.SubscribeURL(cursor)
	if err != nil {
		return nil, err
	}

	d.log.Info().Str("url", target).Msg("connecting to firehose")
	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial failed (status %d): %v", ErrTransport, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial failed: %v", ErrTransport, err)
	}

	s := &Stream{
		conn:      conn,
		done:      make(chan struct{}),
		readAfter: d.cfg.ReadTimeout,
		onInvalid: d.cfg.OnInvalid,
		log:       d.log,
	}
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(s.readAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readAfter))
	})

	go s.pingPump(d.cfg.PingInterval)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Stream reads and decodes frames from one firehose connection.
type Stream struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	readAfter time.Duration
	onInvalid func(error)
	log       zerolog.Logger
}

// Next blocks until the next decodable event. Malformed frames are logged and
// skipped; only transport failures end the sequence.
func (s *Stream) Next() (*models.StreamEvent, error) {
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("firehose closed unexpectedly")
			}
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		s.conn.SetReadDeadline(time.Now().Add(s.readAfter))

		evt, err := Decode(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipped invalid message")
			if s.onInvalid != nil {
				s.onInvalid(err)
			}
			continue
		}
		return evt, nil
	}
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
