package signal

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chatlink/pkg/log"
	"chatlink/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8 << 20

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

type ClientConfig struct {
	URL   string
	Token string

	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
}

// Client is one persistent, authenticated connection to the signaling server.
// Reconnects are handled by Run; consumers only see Connected and
// Disconnected events.
type Client struct {
	cfg    ClientConfig
	url    *url.URL
	dialer *websocket.Dialer

	events chan Event

	connMx sync.Mutex
	conn   *websocket.Conn
}

func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "signaling url")
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("signaling url: unsupported scheme %q", u.Scheme)
	}

	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}

	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}

	if len(cfg.Token) != 0 {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}

	return &Client{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		events: make(chan Event, 256),
	}, nil
}

// Events delivers inbound events in arrival order. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Connected() bool {
	c.connMx.Lock()
	defer c.connMx.Unlock()

	return c.conn != nil
}

// Send emits one event. It fails with ErrChannelUnavailable when there is no
// live connection; the event is dropped, not queued.
func (c *Client) Send(name EventName, payload any) error {
	raw, err := Encode(name, payload)
	if err != nil {
		return err
	}

	c.connMx.Lock()
	defer c.connMx.Unlock()

	if c.conn == nil {
		return errors.Wrap(ErrChannelUnavailable, string(name))
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errors.Wrapf(ErrChannelUnavailable, "%s: %s", name, err)
	}

	metrics.SignalingEventsTotal.WithLabelValues("out", string(name)).Inc()

	return nil
}

// Run keeps the connection up until ctx is done or the server rejects the
// identity, in which case ErrAuthRejected is returned. Run must be called once.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	logger := log.Component("signal")
	backoff := c.cfg.MinBackoff

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				metrics.SignalingConnectsTotal.WithLabelValues("auth_rejected").Inc()
				logger.Error("server rejected identity")

				return err
			}

			if ctx.Err() != nil {
				return nil
			}

			metrics.SignalingConnectsTotal.WithLabelValues("error").Inc()
			logger.Warnf("connect failed, retrying in %s: %v", backoff, err)

			if !sleep(ctx, backoff) {
				return nil
			}

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}

			continue
		}

		metrics.SignalingConnectsTotal.WithLabelValues("ok").Inc()
		metrics.SignalingConnected.Set(1)
		logger.Info("connected")

		backoff = c.cfg.MinBackoff

		c.setConn(conn)
		c.emit(ctx, Connected{})

		err = c.serve(ctx, conn)

		c.setConn(nil)
		_ = conn.Close()
		metrics.SignalingConnected.Set(0)

		if ctx.Err() != nil {
			return nil
		}

		logger.Warnf("disconnected: %v", err)
		c.emit(ctx, Disconnected{Err: err})
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}

	if len(c.cfg.Token) != 0 {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthRejected
		}

		return nil, err
	}

	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go c.keepalive(ctx, conn, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	logger := log.Component("signal")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := Decode(raw)
		if err != nil {
			logger.Debugf("dropping frame: %v", err)

			continue
		}

		metrics.SignalingEventsTotal.WithLabelValues("in", string(ev.Name())).Inc()
		c.emit(ctx, ev)
	}
}

// keepalive pings the server and closes conn once ctx is done so the read
// loop in serve unblocks.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.connMx.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.connMx.Unlock()
			_ = conn.Close()

			return
		case <-ticker.C:
			c.connMx.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.connMx.Unlock()

			if err != nil {
				_ = conn.Close()

				return
			}
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMx.Lock()
	c.conn = conn
	c.connMx.Unlock()
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
