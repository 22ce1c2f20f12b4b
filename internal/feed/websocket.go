package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mdmrelay/mdm-agent/internal/protocol"
)

// Auth modes for the WebSocket handshake.
const (
	AuthAPIKey = "api_key"
	AuthJWT    = "jwt"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 30 * time.Second
	defaultTokenTTL     = 5 * time.Minute
)

// WebSocketOptions configures the WebSocket transport.
type WebSocketOptions struct {
	URL      string
	APIKey   string
	AuthMode string // AuthAPIKey (default) or AuthJWT
	Subject  string // JWT subject, usually the agent hostname

	WriteTimeout time.Duration
	PongWait     time.Duration // read deadline, extended by every frame and pong
	Header       http.Header
	Dialer       *websocket.Dialer
}

// WebSocket dials the feed over a WebSocket.
type WebSocket struct {
	url  string
	opts WebSocketOptions
}

// NewWebSocket validates opts and returns a transport. http(s) URLs are rewritten to
// ws(s).
func NewWebSocket(opts WebSocketOptions) (*WebSocket, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid feed URL scheme %q", u.Scheme)
	}
	switch opts.AuthMode {
	case "":
		opts.AuthMode = AuthAPIKey
	case AuthAPIKey, AuthJWT:
	default:
		return nil, fmt.Errorf("unknown feed auth mode %q", opts.AuthMode)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &WebSocket{url: u.String(), opts: opts}, nil
}

// Dial opens a new connection.
func (w *WebSocket) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := w.opts.Dialer.DialContext(ctx, w.url, w.opts.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: resp.Status}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{conn: conn, opts: w.opts}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	opts      WebSocketOptions
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Handshake(ctx context.Context) error {
	msg := protocol.AuthMessage{Type: protocol.TypeAuth}
	if c.opts.AuthMode == AuthJWT {
		token, err := SignToken(c.opts.APIKey, c.opts.Subject, defaultTokenTTL)
		if err != nil {
			return fmt.Errorf("failed to sign feed token: %w", err)
		}
		msg.Token = token
	} else {
		msg.ApiKey = c.opts.APIKey
	}
	if err := c.writeJSON(msg); err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.PongWait)
	}
	c.conn.SetReadDeadline(deadline)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return &ConnectionError{Op: "handshake", Err: err}
		}
		var frame protocol.FeedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypeAuthResult:
			if frame.Status != protocol.AuthStatusOK {
				return &AuthError{Reason: firstNonEmpty(frame.Reason, frame.Status)}
			}
			c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
			c.conn.SetPongHandler(func(string) error {
				return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
			})
			return nil
		case protocol.TypeError:
			return &AuthError{Reason: frame.Reason}
		}
	}
}

// Next returns the next event envelope. mdm_event frames are unwrapped; any other
// frame is passed through so the decoder can classify it.
func (c *wsConn) Next() ([]byte, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var frame protocol.FeedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return data, nil
		}
		switch frame.Type {
		case protocol.TypeMDMEvent:
			if len(frame.Data) == 0 {
				return data, nil
			}
			return frame.Data, nil
		case protocol.TypeAuthResult:
			continue
		default:
			return data, nil
		}
	}
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
