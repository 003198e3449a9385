package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

const (
	KindWebsocket    = "websocket"
	defaultReadLimit = 1 << 20
)

// WebsocketDialer dials the game server over coder/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	target, err := Endpoint(endpoint, token)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", Redact(target), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", Redact(target), err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Kind() string { return KindWebsocket }

// Read blocks for the next text or binary message. Any failure is returned as
// a *CloseError.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, closeErrorFrom(err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return closeErrorFrom(err)
	}
	return nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func closeErrorFrom(err error) *CloseError {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason, Err: err}
	}
	// No close frame: the peer vanished or the socket broke.
	return &CloseError{Code: CodeAbnormalClosure, Err: err}
}
